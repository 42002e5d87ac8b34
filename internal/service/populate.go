package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xiaot623/gogo/rollout/internal/cache"
	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// populate loads the earliest spans of every requested path into the store.
// A failed query leaves the store empty and the run continues live.
func (s *Service) populate(ctx context.Context, traceID string, pathToCount map[string]int) {
	if s.traces == nil {
		return
	}

	paths := make([]string, 0, len(pathToCount))
	for path := range pathToCount {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	spans, err := s.traces.QuerySpans(ctx, traceID, paths)
	if err != nil {
		s.logger.Warnf("failed to query spans for trace %s: %v", traceID, err)
		return
	}
	n := Populate(s.store, spans, pathToCount)
	s.logger.Debugf("cached %d of %d spans from trace %s", n, len(spans), traceID)
}

// Populate stores, for every path, its first pathToCount[path] spans in
// start-time order at indices 0..n-1. It returns the number of records stored.
func Populate(store *cache.Store, spans []domain.Span, pathToCount map[string]int) int {
	ordered := make([]domain.Span, len(spans))
	copy(ordered, spans)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartTime.Before(ordered[j].StartTime)
	})

	next := make(map[string]int)
	stored := 0
	for _, span := range ordered {
		limit, ok := pathToCount[span.Path]
		if !ok {
			continue
		}
		index := next[span.Path]
		if index >= limit {
			continue
		}
		store.Set(span.Path, index, ToRecord(span))
		next[span.Path] = index + 1
		stored++
	}
	return stored
}

// ToRecord converts a stored span into a cached call record.
func ToRecord(span domain.Span) protocol.CachedCallRecord {
	record := protocol.CachedCallRecord{
		Name:       span.Name,
		Input:      decodeLoose(span.Input),
		Output:     outputText(span.Output),
		Attributes: map[string]interface{}{},
	}

	switch attrs := decodeLoose(span.Attributes).(type) {
	case nil:
	case map[string]interface{}:
		record.Attributes = attrs
	default:
		record.Attributes = map[string]interface{}{"raw": attrs}
	}
	return record
}

// decodeLoose decodes raw JSON. A JSON string holding JSON text is decoded
// once more; anything undecodable is returned as text.
func decodeLoose(raw json.RawMessage) interface{} {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if text, ok := v.(string); ok {
		var inner interface{}
		if err := json.Unmarshal([]byte(text), &inner); err == nil {
			return inner
		}
	}
	return v
}

// outputText keeps string outputs verbatim and re-serializes anything else.
func outputText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	if !json.Valid(raw) {
		return string(raw)
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return string(raw)
	}
	return compacted.String()
}

// DecodeArgs turns run arguments into the worker's positional or named
// arguments. String values holding JSON are decoded. Missing named arguments
// and absent args take the parameter defaults.
func DecodeArgs(raw json.RawMessage, params []domain.Param) (interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return defaults(params, nil), nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return defaults(params, nil), fmt.Errorf("malformed run args: %w", err)
	}

	switch args := v.(type) {
	case []interface{}:
		for i, arg := range args {
			args[i] = decodeArg(arg)
		}
		return args, nil
	case map[string]interface{}:
		for name, arg := range args {
			args[name] = decodeArg(arg)
		}
		return defaults(params, args), nil
	default:
		return []interface{}{decodeArg(args)}, nil
	}
}

func decodeArg(v interface{}) interface{} {
	text, ok := v.(string)
	if !ok {
		return v
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return text
	}
	return decoded
}

func defaults(params []domain.Param, named map[string]interface{}) map[string]interface{} {
	if named == nil {
		named = make(map[string]interface{})
	}
	for _, p := range params {
		if _, ok := named[p.Name]; !ok && p.Default != nil {
			named[p.Name] = p.Default
		}
	}
	return named
}
