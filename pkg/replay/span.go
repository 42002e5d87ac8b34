package replay

import (
	"context"
	"strings"
)

type spanKey struct{}

// WithSpan returns a context whose span path has name appended.
func WithSpan(ctx context.Context, name string) context.Context {
	parent := Spans(ctx)
	path := make([]string, len(parent), len(parent)+1)
	copy(path, parent)
	return context.WithValue(ctx, spanKey{}, append(path, name))
}

// Spans returns the active span names, outermost first.
func Spans(ctx context.Context) []string {
	path, _ := ctx.Value(spanKey{}).([]string)
	return path
}

// PathFrom returns the dot-joined span path of ctx, or "" outside any span.
func PathFrom(ctx context.Context) string {
	return strings.Join(Spans(ctx), ".")
}
