package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// recordEvent appends an entry to the run log. Failures are logged only.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.RunEventType, payload interface{}) {
	if s.runLog == nil {
		return
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warnf("failed to marshal %s payload: %v", eventType, err)
		return
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: payloadBytes,
	}
	if err := s.runLog.CreateEvent(ctx, event); err != nil {
		s.logger.Warnf("failed to record %s event: %v", eventType, err)
	}
}

// RecordWorkerMessage logs a worker protocol message against the current run
// and forwards it to live subscribers.
func (s *Service) RecordWorkerMessage(msg *protocol.Message) {
	if msg == nil {
		return
	}
	runID := s.CurrentRunID()

	var eventType domain.RunEventType
	switch msg.Type {
	case protocol.TypeLog:
		eventType = domain.RunEventWorkerLog
	case protocol.TypeResult:
		eventType = domain.RunEventWorkerResult
	case protocol.TypeError:
		eventType = domain.RunEventWorkerError
	default:
		return
	}

	s.recordEvent(context.Background(), runID, eventType, msg)
	s.publish(string(eventType), runID, msg)
}
