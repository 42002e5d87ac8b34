package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/internal/policy"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// Outcome summarizes one handled run request.
type Outcome struct {
	RunID  string
	Status domain.SessionStatus
	Result json.RawMessage
	// Err is the worker failure, if any. It never changes Status.
	Err error
}

// handleRun executes one run request end to end once the previous run has
// finished. gen is the generation the run was scheduled under.
func (s *Service) handleRun(ctx context.Context, req *domain.RunRequest, gen uint64) *Outcome {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if req == nil {
		req = &domain.RunRequest{}
	}
	if !s.current(gen) {
		s.logger.Debugf("run request superseded before it started")
		return &Outcome{Status: domain.SessionStatusStopped}
	}

	runID := "run_" + uuid.New().String()[:8]
	traceID := strings.TrimSpace(req.TraceID)

	s.mu.Lock()
	copied := *req
	s.lastRequest = &copied
	s.runID = runID
	s.mu.Unlock()

	s.store.Clear()

	out := &Outcome{RunID: runID}
	s.recordRunStart(ctx, runID, traceID)

	decision := s.admit(ctx, traceID, req)
	switch decision {
	case policy.DecisionBlock:
		s.logger.Warnf("run %s blocked by policy", runID)
		return s.finish(ctx, out, domain.SessionStatusFinished, nil)
	case policy.DecisionFresh:
		traceID = ""
	}

	if traceID != "" && len(req.PathToCount) > 0 {
		s.populate(ctx, traceID, req.PathToCount)
	}
	s.store.SetMetadata(req.PathToCount, req.Overrides)

	args, err := DecodeArgs(req.Args, s.params())
	if err != nil {
		s.logger.Warnf("run %s: %v", runID, err)
	}
	cfg := s.workerConfig(runID, args)

	// A Stop from here on cancels runCtx, even before the worker exists.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return s.finish(ctx, out, domain.SessionStatusStopped, nil)
	}
	s.cancelRun = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelRun = nil
		s.mu.Unlock()
	}()

	s.reportStatus(ctx, domain.SessionStatusRunning)
	s.publish("run_started", runID, map[string]interface{}{"traceId": traceID})

	result, err := s.worker.Execute(runCtx, cfg)
	out.Result = result
	if err != nil {
		s.logger.Warnf("run %s failed: %v", runID, err)
		out.Err = err
	}

	status := domain.SessionStatusFinished
	if !s.current(gen) {
		status = domain.SessionStatusStopped
	}
	return s.finish(ctx, out, status, err)
}

func (s *Service) finish(ctx context.Context, out *Outcome, status domain.SessionStatus, runErr error) *Outcome {
	out.Status = status
	s.reportStatus(ctx, status)
	s.recordRunEnd(ctx, out.RunID, status, runErr)
	s.publish("run_finished", out.RunID, map[string]interface{}{"status": status})
	return out
}

// admit consults the policy engine. Evaluation errors fall back to allow.
func (s *Service) admit(ctx context.Context, traceID string, req *domain.RunRequest) policy.Decision {
	if s.policy == nil {
		return policy.DecisionAllow
	}

	input := &policy.Input{
		TraceID: traceID,
		HasArgs: len(req.Args) > 0,
	}
	if s.opts.Function != nil {
		input.Function = s.opts.Function.Name
	}
	for path := range req.PathToCount {
		input.Paths = append(input.Paths, path)
	}

	decision, reason, err := s.policy.Evaluate(ctx, input)
	if err != nil {
		s.logger.Warnf("policy evaluation failed, allowing run: %v", err)
	}
	if reason != "" {
		s.logger.Debugf("policy decision %s: %s", decision, reason)
	}
	return decision
}

func (s *Service) params() []domain.Param {
	if s.opts.Function == nil {
		return nil
	}
	return s.opts.Function.Params
}

func (s *Service) workerConfig(runID string, args interface{}) *protocol.WorkerConfig {
	cfg := &protocol.WorkerConfig{
		SessionID: s.opts.SessionID,
		RunID:     runID,
		Args:      args,
		Env: map[string]string{
			protocol.EnvSessionID: s.opts.SessionID,
			protocol.EnvCacheURL:  s.opts.CacheURL,
		},
		BackendURL:   s.opts.BackendURL,
		CacheURL:     s.opts.CacheURL,
		DashboardURL: s.opts.DashboardURL,
		APIKey:       s.opts.APIKey,
	}
	if fn := s.opts.Function; fn != nil {
		cfg.File = fn.File
		cfg.Module = fn.Module
		cfg.Function = fn.Function
	}
	return cfg
}

func (s *Service) publish(noticeType, runID string, data interface{}) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(noticeType, runID, data); err != nil {
		s.logger.Debugf("failed to publish %s notice: %v", noticeType, err)
	}
}

func (s *Service) recordRunStart(ctx context.Context, runID, traceID string) {
	if s.runLog == nil {
		return
	}
	run := &domain.Run{
		RunID:     runID,
		SessionID: s.opts.SessionID,
		TraceID:   traceID,
		Status:    domain.SessionStatusRunning,
		StartedAt: time.Now(),
	}
	function := ""
	if s.opts.Function != nil {
		function = s.opts.Function.Name
	}
	if err := s.runLog.CreateRun(ctx, run, function); err != nil {
		s.logger.Warnf("failed to record run %s: %v", runID, err)
		// Continue anyway
	}
	s.recordEvent(ctx, runID, domain.RunEventStarted, map[string]interface{}{"trace_id": traceID})
}

func (s *Service) recordRunEnd(ctx context.Context, runID string, status domain.SessionStatus, runErr error) {
	if s.runLog == nil {
		return
	}
	var errData []byte
	if runErr != nil {
		errData, _ = json.Marshal(map[string]string{"message": runErr.Error()})
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.runLog.UpdateRunCompleted(ctx, runID, status, errData); err != nil {
		s.logger.Warnf("failed to complete run %s: %v", runID, err)
	}
	s.recordEvent(ctx, runID, domain.RunEventFinished, map[string]interface{}{"status": status})
}
