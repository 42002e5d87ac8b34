// Package service implements the run orchestrator: it prepares the replay
// cache for each run request, drives the worker and reports session status.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/xiaot623/gogo/rollout/internal/cache"
	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/internal/logging"
	"github.com/xiaot623/gogo/rollout/internal/policy"
	"github.com/xiaot623/gogo/rollout/internal/registry"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// TraceQuerier returns historical spans ordered by start time.
type TraceQuerier interface {
	QuerySpans(ctx context.Context, traceID string, paths []string) ([]domain.Span, error)
}

// StatusReporter reports session status to the backend.
type StatusReporter interface {
	SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
}

// Worker runs one worker process at a time.
type Worker interface {
	Execute(ctx context.Context, cfg *protocol.WorkerConfig) (json.RawMessage, error)
	Kill()
}

// RunLog persists runs and their events.
type RunLog interface {
	CreateRun(ctx context.Context, run *domain.Run, function string) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.SessionStatus, errData []byte) error
	CreateEvent(ctx context.Context, event *domain.Event) error
}

// Publisher pushes notices to live subscribers.
type Publisher interface {
	Publish(noticeType, runID string, data interface{}) error
}

// PolicyEvaluator decides run admission.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input *policy.Input) (policy.Decision, string, error)
}

// Deps are the collaborators of a Service. Traces, RunLog, Feed and Policy are optional.
type Deps struct {
	Store  *cache.Store
	Traces TraceQuerier
	Status StatusReporter
	Worker Worker
	RunLog RunLog
	Feed   Publisher
	Policy PolicyEvaluator
	Logger logging.Logger
}

// Options describe the session the service runs for.
type Options struct {
	SessionID    string
	Function     *registry.Function
	CacheURL     string
	BackendURL   string
	DashboardURL string
	APIKey       string

	// StatusTimeout bounds every status report.
	StatusTimeout time.Duration
}

// Service is the run orchestrator of one session.
type Service struct {
	store  *cache.Store
	traces TraceQuerier
	status StatusReporter
	worker Worker
	runLog RunLog
	feed   Publisher
	policy PolicyEvaluator
	logger logging.Logger
	opts   Options

	// runMu serializes HandleRun.
	runMu sync.Mutex

	mu sync.Mutex
	// gen advances on every Stop and every scheduled run. A run whose
	// generation is no longer current has been superseded.
	gen           uint64
	cancelRun     context.CancelFunc
	runID         string
	lastRequest   *domain.RunRequest
	sessionStatus domain.SessionStatus
}

// New creates a new Service.
func New(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 10 * time.Second
	}
	return &Service{
		store:         deps.Store,
		traces:        deps.Traces,
		status:        deps.Status,
		worker:        deps.Worker,
		runLog:        deps.RunLog,
		feed:          deps.Feed,
		policy:        deps.Policy,
		logger:        deps.Logger,
		opts:          opts,
		sessionStatus: domain.SessionStatusPending,
	}
}

// Begin reports the new session as PENDING.
func (s *Service) Begin(ctx context.Context) {
	s.reportStatus(ctx, domain.SessionStatusPending)
}

// Status returns the last status reported for the session.
func (s *Service) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionStatus
}

// CurrentRunID returns the id of the run in progress, or of the last one.
func (s *Service) CurrentRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Stop cancels the in-flight worker and any run still waiting for its turn.
// The run it belonged to ends STOPPED. It is a no-op when nothing is running.
func (s *Service) Stop() {
	s.supersede()
}

// supersede invalidates every scheduled run and kills the current worker. It
// returns the new generation.
func (s *Service) supersede() uint64 {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	cancel := s.cancelRun
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.worker.Kill()
	return gen
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// Schedule preempts the in-flight run and reserves the next turn for req.
// The returned function executes it. A run superseded by a later Stop or
// Schedule before its worker starts ends STOPPED without spawning one.
func (s *Service) Schedule(req *domain.RunRequest) func(ctx context.Context) *Outcome {
	gen := s.supersede()
	return func(ctx context.Context) *Outcome {
		return s.handleRun(ctx, req, gen)
	}
}

// HandleRun preempts the in-flight run and executes req end to end.
func (s *Service) HandleRun(ctx context.Context, req *domain.RunRequest) *Outcome {
	return s.Schedule(req)(ctx)
}

// ScheduleRerun schedules the last run request again.
func (s *Service) ScheduleRerun() func(ctx context.Context) *Outcome {
	s.mu.Lock()
	req := &domain.RunRequest{}
	if s.lastRequest != nil {
		copied := *s.lastRequest
		req = &copied
	}
	s.mu.Unlock()

	return s.Schedule(req)
}

// Rerun kills any in-flight worker and replays the last run request.
func (s *Service) Rerun(ctx context.Context) *Outcome {
	return s.ScheduleRerun()(ctx)
}

// reportStatus is best-effort: failures are logged and never abort the run.
func (s *Service) reportStatus(ctx context.Context, status domain.SessionStatus) {
	s.mu.Lock()
	s.sessionStatus = status
	s.mu.Unlock()

	if s.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StatusTimeout)
	defer cancel()
	if err := s.status.SetStatus(ctx, s.opts.SessionID, status); err != nil {
		s.logger.Warnf("failed to report session status %s: %v", status, err)
	}
}
