package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/rollout/internal/cache"
	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/internal/policy"
	"github.com/xiaot623/gogo/rollout/internal/registry"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

type fakeWorker struct {
	mu      sync.Mutex
	configs []*protocol.WorkerConfig
	result  json.RawMessage
	err     error
	block   bool
	// ignoreKill makes Kill a no-op, as when no process exists yet.
	ignoreKill bool
	started chan struct{}
	killed  chan struct{}
	kills   int
	running bool
	// seen captures the store contents at execution time.
	seen func()
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{started: make(chan struct{}, 8), killed: make(chan struct{})}
}

func (w *fakeWorker) Execute(ctx context.Context, cfg *protocol.WorkerConfig) (json.RawMessage, error) {
	w.mu.Lock()
	w.configs = append(w.configs, cfg)
	w.running = true
	seen := w.seen
	killed := w.killed
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if seen != nil {
		seen()
	}
	w.started <- struct{}{}
	if w.block {
		select {
		case <-killed:
			return nil, errors.New("signal: terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return w.result, w.err
}

func (w *fakeWorker) Kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kills++
	if w.ignoreKill {
		return
	}
	if w.running && w.block {
		close(w.killed)
		w.killed = make(chan struct{})
	}
}

func (w *fakeWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *fakeWorker) lastConfig() *protocol.WorkerConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.configs) == 0 {
		return nil
	}
	return w.configs[len(w.configs)-1]
}

type fakeStatus struct {
	mu       sync.Mutex
	statuses []domain.SessionStatus
	err      error
}

func (f *fakeStatus) SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return f.err
}

func (f *fakeStatus) all() []domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionStatus(nil), f.statuses...)
}

type fakeTraces struct {
	spans   []domain.Span
	err     error
	calls   int
	traceID string
	paths   []string
}

func (f *fakeTraces) QuerySpans(ctx context.Context, traceID string, paths []string) ([]domain.Span, error) {
	f.calls++
	f.traceID = traceID
	f.paths = paths
	return f.spans, f.err
}

type fakeRunLog struct {
	mu     sync.Mutex
	runs   map[string]domain.SessionStatus
	events []domain.RunEventType
}

func (f *fakeRunLog) CreateRun(ctx context.Context, run *domain.Run, function string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs == nil {
		f.runs = make(map[string]domain.SessionStatus)
	}
	f.runs[run.RunID] = run.Status
	return nil
}

func (f *fakeRunLog) UpdateRunCompleted(ctx context.Context, runID string, status domain.SessionStatus, errData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID] = status
	return nil
}

func (f *fakeRunLog) CreateEvent(ctx context.Context, event *domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event.Type)
	return nil
}

type fakePolicy struct {
	decision policy.Decision
	input    *policy.Input
}

func (f *fakePolicy) Evaluate(ctx context.Context, input *policy.Input) (policy.Decision, string, error) {
	f.input = input
	return f.decision, "", nil
}

type fixture struct {
	svc    *Service
	store  *cache.Store
	worker *fakeWorker
	status *fakeStatus
	traces *fakeTraces
	runLog *fakeRunLog
}

func newFixture(t *testing.T, spans []domain.Span) *fixture {
	t.Helper()
	f := &fixture{
		store:  cache.NewStore(),
		worker: newFakeWorker(),
		status: &fakeStatus{},
		traces: &fakeTraces{spans: spans},
		runLog: &fakeRunLog{},
	}
	f.svc = New(Deps{
		Store:  f.store,
		Traces: f.traces,
		Status: f.status,
		Worker: f.worker,
		RunLog: f.runLog,
	}, Options{
		SessionID: "sess_1",
		CacheURL:  "http://127.0.0.1:4100",
		Function: &registry.Function{
			Name:     "agent",
			File:     "/src/agent.py",
			Module:   "agent",
			Function: "run_agent",
			Params:   []domain.Param{{Name: "query", Default: "hello"}},
		},
	})
	return f
}

func span(path, output string, at int) domain.Span {
	out, _ := json.Marshal(output)
	return domain.Span{
		Path:      path,
		Name:      "llm",
		Output:    out,
		StartTime: time.Unix(0, 0).Add(time.Duration(at) * time.Second),
	}
}

func TestHandleRunPopulatesEarliestSpans(t *testing.T) {
	f := newFixture(t, []domain.Span{
		span("agent.llm", "C", 3),
		span("agent.llm", "A", 1),
		span("agent.llm", "B", 2),
		span("agent.tool", "T", 1),
	})

	var cached []string
	f.worker.seen = func() {
		for i := 0; i < 3; i++ {
			if rec, ok := f.store.Get("agent.llm", i); ok {
				cached = append(cached, rec.Output)
			}
		}
	}

	out := f.svc.HandleRun(context.Background(), &domain.RunRequest{
		TraceID:     "t1",
		PathToCount: map[string]int{"agent.llm": 2},
	})

	require.NoError(t, out.Err)
	assert.Equal(t, domain.SessionStatusFinished, out.Status)
	assert.Equal(t, []string{"A", "B"}, cached)
	assert.Equal(t, "t1", f.traces.traceID)
	assert.Equal(t, []string{"agent.llm"}, f.traces.paths)
	_, ok := f.store.Get("agent.tool", 0)
	assert.False(t, ok)
	assert.Equal(t, map[string]int{"agent.llm": 2}, f.store.Metadata().PathToCount)
	assert.Equal(t, []domain.SessionStatus{domain.SessionStatusRunning, domain.SessionStatusFinished}, f.status.all())
}

func TestHandleRunWithoutTraceRunsLive(t *testing.T) {
	f := newFixture(t, []domain.Span{span("p", "A", 1)})
	f.store.Set("stale", 0, protocol.CachedCallRecord{Output: "old"})

	out := f.svc.HandleRun(context.Background(), &domain.RunRequest{PathToCount: map[string]int{"p": 1}})

	assert.Equal(t, domain.SessionStatusFinished, out.Status)
	assert.Equal(t, 0, f.traces.calls)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, map[string]int{"p": 1}, f.store.Metadata().PathToCount)
}

func TestHandleRunQueryFailureContinues(t *testing.T) {
	f := newFixture(t, nil)
	f.traces.err = errors.New("backend down")

	out := f.svc.HandleRun(context.Background(), &domain.RunRequest{
		TraceID:     "t1",
		PathToCount: map[string]int{"p": 1},
	})

	assert.Equal(t, domain.SessionStatusFinished, out.Status)
	assert.Equal(t, 0, f.store.Len())
	assert.NotNil(t, f.worker.lastConfig())
}

func TestHandleRunWorkerFailureStillFinishes(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.err = errors.New("exit status 1")

	out := f.svc.HandleRun(context.Background(), &domain.RunRequest{})

	assert.Error(t, out.Err)
	assert.Equal(t, domain.SessionStatusFinished, out.Status)
	assert.Equal(t, domain.SessionStatusFinished, f.svc.Status())
}

func TestHandleRunStatusReportFailureIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.status.err = errors.New("unreachable")
	f.worker.result = json.RawMessage(`{"ok":true}`)

	out := f.svc.HandleRun(context.Background(), &domain.RunRequest{})

	require.NoError(t, out.Err)
	assert.JSONEq(t, `{"ok":true}`, string(out.Result))
	assert.Len(t, f.status.all(), 2)
}

func TestHandleRunWorkerConfig(t *testing.T) {
	f := newFixture(t, nil)

	f.svc.HandleRun(context.Background(), &domain.RunRequest{
		Args: json.RawMessage(`{"limit":"3","filter":"{\"a\":1}"}`),
	})

	cfg := f.worker.lastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "sess_1", cfg.SessionID)
	assert.Equal(t, "run_agent", cfg.Function)
	assert.Equal(t, "/src/agent.py", cfg.File)
	assert.Equal(t, "http://127.0.0.1:4100", cfg.CacheURL)
	assert.Equal(t, "sess_1", cfg.Env[protocol.EnvSessionID])
	assert.Equal(t, "http://127.0.0.1:4100", cfg.Env[protocol.EnvCacheURL])
	assert.Equal(t, map[string]interface{}{
		"limit":  float64(3),
		"filter": map[string]interface{}{"a": float64(1)},
		"query":  "hello",
	}, cfg.Args)
}

func TestStopEndsRunStopped(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.block = true

	done := make(chan *Outcome, 1)
	go func() {
		done <- f.svc.HandleRun(context.Background(), &domain.RunRequest{})
	}()

	select {
	case <-f.worker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not start")
	}
	f.svc.Stop()

	select {
	case out := <-done:
		assert.Equal(t, domain.SessionStatusStopped, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after stop")
	}
	statuses := f.status.all()
	assert.Equal(t, domain.SessionStatusStopped, statuses[len(statuses)-1])
	assert.NotContains(t, statuses, domain.SessionStatusFinished)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Stop()

	out := f.svc.HandleRun(context.Background(), &domain.RunRequest{})
	assert.Equal(t, domain.SessionStatusFinished, out.Status)
}

func TestRerunReplaysLastRequest(t *testing.T) {
	f := newFixture(t, []domain.Span{span("p", "A", 1)})

	first := f.svc.HandleRun(context.Background(), &domain.RunRequest{
		TraceID:     "t1",
		PathToCount: map[string]int{"p": 1},
	})
	second := f.svc.Rerun(context.Background())

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 2, f.traces.calls)
	assert.Equal(t, domain.SessionStatusFinished, second.Status)
	rec, ok := f.store.Get("p", 0)
	require.True(t, ok)
	assert.Equal(t, "A", rec.Output)
}

func TestPolicyDecisions(t *testing.T) {
	t.Run("block skips the worker", func(t *testing.T) {
		f := newFixture(t, nil)
		f.svc.policy = &fakePolicy{decision: policy.DecisionBlock}

		out := f.svc.HandleRun(context.Background(), &domain.RunRequest{})

		assert.Equal(t, domain.SessionStatusFinished, out.Status)
		assert.Nil(t, f.worker.lastConfig())
		assert.Equal(t, []domain.SessionStatus{domain.SessionStatusFinished}, f.status.all())
	})

	t.Run("fresh drops replay", func(t *testing.T) {
		f := newFixture(t, []domain.Span{span("p", "A", 1)})
		p := &fakePolicy{decision: policy.DecisionFresh}
		f.svc.policy = p

		f.svc.HandleRun(context.Background(), &domain.RunRequest{
			TraceID:     "t1",
			PathToCount: map[string]int{"p": 1},
			Args:        json.RawMessage(`["x"]`),
		})

		assert.Equal(t, 0, f.traces.calls)
		assert.Equal(t, "agent", p.input.Function)
		assert.Equal(t, "t1", p.input.TraceID)
		assert.True(t, p.input.HasArgs)
		assert.Equal(t, []string{"p"}, p.input.Paths)
	})
}

func TestRunLogRecorded(t *testing.T) {
	f := newFixture(t, nil)

	out := f.svc.HandleRun(context.Background(), &domain.RunRequest{})
	f.svc.RecordWorkerMessage(&protocol.Message{Type: protocol.TypeLog, Level: "info", Message: "hi"})

	assert.Equal(t, domain.SessionStatusFinished, f.runLog.runs[out.RunID])
	assert.Equal(t, []domain.RunEventType{
		domain.RunEventStarted,
		domain.RunEventFinished,
		domain.RunEventWorkerLog,
	}, f.runLog.events)
}

func TestStopCancelsQueuedRun(t *testing.T) {
	f := newFixture(t, nil)

	run := f.svc.Schedule(&domain.RunRequest{})
	f.svc.Stop()
	out := run(context.Background())

	assert.Equal(t, domain.SessionStatusStopped, out.Status)
	assert.Nil(t, f.worker.lastConfig())
	assert.Empty(t, f.status.all())
}

func TestStopWhileRunQueuedBehindActiveRun(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.block = true

	doneA := make(chan *Outcome, 1)
	go func() {
		doneA <- f.svc.HandleRun(context.Background(), &domain.RunRequest{TraceID: "a"})
	}()
	select {
	case <-f.worker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not start")
	}

	runB := f.svc.Schedule(&domain.RunRequest{TraceID: "b"})
	doneB := make(chan *Outcome, 1)
	go func() { doneB <- runB(context.Background()) }()
	f.svc.Stop()

	for _, done := range []chan *Outcome{doneA, doneB} {
		select {
		case out := <-done:
			assert.Equal(t, domain.SessionStatusStopped, out.Status)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not end after stop")
		}
	}
	assert.False(t, f.worker.IsRunning())
	statuses := f.status.all()
	assert.Equal(t, domain.SessionStatusStopped, statuses[len(statuses)-1])
}

func TestLaterRunSupersedesEarlierQueuedRun(t *testing.T) {
	f := newFixture(t, nil)

	older := f.svc.Schedule(&domain.RunRequest{Args: json.RawMessage(`["old"]`)})
	newer := f.svc.Schedule(&domain.RunRequest{Args: json.RawMessage(`["new"]`)})

	outNew := newer(context.Background())
	outOld := older(context.Background())

	assert.Equal(t, domain.SessionStatusFinished, outNew.Status)
	assert.Equal(t, domain.SessionStatusStopped, outOld.Status)
	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	require.Len(t, f.worker.configs, 1)
	assert.Equal(t, []interface{}{"new"}, f.worker.configs[0].Args)
}

func TestStopBeforeWorkerSpawnsStillCancels(t *testing.T) {
	f := newFixture(t, nil)
	f.worker.block = true
	f.worker.ignoreKill = true
	f.worker.seen = func() { f.svc.Stop() }

	done := make(chan *Outcome, 1)
	go func() { done <- f.svc.HandleRun(context.Background(), &domain.RunRequest{}) }()

	select {
	case out := <-done:
		assert.Equal(t, domain.SessionStatusStopped, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run ignored a stop that arrived before the worker started")
	}
}
