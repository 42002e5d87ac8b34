package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/rollout/internal/config"
	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/internal/logging"
	"github.com/xiaot623/gogo/rollout/internal/registry"
	"github.com/xiaot623/gogo/rollout/internal/service"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
	"github.com/xiaot623/gogo/rollout/pkg/replay"
)

// TestHelperProcess is not a real test. It is re-executed as the worker.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	cfg, err := protocol.DecodeConfig(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad config: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	ic := replay.NewInterceptor(replay.NewCacheClient(cfg.CacheURL, 2*time.Second))
	first, err := ic.Next(ctx, "agent.llm")
	if err != nil || first == nil {
		fmt.Fprintf(os.Stderr, "expected a cached call: %v\n", err)
		os.Exit(3)
	}
	second, err := ic.Next(ctx, "agent.llm")

	protocol.NewEmitter(os.Stdout).Result(map[string]interface{}{
		"first":       first.Output,
		"second_live": second == nil && err == nil,
		"args":        cfg.Args,
	})
}

type fakeBackend struct {
	mu       sync.Mutex
	statuses []domain.SessionStatus
	deleted  chan string
	connects atomic.Int32
}

func (b *fakeBackend) all() []domain.SessionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.SessionStatus(nil), b.statuses...)
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/rollout/sessions/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		fmt.Fprintf(w, "event: handshake\ndata: {\"projectId\":\"p1\",\"sessionId\":%q}\n\n", r.PathValue("id"))
		if b.connects.Add(1) == 1 {
			fmt.Fprint(w, "event: run\ndata: {\"traceId\":\"t1\",\"pathToCount\":{\"agent.llm\":1},\"args\":{\"query\":\"hi\"}}\n\n")
		}
		flusher.Flush()

		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("PUT /v1/rollout/sessions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var update domain.StatusUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.statuses = append(b.statuses, update.Status)
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /v1/rollout/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		select {
		case b.deleted <- r.PathValue("id"):
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/traces/{id}/spans/query", func(w http.ResponseWriter, r *http.Request) {
		base := time.Unix(1700000000, 0)
		resp := domain.SpanQueryResponse{Spans: []domain.Span{
			{Path: "agent.llm", Name: "llm", Output: json.RawMessage(`"B"`), StartTime: base.Add(time.Second)},
			{Path: "agent.llm", Name: "llm", Output: json.RawMessage(`"A"`), StartTime: base},
		}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return mux
}

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		BackendURL:        backendURL,
		DashboardURL:      "http://dash",
		CachePort:         0,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMissed:   3,
		ReconnectDelay:    50 * time.Millisecond,
		KillGrace:         time.Second,
		ShutdownTimeout:   5 * time.Second,
		RequestTimeout:    2 * time.Second,
		DatabaseURL:       ":memory:",
		TraceSource:       config.TraceSourceBackend,
		LogLevel:          "off",
	}
}

func TestSessionEndToEnd(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	backend := &fakeBackend{deleted: make(chan string, 1)}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	var out bytes.Buffer
	a, err := New(context.Background(), Options{
		Config: testConfig(srv.URL),
		Function: &registry.Function{
			Name:     "agent",
			Function: "run_agent",
			Command:  []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		},
		Out:    &out,
		Logger: logging.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		statuses := backend.all()
		return len(statuses) > 0 && statuses[len(statuses)-1] == domain.SessionStatusFinished
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, []domain.SessionStatus{
		domain.SessionStatusPending,
		domain.SessionStatusRunning,
		domain.SessionStatusFinished,
	}, backend.all())

	events, err := a.repo.GetEvents(context.Background(), a.svc.CurrentRunID(), []string{string(domain.RunEventWorkerResult)}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(events[0].Payload, &msg))
	assert.JSONEq(t, `{"first":"A","second_live":true,"args":{"query":"hi"}}`, string(msg.Data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not shut down")
	}

	select {
	case id := <-backend.deleted:
		assert.Equal(t, a.SessionID(), id)
	default:
		t.Fatal("session was not deleted")
	}
	assert.Contains(t, out.String(), "http://dash/projects/p1/rollout/"+a.SessionID())
}

func TestNewRequiresFunction(t *testing.T) {
	_, err := New(context.Background(), Options{Config: testConfig("http://127.0.0.1:1"), Logger: logging.Nop()})
	assert.Error(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	backend := &fakeBackend{deleted: make(chan string, 1)}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	a, err := New(context.Background(), Options{
		Config:   testConfig(srv.URL),
		Function: &registry.Function{Name: "agent", Command: []string{"true"}},
		Out:      &bytes.Buffer{},
		Logger:   logging.Nop(),
	})
	require.NoError(t, err)

	assert.NoError(t, a.Shutdown())
	assert.NoError(t, a.Shutdown())
	assert.Equal(t, a.SessionID(), <-backend.deleted)
}

func TestRunRequestsIgnoredAfterShutdown(t *testing.T) {
	backend := &fakeBackend{deleted: make(chan string, 1)}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	a, err := New(context.Background(), Options{
		Config:   testConfig(srv.URL),
		Function: &registry.Function{Name: "agent", Command: []string{"true"}},
		Out:      &bytes.Buffer{},
		Logger:   logging.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Shutdown())

	scheduled := false
	started := a.startRun(context.Background(), func() func(context.Context) *service.Outcome {
		scheduled = true
		return a.svc.Schedule(&domain.RunRequest{})
	})
	assert.False(t, started)
	assert.False(t, scheduled)
	a.runs.Wait()
	assert.Empty(t, backend.all())
}

func TestWarnsOnInMemorySQLiteTraces(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		warn bool
	}{
		{name: "memory", dsn: ":memory:", warn: true},
		{name: "shared memory", dsn: "file:runs?mode=memory&cache=shared", warn: true},
		{name: "file", dsn: t.TempDir() + "/runs.db", warn: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			cfg.TraceSource = config.TraceSourceSQLite
			cfg.DatabaseURL = tt.dsn

			var logs bytes.Buffer
			a, err := New(context.Background(), Options{
				Config:   cfg,
				Function: &registry.Function{Name: "agent", Command: []string{"true"}},
				Out:      &bytes.Buffer{},
				Logger:   logging.New("", "warn", &logs),
			})
			require.NoError(t, err)
			defer func() {
				a.listener.Close()
				a.repo.Close()
			}()

			if tt.warn {
				assert.Contains(t, logs.String(), "in-memory database")
			} else {
				assert.NotContains(t, logs.String(), "in-memory database")
			}
		})
	}
}
