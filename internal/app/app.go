// Package app wires one debugging session together: the cache server, the
// session stream, the worker and the run orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/rollout/internal/adapter/backend"
	"github.com/xiaot623/gogo/rollout/internal/cache"
	"github.com/xiaot623/gogo/rollout/internal/config"
	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/internal/hub"
	"github.com/xiaot623/gogo/rollout/internal/logging"
	"github.com/xiaot623/gogo/rollout/internal/policy"
	"github.com/xiaot623/gogo/rollout/internal/registry"
	"github.com/xiaot623/gogo/rollout/internal/repository"
	"github.com/xiaot623/gogo/rollout/internal/runner"
	"github.com/xiaot623/gogo/rollout/internal/service"
	handler "github.com/xiaot623/gogo/rollout/internal/transport/http"
	"github.com/xiaot623/gogo/rollout/internal/watch"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// Options configure a session.
type Options struct {
	Config   *config.Config
	Function *registry.Function
	Verbose  bool
	// Out receives human-facing status lines. Defaults to os.Stdout.
	Out io.Writer
	// Logger overrides the process logger.
	Logger logging.Logger
}

// App is one running debugging session.
type App struct {
	cfg       *config.Config
	fn        *registry.Function
	logger    logging.Logger
	out       io.Writer
	sessionID string

	store    *cache.Store
	hub      *hub.Hub
	server   *echo.Echo
	listener net.Listener
	cacheURL string
	backend  *backend.Client
	repo     *repository.SQLiteStore
	runner   *runner.Manager
	svc      *service.Service
	stream   *backend.StreamClient
	watcher  *watch.Watcher

	mu           sync.Mutex
	closing      bool
	runs         sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a session. Failing to bind the cache server or to open the run
// log is fatal; nothing is left running on error.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}
	if opts.Function == nil {
		return nil, errors.New("no function to debug")
	}
	logger := opts.Logger
	if logger == nil {
		level := cfg.LogLevel
		if opts.Verbose {
			level = "debug"
		}
		logger = logging.New("rollout", level, os.Stderr)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	a := &App{
		cfg:       cfg,
		fn:        opts.Function,
		logger:    logger,
		out:       out,
		sessionID: "sess_" + uuid.New().String()[:8],
		store:     cache.NewStore(),
		hub:       hub.NewHub(logger),
		backend:   backend.NewClient(cfg.BackendURL, cfg.APIKey, cfg.RequestTimeout),
	}

	ln, err := handler.Listen(cfg.CachePort)
	if err != nil {
		return nil, fmt.Errorf("failed to start cache server: %w", err)
	}
	a.listener = ln
	a.cacheURL = handler.URL(ln)
	a.server = handler.NewCacheServer(a.store, a.hub, opts.Verbose)
	a.server.Listener = ln

	a.repo, err = repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}

	engine, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		ln.Close()
		a.repo.Close()
		return nil, fmt.Errorf("failed to load run policy: %w", err)
	}

	var traces service.TraceQuerier = a.backend
	if cfg.TraceSource == config.TraceSourceSQLite {
		if inMemoryDSN(cfg.DatabaseURL) {
			logger.Warnf("trace source is sqlite but %q is an in-memory database; replays will find no recorded spans", cfg.DatabaseURL)
		}
		traces = a.repo
	}

	a.runner = runner.NewManager(runner.Options{
		Command:   a.fn.Command,
		Dir:       a.fn.Dir,
		KillGrace: cfg.KillGrace,
		Logger:    logger,
		OnMessage: func(msg *protocol.Message) {
			a.svc.RecordWorkerMessage(msg)
		},
	})

	a.svc = service.New(service.Deps{
		Store:  a.store,
		Traces: traces,
		Status: a.backend,
		Worker: a.runner,
		RunLog: a.repo,
		Feed:   a.hub,
		Policy: engine,
		Logger: logger,
	}, service.Options{
		SessionID:     a.sessionID,
		Function:      a.fn,
		CacheURL:      a.cacheURL,
		BackendURL:    cfg.BackendURL,
		DashboardURL:  cfg.DashboardURL,
		APIKey:        cfg.APIKey,
		StatusTimeout: cfg.RequestTimeout,
	})

	a.stream = backend.NewStreamClient(backend.StreamConfig{
		BaseURL:           cfg.BackendURL,
		APIKey:            cfg.APIKey,
		SessionID:         a.sessionID,
		Name:              a.fn.Name,
		Params:            a.fn.Params,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMissed:   cfg.HeartbeatMissed,
		ReconnectDelay:    cfg.ReconnectDelay,
		Logger:            logger,
	})

	if cfg.Watch {
		a.watcher, err = watch.New(a.fn.WatchPaths(), watch.DefaultDebounce, a.rerun, logger)
		if err != nil {
			logger.Warnf("file watching disabled: %v", err)
			a.watcher = nil
		}
	}

	return a, nil
}

func inMemoryDSN(dsn string) bool {
	return dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// SessionID returns the id announced to the backend.
func (a *App) SessionID() string {
	return a.sessionID
}

// CacheURL returns the base URL of the cache server.
func (a *App) CacheURL() string {
	return a.cacheURL
}

// Service returns the session's run orchestrator.
func (a *App) Service() *service.Service {
	return a.svc
}

// Run serves the session until ctx is done or a component fails, then shuts
// everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("session %s: cache server listening on %s", a.sessionID, a.cacheURL)
	a.svc.Begin(ctx)

	// Components outlive ctx so Shutdown can stop them in order.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.hub.Run(gctx)
	})
	g.Go(func() error {
		if err := a.server.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("cache server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.stream.ConnectAndListen(gctx)
	})
	g.Go(func() error {
		a.loop(gctx)
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	var result *multierror.Error
	if err := a.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	cancelRun()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// loop reacts to session stream events until the stream is shut down.
func (a *App) loop(ctx context.Context) {
	for ev := range a.stream.Events() {
		switch ev.Type {
		case domain.StreamEventHandshake:
			a.printDashboard(ev.Handshake)
		case domain.StreamEventRun:
			a.startRun(ctx, func() func(context.Context) *service.Outcome {
				return a.svc.Schedule(ev.Run)
			})
		case domain.StreamEventStop:
			a.svc.Stop()
		case domain.StreamEventError:
			a.logger.Warnf("session stream error: %v", ev.Err)
		case domain.StreamEventHeartbeatTimeout:
			a.logger.Warnf("no heartbeat from backend, reconnecting")
		case domain.StreamEventReconnecting:
			a.logger.Infof("reconnecting to %s", a.cfg.BackendURL)
		}
	}
}

func (a *App) rerun(ctx context.Context) {
	a.startRun(ctx, a.svc.ScheduleRerun)
}

// startRun schedules a run and executes it in the background. Once shutdown
// has begun it does nothing.
func (a *App) startRun(ctx context.Context, schedule func() func(context.Context) *service.Outcome) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		a.logger.Debugf("session shutting down, ignoring run request")
		return false
	}

	run := schedule()
	a.runs.Add(1)
	go func() {
		defer a.runs.Done()
		run(ctx)
	}()
	return true
}

func (a *App) printDashboard(hs *domain.Handshake) {
	if hs == nil {
		return
	}
	sessionID := hs.SessionID
	if sessionID == "" {
		sessionID = a.sessionID
	}
	link := fmt.Sprintf("%s/projects/%s/rollout/%s", a.cfg.DashboardURL, hs.ProjectID, sessionID)

	green := color.New(color.FgGreen, color.Bold)
	green.Fprint(a.out, "✓ Connected. ")
	fmt.Fprintf(a.out, "Debugging %s at ", color.CyanString(a.fn.Name))
	color.New(color.Underline).Fprintln(a.out, link)
}

// Shutdown stops the session in order: worker, backend session, cache
// server, stream. It is bounded by the configured shutdown timeout and safe
// to call more than once.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown()
	})
	return a.shutdownErr
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error

	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	a.svc.Stop()
	a.waitRuns(ctx)

	if err := a.backend.DeleteSession(ctx, a.sessionID); err != nil {
		a.logger.Warnf("failed to delete session %s: %v", a.sessionID, err)
	}

	if err := a.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("close cache server: %w", err))
	}
	// already closed when the server was serving
	a.listener.Close()

	a.stream.Shutdown()

	if err := a.repo.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close run log: %w", err))
	}
	return result.ErrorOrNil()
}

// waitRuns waits for in-flight runs to report their final status.
func (a *App) waitRuns(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warnf("runs still in flight after %s", a.cfg.ShutdownTimeout)
	}
}
