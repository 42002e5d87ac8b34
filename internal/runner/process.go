// Package runner spawns and supervises the worker process of a rollout.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/xiaot623/gogo/rollout/internal/logging"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// maxLineSize bounds a single protocol message.
const maxLineSize = 16 * 1024 * 1024

// ErrAlreadyRunning is returned by Execute while a worker is alive.
var ErrAlreadyRunning = errors.New("worker already running")

// ExitError reports a worker that exited with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

// SignalError reports a worker terminated by a signal.
type SignalError struct {
	Signal syscall.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("worker terminated by signal %s", e.Signal)
}

// WorkerError reports an error message sent by the worker itself.
type WorkerError struct {
	Message string
	Stack   string
}

func (e *WorkerError) Error() string {
	return "worker error: " + e.Message
}

// MessageHandler observes every decoded protocol message.
type MessageHandler func(msg *protocol.Message)

// Options configures a Manager.
type Options struct {
	// Command is the worker executable followed by its arguments.
	Command []string
	Dir     string
	// Env is appended to the parent environment.
	Env []string

	KillGrace time.Duration
	Logger    logging.Logger
	Stdout    io.Writer
	Stderr    io.Writer
	OnMessage MessageHandler
}

// Manager runs at most one worker at a time.
type Manager struct {
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Manager{opts: opts}
}

// IsRunning reports whether a worker is alive.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd != nil
}

// Execute starts the worker, sends cfg on its stdin and waits for it to exit.
// It returns the data of the worker's result message, nil when none was sent.
// Cancelling ctx kills the worker.
func (m *Manager) Execute(ctx context.Context, cfg *protocol.WorkerConfig) (json.RawMessage, error) {
	if len(m.opts.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}

	cmd := exec.Command(m.opts.Command[0], m.opts.Command[1:]...)
	cmd.Dir = m.opts.Dir
	cmd.Env = append(os.Environ(), m.opts.Env...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = m.opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	m.mu.Lock()
	if m.cmd != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	exited := make(chan struct{})
	m.cmd = cmd
	m.exited = exited
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cmd = nil
		m.exited = nil
		m.mu.Unlock()
	}()

	// A worker that never reads stdin must not block us.
	go func() {
		if err := protocol.EncodeConfig(stdin, cfg); err != nil {
			m.opts.Logger.Warnf("failed to send worker config: %v", err)
		}
		stdin.Close()
	}()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			m.Kill()
		case <-stopWatch:
		}
	}()

	var result json.RawMessage
	var workerErr *WorkerError
	scanErr := m.pump(stdout, func(msg *protocol.Message) {
		switch msg.Type {
		case protocol.TypeResult:
			result = msg.Data
		case protocol.TypeError:
			workerErr = &WorkerError{Message: msg.Message, Stack: msg.Stack}
		}
	})
	if scanErr != nil {
		m.opts.Logger.Warnf("failed to read worker output: %v", scanErr)
		io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	close(exited)

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("failed to wait for worker: %w", waitErr)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return nil, &SignalError{Signal: status.Signal()}
		}
		return nil, &ExitError{Code: exitErr.ExitCode()}
	}
	if workerErr != nil {
		return nil, workerErr
	}
	return result, nil
}

// pump reads stdout line by line. Sentinel lines are decoded and dispatched,
// everything else is copied to the parent's stdout byte for byte, line
// terminator included. Lines longer than maxLineSize are passed through in
// chunks; an oversized sentinel line is dropped.
func (m *Manager) pump(stdout io.Reader, capture func(*protocol.Message)) error {
	reader := bufio.NewReaderSize(stdout, 64*1024)

	var pending []byte
	passthrough, discard := false, false
	for {
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			switch {
			case passthrough:
				m.opts.Stdout.Write(chunk)
			case discard:
			default:
				pending = append(pending, chunk...)
				if !maybeSentinel(pending) {
					m.opts.Stdout.Write(pending)
					pending = pending[:0]
					passthrough = true
				} else if len(pending) > maxLineSize {
					m.opts.Logger.Warnf("dropping worker message longer than %d bytes", maxLineSize)
					pending = pending[:0]
					discard = true
				}
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if len(pending) > 0 {
			m.handleLine(pending, capture)
		}
		pending = pending[:0]
		passthrough, discard = false, false

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// maybeSentinel reports whether a line starting with p could still be a
// protocol line.
func maybeSentinel(p []byte) bool {
	if len(p) >= len(protocol.Sentinel) {
		return bytes.HasPrefix(p, []byte(protocol.Sentinel))
	}
	return strings.HasPrefix(protocol.Sentinel, string(p))
}

func (m *Manager) handleLine(raw []byte, capture func(*protocol.Message)) {
	line := strings.TrimSuffix(strings.TrimSuffix(string(raw), "\n"), "\r")
	msg, ok, err := protocol.ParseLine(line)
	if !ok {
		m.opts.Stdout.Write(raw)
		return
	}
	if err != nil {
		m.opts.Logger.Warnf("malformed worker message: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeLog:
		logging.At(m.opts.Logger, msg.Level, msg.Message)
	case protocol.TypeError:
		if msg.Stack != "" {
			m.opts.Logger.Errorf("%s\n%s", msg.Message, msg.Stack)
		} else {
			m.opts.Logger.Errorf("%s", msg.Message)
		}
	}
	capture(msg)
	if m.opts.OnMessage != nil {
		m.opts.OnMessage(msg)
	}
}

// Kill sends SIGTERM to the running worker and SIGKILL if it is still alive
// after the grace window. It is a no-op when nothing is running and returns
// once the worker has exited or been sent SIGKILL.
func (m *Manager) Kill() {
	m.mu.Lock()
	cmd, exited := m.cmd, m.exited
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}

	timer := time.NewTimer(m.opts.KillGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		m.opts.Logger.Warnf("worker did not exit after %s, sending SIGKILL", m.opts.KillGrace)
		cmd.Process.Kill()
	}
}
