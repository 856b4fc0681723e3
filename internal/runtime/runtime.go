// Package runtime executes guest code in subprocess sandboxes. Each
// execution spawns a fresh interpreter process with a sanitized
// environment, its own process group, and a line-delimited JSON channel
// on stdio over which the guest requests tool calls. A per-execution
// secret authenticates protocol messages; lines without it are treated
// as plain guest output.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/ngome/internal/policy"
	"github.com/jkaninda/ngome/internal/session"
)

// ErrTimeout is returned when an execution exceeds its wall-clock limit.
// The guest process group is force-killed before this is returned.
var ErrTimeout = errors.New("execution timed out")

// ErrUnavailable is returned when the runtime's interpreter is not
// installed. Executions against an unavailable runtime fail closed.
var ErrUnavailable = errors.New("runtime unavailable")

// maxStderrBytes caps captured interpreter stderr.
const maxStderrBytes = 1 << 20

// ToolCallHandler services one guest tool call. Implementations must be
// safe for concurrent use: the pump dispatches each call on its own
// goroutine.
type ToolCallHandler func(ctx context.Context, toolName string, args map[string]any) (any, error)

// Request is one code execution.
type Request struct {
	Code       string
	Session    *session.Session
	Policy     policy.Policy
	OnToolCall ToolCallHandler
}

// Result is the outcome of one execution attempt.
type Result struct {
	Output      string
	ErrorOutput string
	ExitCode    int
	WallTime    time.Duration
	CPUTime     time.Duration
}

// Runtime executes guest code for one language.
type Runtime interface {
	// Name identifies the runtime ("deno", "python").
	Name() string
	// Language is the guest language ("typescript", "python").
	Language() string
	// HealthCheck verifies the interpreter is installed and runnable.
	HealthCheck() error
	// Execute runs code in a fresh subprocess under the request's policy.
	// The returned Result may carry partial output alongside a non-nil
	// error; timeouts yield an error wrapping ErrTimeout.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry selects runtimes by policy runtime name.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry builds a registry from the given runtimes.
func NewRegistry(runtimes ...Runtime) *Registry {
	r := &Registry{runtimes: make(map[string]Runtime, len(runtimes))}
	for _, rt := range runtimes {
		r.runtimes[rt.Name()] = rt
	}
	return r
}

// Get returns the runtime registered under name.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: no runtime registered for %q", ErrUnavailable, name)
	}
	return rt, nil
}

// guestProc describes one subprocess invocation.
type guestProc struct {
	bin     string
	args    []string
	dir     string
	timeout time.Duration
	secret  string
	handler ToolCallHandler
	logger  *slog.Logger
}

// run spawns the guest process, drives the IPC pump until the guest
// reports a result or exits, and reaps the process. On timeout the whole
// process group is killed so grandchildren cannot linger.
func (g *guestProc) run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.bin, g.args...)
	cmd.Dir = g.dir
	cmd.Env = sanitizedEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr := &limitedWriter{limit: maxStderrBytes}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrUnavailable, g.bin, err)
	}

	gr := runPump(ctx, stdout, stdin, g.secret, g.handler, g.logger)

	waitErr := cmd.Wait()
	wall := time.Since(start)

	res := &Result{
		Output:      gr.Output(),
		ErrorOutput: gr.ErrorOutput(),
		WallTime:    wall,
	}
	if cmd.ProcessState != nil {
		res.CPUTime = cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if gr.Reported() {
		res.ExitCode = gr.ExitCode()
	}
	if tail := stderr.String(); tail != "" {
		if res.ErrorOutput != "" {
			res.ErrorOutput += "\n"
		}
		res.ErrorOutput += tail
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
	}
	if waitErr != nil && !gr.Reported() {
		return res, fmt.Errorf("guest process failed: %w", waitErr)
	}
	return res, nil
}

// executionTimeout derives the wall-clock bound from policy limits.
func executionTimeout(p policy.Policy) time.Duration {
	return time.Duration(p.Limits.MaxExecutionTimeMS) * time.Millisecond
}

// sanitizedEnv builds a minimal environment for guest processes. Nothing
// from the host environment is inherited.
func sanitizedEnv() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/nonexistent",
		"LANG=C.UTF-8",
		"NO_COLOR=1",
	}
}

// limitedWriter keeps the first limit bytes and drops the rest.
type limitedWriter struct {
	mu    sync.Mutex
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *limitedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(w.buf.String())
}
