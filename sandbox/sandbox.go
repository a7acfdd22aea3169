// Package sandbox confines agent-driven side effects: a virtual path
// resolver that keeps file access inside per-agent area roots, a command
// policy, and a bubblewrap-backed executor that runs allowlisted binaries
// in their own user, PID, IPC, UTS, and mount namespaces.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 64 * 1024 // per stream
)

// Request describes one sandboxed invocation.
type Request struct {
	AgentRoot       string
	Command         string
	Args            []string
	AllowedBinaries []string
	Timeout         time.Duration
}

// Result is the outcome of a completed invocation. A timeout reports
// ExitCode -1 with a note appended to Stderr.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs allowlisted binaries inside a bubblewrap jail.
type Executor struct {
	bwrapBin  string
	maxOutput int
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger. Default: discard.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBwrapPath overrides the bubblewrap binary path. Default: "bwrap"
// found via PATH.
func WithBwrapPath(path string) ExecutorOption {
	return func(e *Executor) { e.bwrapBin = path }
}

// WithMaxOutput caps captured stdout and stderr, each, in bytes.
// Default: 64KB.
func WithMaxOutput(bytes int) ExecutorOption {
	return func(e *Executor) {
		if bytes > 0 {
			e.maxOutput = bytes
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		bwrapBin:  "bwrap",
		maxOutput: defaultMaxOutput,
		logger:    slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the request inside the jail. Policy violations and jail
// construction failures return an error without spawning anything; once the
// child runs, failures surface through Result.ExitCode and Result.Stderr.
func (e *Executor) Run(ctx context.Context, req Request) (Result, error) {
	command, err := CheckCommand(req.Command, req.AllowedBinaries)
	if err != nil {
		return Result{}, err
	}
	bwrapArgs, err := buildBwrapArgs(req, command)
	if err != nil {
		return Result{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.bwrapBin, bwrapArgs...)
	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &cappedWriter{w: &stdoutBuf, max: e.maxOutput}
	cmd.Stderr = &cappedWriter{w: &stderrBuf, max: e.maxOutput}

	start := time.Now()
	runErr := cmd.Run()
	e.logger.Debug("sandbox exec",
		"command", command,
		"args", len(req.Args),
		"duration", time.Since(start),
	)

	result := Result{
		Stdout: truncated(stdoutBuf.String(), e.maxOutput),
		Stderr: truncated(stderrBuf.String(), e.maxOutput),
	}

	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			note := fmt.Sprintf("command timed out after %s", timeout)
			if result.Stderr != "" {
				result.Stderr += "\n"
			}
			result.Stderr += note
			return result, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return Result{}, fmt.Errorf("spawning sandbox: %w", runErr)
	}
	return result, nil
}

func truncated(s string, max int) string {
	if len(s) > max {
		return s[:max] + "\n... (truncated)"
	}
	return s
}

// cappedWriter limits capture to a maximum size while draining the rest so
// the child never blocks on a full pipe.
type cappedWriter struct {
	w   *strings.Builder
	max int
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	if cw.w.Len() < cw.max {
		remaining := cw.max - cw.w.Len()
		if len(p) > remaining {
			cw.w.Write(p[:remaining])
		} else {
			cw.w.Write(p)
		}
	}
	return len(p), nil
}

// discardHandler backs the executor's default no-op logger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
