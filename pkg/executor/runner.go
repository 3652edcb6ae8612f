package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/msync/pkg/scheduler"
)

// Logger is the sink the engine reports progress to.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Outcome is the terminal state of one copy.
type Outcome struct {
	Assignment scheduler.Assignment
	Command    string
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	Err        error
}

// Success reports whether the copy exited cleanly.
func (o *Outcome) Success() bool {
	return o.Err == nil && o.ExitCode == 0
}

// CopyError converts a failed outcome into a CopyError.
func (o *Outcome) CopyError() *CopyError {
	return &CopyError{
		Assignment: o.Assignment,
		Command:    o.Command,
		ExitCode:   o.ExitCode,
		Stdout:     o.Stdout,
		Stderr:     o.Stderr,
		Err:        o.Err,
	}
}

// Handle is a started copy.
type Handle interface {
	// Wait blocks until the copy terminates. It must be called exactly once.
	Wait() *Outcome
}

// Runner starts copies. Start must not block on the copy itself.
type Runner interface {
	Start(ctx context.Context, a scheduler.Assignment) (Handle, error)
}

// ExecRunner runs every copy as a local process: rsync for copies from the
// origin, the ssh binary for relayed copies.
type ExecRunner struct {
	builder *CommandBuilder
	logger  Logger
	verbose bool
}

// RunnerOption configures a runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	logger  Logger
	verbose bool
}

// WithRunnerLogger sets the logger that receives streamed output.
func WithRunnerLogger(l Logger) RunnerOption {
	return func(o *runnerOptions) {
		o.logger = l
	}
}

// WithVerbose forwards every output line to the debug log as it arrives.
func WithVerbose(v bool) RunnerOption {
	return func(o *runnerOptions) {
		o.verbose = v
	}
}

// ApplyRunnerOptions resolves opts for runners implemented outside this
// package.
func ApplyRunnerOptions(opts ...RunnerOption) (Logger, bool) {
	o := &runnerOptions{logger: nopLogger{}}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	return o.logger, o.verbose
}

// NewExecRunner creates a runner that spawns processes built by b.
func NewExecRunner(b *CommandBuilder, opts ...RunnerOption) *ExecRunner {
	logger, verbose := ApplyRunnerOptions(opts...)
	return &ExecRunner{builder: b, logger: logger, verbose: verbose}
}

// Start implements Runner
func (r *ExecRunner) Start(ctx context.Context, a scheduler.Assignment) (Handle, error) {
	argv := r.builder.Build(a)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// children of stdbuf or ssh may keep the pipes open after a kill
	cmd.WaitDelay = time.Second

	h := &processHandle{
		cmd:        cmd,
		assignment: a,
		command:    ShellJoin(argv),
	}
	h.stdout, h.stderr = CaptureStreams(a, r.logger, r.verbose, &h.stdoutBuf, &h.stderrBuf)
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	r.logger.Debug("%s: %s", a, h.command)
	h.start = time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return h, nil
}

type processHandle struct {
	cmd        *exec.Cmd
	assignment scheduler.Assignment
	command    string
	start      time.Time

	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
	stdout    io.Writer
	stderr    io.Writer
}

func (h *processHandle) Wait() *Outcome {
	err := h.cmd.Wait()
	FlushStreams(h.stdout, h.stderr)

	o := &Outcome{
		Assignment: h.assignment,
		Command:    h.command,
		Stdout:     h.stdoutBuf.String(),
		Stderr:     h.stderrBuf.String(),
		Duration:   time.Since(h.start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		o.ExitCode = exitErr.ExitCode()
		if o.ExitCode < 0 {
			// killed by a signal, usually the timeout
			o.Err = err
		}
	default:
		o.ExitCode = -1
		o.Err = err
	}
	return o
}

// CaptureStreams returns the writers a copy's stdout and stderr go to. Output
// is always buffered; in verbose mode each line is also logged at debug
// level.
func CaptureStreams(a scheduler.Assignment, logger Logger, verbose bool, stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if !verbose {
		return stdout, stderr
	}
	return newTeeWriter(stdout, newLineWriter(logger, a.String()+": ")),
		newTeeWriter(stderr, newLineWriter(logger, a.String()+" [stderr]: "))
}

// teeWriter copies output to a buffer and a lineWriter, and flushes the
// lineWriter on demand.
type teeWriter struct {
	io.Writer
	lines *lineWriter
}

func newTeeWriter(buf io.Writer, lines *lineWriter) *teeWriter {
	return &teeWriter{Writer: io.MultiWriter(buf, lines), lines: lines}
}

func (w *teeWriter) Flush() {
	w.lines.Flush()
}

// FlushStreams logs any unterminated line held by writers returned from
// CaptureStreams.
func FlushStreams(writers ...io.Writer) {
	for _, w := range writers {
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
	}
}

// lineWriter logs complete lines at debug level. A writer is fed by a single
// goroutine, so it keeps no lock.
type lineWriter struct {
	logger Logger
	prefix string
	buf    []byte
}

func newLineWriter(logger Logger, prefix string) *lineWriter {
	return &lineWriter{logger: logger, prefix: prefix}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line != "" {
		w.logger.Debug("%s%s", w.prefix, line)
	}
}

// DryRunRunner records the command each copy would run and reports success
// without spawning anything.
type DryRunRunner struct {
	builder *CommandBuilder
	logger  Logger

	mu       sync.Mutex
	commands []string
}

// NewDryRunRunner creates a dry-run runner rendering commands with b.
func NewDryRunRunner(b *CommandBuilder, opts ...RunnerOption) *DryRunRunner {
	logger, _ := ApplyRunnerOptions(opts...)
	return &DryRunRunner{builder: b, logger: logger}
}

// Start implements Runner
func (r *DryRunRunner) Start(ctx context.Context, a scheduler.Assignment) (Handle, error) {
	command := ShellJoin(r.builder.Build(a))

	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()

	r.logger.Info("[dry-run] %s: %s", a, command)
	return Done(&Outcome{Assignment: a, Command: command}), nil
}

// Commands returns the recorded command lines in start order.
func (r *DryRunRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Done returns a handle whose Wait returns o immediately.
func Done(o *Outcome) Handle {
	return doneHandle{o}
}

type doneHandle struct {
	o *Outcome
}

func (h doneHandle) Wait() *Outcome {
	return h.o
}

// Router sends copies from the origin to Local and every relayed copy to
// Relay.
type Router struct {
	Origin string
	Local  Runner
	Relay  Runner
}

// Start implements Runner
func (r *Router) Start(ctx context.Context, a scheduler.Assignment) (Handle, error) {
	if a.Source == r.Origin {
		return r.Local.Start(ctx, a)
	}
	return r.Relay.Start(ctx, a)
}
