package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/scheduler"
)

// Starter starts a remote command. *Client implements it.
type Starter interface {
	Start(ctx context.Context, spec HostSpec, cmd string, stdout, stderr io.Writer) (*Session, error)
}

// RelayRunner runs relayed copies through a native SSH session on the
// source host. It implements executor.Runner.
type RelayRunner struct {
	client  Starter
	builder *executor.CommandBuilder
	resolve func(host string) HostSpec
	logger  executor.Logger
	verbose bool
}

// NewRelayRunner creates a relay runner. resolve maps a host name to its
// connection settings; nil dials the name on port 22.
func NewRelayRunner(client Starter, b *executor.CommandBuilder, resolve func(string) HostSpec, opts ...executor.RunnerOption) *RelayRunner {
	if resolve == nil {
		resolve = func(host string) HostSpec { return HostSpec{Address: host} }
	}
	logger, verbose := executor.ApplyRunnerOptions(opts...)
	return &RelayRunner{
		client:  client,
		builder: b,
		resolve: resolve,
		logger:  logger,
		verbose: verbose,
	}
}

// Start implements executor.Runner
func (r *RelayRunner) Start(ctx context.Context, a scheduler.Assignment) (executor.Handle, error) {
	spec := r.resolve(a.Source)
	cmd := r.builder.RemoteCommand(a)

	h := &relayHandle{
		assignment: a,
		command:    "ssh://" + a.Source + " " + cmd,
		start:      time.Now(),
	}
	h.stdout, h.stderr = executor.CaptureStreams(a, r.logger, r.verbose, &h.stdoutBuf, &h.stderrBuf)

	r.logger.Debug("%s: %s", a, h.command)
	s, err := r.client.Start(ctx, spec, cmd, h.stdout, h.stderr)
	if err != nil {
		return nil, err
	}
	h.session = s
	return h, nil
}

type relayHandle struct {
	session    *Session
	assignment scheduler.Assignment
	command    string
	start      time.Time

	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
	stdout    io.Writer
	stderr    io.Writer
}

func (h *relayHandle) Wait() *executor.Outcome {
	err := h.session.Wait()
	executor.FlushStreams(h.stdout, h.stderr)

	o := &executor.Outcome{
		Assignment: h.assignment,
		Command:    h.command,
		Stdout:     h.stdoutBuf.String(),
		Stderr:     h.stderrBuf.String(),
		Duration:   time.Since(h.start),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		o.ExitCode = exitErr.ExitStatus()
		if exitErr.Signal() != "" {
			o.Err = err
		}
	default:
		o.ExitCode = -1
		o.Err = err
	}
	return o
}
