// Package executor runs the copies of one scheduling round concurrently.
//
// Each assignment is handed to a Runner which starts an out-of-process copy
// and returns a Handle. The Engine starts every assignment of a round, joins
// all of them, and returns a RoundResult. A failed copy never stops its
// siblings, so the diagnostics of every failure in a round are available
// together.
//
// Example Usage:
//
//	builder := &executor.CommandBuilder{Origin: "host1", Tools: executor.DefaultTools()}
//	engine := executor.NewEngine(executor.NewExecRunner(builder), executor.WithLogger(log))
//
//	result, err := engine.RunRound(ctx, round)
//	if err != nil {
//	    // *executor.RoundError, one CopyError per failed copy
//	}
//	state.Apply(round, result.SucceededHosts())
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/msync/pkg/scheduler"
)

// Engine executes rounds of copy assignments.
type Engine struct {
	runner   Runner
	logger   Logger
	parallel int
	timeout  time.Duration
	observer func(*Outcome)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the progress logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithParallel caps the number of copies running at once. Zero or less
// starts every copy of a round together.
func WithParallel(n int) Option {
	return func(e *Engine) {
		e.parallel = n
	}
}

// WithTimeout bounds every copy. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithObserver registers fn to receive each outcome as its copy finishes.
// fn is called from worker goroutines.
func WithObserver(fn func(*Outcome)) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// NewEngine creates an engine that starts copies through r.
func NewEngine(r Runner, opts ...Option) *Engine {
	e := &Engine{
		runner: r,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RoundResult holds the outcomes of one round in assignment order.
type RoundResult struct {
	Round     int
	Outcomes  []*Outcome
	Succeeded []*Outcome
	Failed    []*Outcome
}

// SucceededHosts returns the destinations whose copy succeeded, in the form
// State.Apply expects.
func (r *RoundResult) SucceededHosts() map[string]bool {
	m := make(map[string]bool, len(r.Succeeded))
	for _, o := range r.Succeeded {
		m[o.Assignment.Destination] = true
	}
	return m
}

// Err returns a *RoundError when any copy failed, nil otherwise.
func (r *RoundResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	failures := make([]*CopyError, len(r.Failed))
	for i, o := range r.Failed {
		failures[i] = o.CopyError()
	}
	return &RoundError{Round: r.Round, Failures: failures}
}

// RunRound runs every assignment in round and waits for all of them. The
// returned error is the result's RoundError, if any.
func (e *Engine) RunRound(ctx context.Context, round []scheduler.Assignment) (*RoundResult, error) {
	result := &RoundResult{Outcomes: make([]*Outcome, len(round))}
	if len(round) == 0 {
		return result, nil
	}
	result.Round = round[0].Round

	var g errgroup.Group
	if e.parallel > 0 {
		g.SetLimit(e.parallel)
	}

	for i, a := range round {
		i, a := i, a
		g.Go(func() error {
			result.Outcomes[i] = e.run(ctx, a)
			if e.observer != nil {
				e.observer(result.Outcomes[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range result.Outcomes {
		if o.Success() {
			result.Succeeded = append(result.Succeeded, o)
		} else {
			result.Failed = append(result.Failed, o)
		}
	}

	if err := result.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) run(ctx context.Context, a scheduler.Assignment) *Outcome {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.logger.Info("round %d: %s", a.Round, a)
	start := time.Now()

	h, err := e.runner.Start(ctx, a)
	var o *Outcome
	if err != nil {
		o = &Outcome{Assignment: a, ExitCode: -1, Err: err, Duration: time.Since(start)}
	} else if o = h.Wait(); o == nil {
		o = &Outcome{ExitCode: -1, Err: errors.New("runner returned no outcome"), Duration: time.Since(start)}
	}
	o.Assignment = a

	if !o.Success() && ctx.Err() != nil {
		if o.Err == nil {
			o.Err = ctx.Err()
		} else {
			o.Err = fmt.Errorf("%w: %w", ctx.Err(), o.Err)
		}
	}

	if o.Success() {
		e.logger.Info("round %d: %s done in %s", a.Round, a, o.Duration.Round(time.Millisecond))
	} else {
		reason := fmt.Sprintf("exit code %d", o.ExitCode)
		if o.Err != nil {
			reason = o.Err.Error()
		}
		e.logger.Error("round %d: %s failed: %s", a.Round, a, reason)
	}
	return o
}
