package msync

import (
	"context"
	"time"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/scheduler"
)

// Status is the state of a run.
type Status int

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
)

// String returns the lower case status name.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventType identifies an Event.
type EventType int

const (
	// EventRoundStarted carries the assignments of a round about to run.
	EventRoundStarted EventType = iota
	// EventCopyFinished carries the outcome of one copy.
	EventCopyFinished
	// EventRoundFinished carries the result of a joined round.
	EventRoundFinished
	// EventDone is the last event of a run.
	EventDone
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventRoundStarted:
		return "round_started"
	case EventCopyFinished:
		return "copy_finished"
	case EventRoundFinished:
		return "round_finished"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event reports run progress.
type Event struct {
	Type        EventType
	Round       int
	Assignments []scheduler.Assignment
	Outcome     *executor.Outcome
	Result      *executor.RoundResult
	Holders     int
	Pending     int
	Status      Status
	Err         error
}

// EventHandler receives events. Handlers passed to Msync.Sync are never
// called concurrently.
type EventHandler func(Event)

// Summary describes a finished run.
type Summary struct {
	Origin   string
	Status   Status
	Rounds   int
	Holders  []string
	Pending  []string
	Results  []*executor.RoundResult
	Duration time.Duration
	DryRun   bool
}

// Copies returns the number of copies that ran.
func (s *Summary) Copies() int {
	n := 0
	for _, r := range s.Results {
		n += len(r.Outcomes)
	}
	return n
}

// Failures returns the failed copies of the run.
func (s *Summary) Failures() []*executor.CopyError {
	var out []*executor.CopyError
	for _, r := range s.Results {
		for _, o := range r.Failed {
			out = append(out, o.CopyError())
		}
	}
	return out
}

// Drive runs rounds from state on engine until every destination holds the
// data or a round fails. Rounds run strictly one after another and state is
// only touched between them. The returned error is the failed round's
// *executor.RoundError or the context error.
func Drive(ctx context.Context, state *scheduler.State, engine *executor.Engine, copiesPerHost int, log executor.Logger, emit EventHandler) (*Summary, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	summary := &Summary{Origin: state.Origin(), Status: StatusRunning}
	start := time.Now()

	finish := func(status Status, err error) (*Summary, error) {
		summary.Status = status
		summary.Holders = state.Holders()
		summary.Pending = state.Pending()
		summary.Duration = time.Since(start)
		emit(Event{
			Type:    EventDone,
			Round:   summary.Rounds,
			Holders: len(summary.Holders),
			Pending: len(summary.Pending),
			Status:  status,
			Err:     err,
		})
		return summary, err
	}

	for !state.Done() {
		if err := ctx.Err(); err != nil {
			log.Error("sync cancelled before round %d: %v", state.Round()+1, err)
			return finish(StatusFailed, err)
		}

		round := state.NextRound(copiesPerHost)
		n := round[0].Round
		log.Info("round %d: %d copies, %d holders, %d pending", n, len(round), len(state.Holders()), len(state.Pending()))
		emit(Event{
			Type:        EventRoundStarted,
			Round:       n,
			Assignments: round,
			Holders:     len(state.Holders()),
			Pending:     len(state.Pending()),
			Status:      StatusRunning,
		})

		result, err := engine.RunRound(ctx, round)
		state.Apply(round, result.SucceededHosts())
		summary.Rounds++
		summary.Results = append(summary.Results, result)

		emit(Event{
			Type:    EventRoundFinished,
			Round:   n,
			Result:  result,
			Holders: len(state.Holders()),
			Pending: len(state.Pending()),
			Status:  StatusRunning,
			Err:     err,
		})

		if err != nil {
			log.Error("round %d failed, %d of %d copies failed; stopping", n, len(result.Failed), len(round))
			return finish(StatusFailed, err)
		}
	}

	log.Info("sync complete: %d hosts in %d rounds", len(state.Holders())-1, summary.Rounds)
	return finish(StatusSucceeded, nil)
}
