// Package scheduler computes the copy waves used to fan data out from one
// origin host to many destinations.
//
// Every host that already holds the data serves as a source in the next
// wave, so the number of holders grows by a factor of up to 1+copiesPerHost
// per round instead of by a constant.
//
// The scheduler is pure: NextRound never mutates State and performs no I/O.
// The driver folds a finished round back into the state with Apply.
//
// Example Usage:
//
//	state := scheduler.NewState("host1", []string{"host2", "host3", "host4"}, src, dest)
//	for !state.Done() {
//	    round := state.NextRound(1)
//	    // ... run the round ...
//	    state.Apply(round, succeeded)
//	}
package scheduler

import (
	"fmt"
)

// Assignment describes one copy: Source pushes SourcePath to
// Destination:DestPath during Round.
type Assignment struct {
	Round       int
	Source      string
	Destination string
	SourcePath  string
	DestPath    string
}

// String returns "source -> destination".
func (a Assignment) String() string {
	return fmt.Sprintf("%s -> %s", a.Source, a.Destination)
}

// State is the mutable scheduling state of a single run.
//
// holders and pending are disjoint, and together they always equal the
// requested destinations plus the origin.
type State struct {
	origin     string
	sourcePath string
	destPath   string
	holders    []string
	pending    []string
	round      int
}

// NewState creates the state for a run from origin to destinations.
// The origin and repeated destinations are dropped, keeping the first
// occurrence order.
func NewState(origin string, destinations []string, sourcePath, destPath string) *State {
	seen := map[string]bool{origin: true}
	pending := make([]string, 0, len(destinations))
	for _, d := range destinations {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		pending = append(pending, d)
	}

	return &State{
		origin:     origin,
		sourcePath: sourcePath,
		destPath:   destPath,
		holders:    []string{origin},
		pending:    pending,
	}
}

// Origin returns the originating host.
func (s *State) Origin() string {
	return s.origin
}

// Holders returns a copy of the hosts that hold the data, in the order they
// became holders.
func (s *State) Holders() []string {
	return append([]string(nil), s.holders...)
}

// Pending returns a copy of the hosts still waiting for the data.
func (s *State) Pending() []string {
	return append([]string(nil), s.pending...)
}

// Round returns the number of rounds applied so far.
func (s *State) Round() int {
	return s.round
}

// Done reports whether every destination holds the data.
func (s *State) Done() bool {
	return len(s.pending) == 0
}

// NextRound returns the assignments of the next round, or nil when nothing is
// pending. Each holder, in holder order, takes up to copiesPerHost
// destinations from the end of the pending list. Hosts assigned in this round
// are never used as sources in it. copiesPerHost below 1 is treated as 1.
func (s *State) NextRound(copiesPerHost int) []Assignment {
	if copiesPerHost < 1 {
		copiesPerHost = 1
	}
	if len(s.pending) == 0 {
		return nil
	}

	sources := append([]string(nil), s.holders...)
	remaining := append([]string(nil), s.pending...)
	round := s.round + 1

	assignments := make([]Assignment, 0, min(len(remaining), len(sources)*copiesPerHost))
	for _, src := range sources {
		for n := 0; n < copiesPerHost && len(remaining) > 0; n++ {
			last := len(remaining) - 1
			dest := remaining[last]
			remaining = remaining[:last]

			assignments = append(assignments, Assignment{
				Round:       round,
				Source:      src,
				Destination: dest,
				SourcePath:  s.sourcePath,
				DestPath:    s.destPath,
			})
		}
		if len(remaining) == 0 {
			break
		}
	}

	return assignments
}

// Apply folds the outcome of a round into the state. Destinations listed in
// succeeded move from pending to holders in assignment order; everything
// else stays pending.
func (s *State) Apply(round []Assignment, succeeded map[string]bool) {
	moved := make(map[string]bool, len(round))
	for _, a := range round {
		if !succeeded[a.Destination] || moved[a.Destination] || !s.isPending(a.Destination) {
			continue
		}
		moved[a.Destination] = true
		s.holders = append(s.holders, a.Destination)
	}

	if len(moved) > 0 {
		kept := s.pending[:0]
		for _, h := range s.pending {
			if !moved[h] {
				kept = append(kept, h)
			}
		}
		s.pending = kept
	}
	s.round++
}

func (s *State) isPending(host string) bool {
	for _, h := range s.pending {
		if h == host {
			return true
		}
	}
	return false
}

// Plan runs the scheduler to completion assuming every copy succeeds and
// returns the rounds it would produce.
func Plan(origin string, destinations []string, sourcePath, destPath string, copiesPerHost int) [][]Assignment {
	state := NewState(origin, destinations, sourcePath, destPath)
	var rounds [][]Assignment
	for !state.Done() {
		round := state.NextRound(copiesPerHost)
		succeeded := make(map[string]bool, len(round))
		for _, a := range round {
			succeeded[a.Destination] = true
		}
		state.Apply(round, succeeded)
		rounds = append(rounds, round)
	}
	return rounds
}
