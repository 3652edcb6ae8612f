package msync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/logger"
	"github.com/liliang-cn/msync/pkg/scheduler"
)

// recordingRunner succeeds unless the destination is listed in fail.
type recordingRunner struct {
	fail map[string]int

	mu      sync.Mutex
	started []scheduler.Assignment
}

func (r *recordingRunner) Start(ctx context.Context, a scheduler.Assignment) (executor.Handle, error) {
	r.mu.Lock()
	r.started = append(r.started, a)
	r.mu.Unlock()

	o := &executor.Outcome{Assignment: a, Command: "rsync " + a.String()}
	if code, ok := r.fail[a.Destination]; ok {
		o.ExitCode = code
		o.Stderr = "rsync error"
	}
	return executor.Done(o), nil
}

func (r *recordingRunner) rounds() map[int][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[int][]string{}
	for _, a := range r.started {
		out[a.Round] = append(out[a.Round], a.String())
	}
	return out
}

func sevenHosts() []string {
	hosts := make([]string, 7)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host%d", i+2)
	}
	return hosts
}

func TestDrive_ReferenceExample(t *testing.T) {
	runner := &recordingRunner{}
	state := scheduler.NewState("host1", sevenHosts(), "/data", "/")

	var events []Event
	summary, err := Drive(context.Background(), state, executor.NewEngine(runner), 1, logger.Discard(), func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, summary.Status)
	assert.Equal(t, 3, summary.Rounds)
	assert.Equal(t, 7, summary.Copies())
	assert.Empty(t, summary.Pending)
	assert.Len(t, summary.Holders, 8)
	assert.Empty(t, summary.Failures())

	rounds := runner.rounds()
	assert.Equal(t, []string{"host1 -> host8"}, rounds[1])
	assert.ElementsMatch(t, []string{"host1 -> host7", "host8 -> host6"}, rounds[2])
	assert.ElementsMatch(t, []string{"host1 -> host5", "host8 -> host4", "host7 -> host3", "host6 -> host2"}, rounds[3])

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{
		EventRoundStarted, EventRoundFinished,
		EventRoundStarted, EventRoundFinished,
		EventRoundStarted, EventRoundFinished,
		EventDone,
	}, types)
	assert.Equal(t, StatusSucceeded, events[len(events)-1].Status)
	assert.Equal(t, 0, events[len(events)-1].Pending)
}

func TestDrive_FailureHaltsProgress(t *testing.T) {
	runner := &recordingRunner{fail: map[string]int{"host6": 23}}
	state := scheduler.NewState("host1", sevenHosts(), "/data", "/")

	summary, err := Drive(context.Background(), state, executor.NewEngine(runner), 1, logger.Discard(), nil)
	require.Error(t, err)

	var roundErr *executor.RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, 2, roundErr.Round)
	assert.ErrorIs(t, err, executor.ErrCopyFailed)

	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 2, summary.Rounds)
	assert.NotContains(t, runner.rounds(), 3)

	// the sibling copy of the failed round still counts
	assert.Equal(t, []string{"host1", "host8", "host7"}, summary.Holders)
	assert.Contains(t, summary.Pending, "host6")
	assert.NotContains(t, summary.Holders, "host6")

	failures := summary.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "host8", failures[0].Assignment.Source)
	assert.Equal(t, 23, failures[0].ExitCode)
}

func TestDrive_CancelledContext(t *testing.T) {
	runner := &recordingRunner{}
	state := scheduler.NewState("host1", sevenHosts(), "/data", "/")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := Drive(ctx, state, executor.NewEngine(runner), 1, logger.Discard(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Empty(t, runner.started)
}

func TestDrive_NothingToDo(t *testing.T) {
	state := scheduler.NewState("host1", []string{"host1"}, "/data", "/")
	summary, err := Drive(context.Background(), state, executor.NewEngine(&recordingRunner{}), 1, logger.Discard(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, summary.Status)
	assert.Equal(t, 0, summary.Rounds)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "succeeded", StatusSucceeded.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "copy_finished", EventCopyFinished.String())
}
