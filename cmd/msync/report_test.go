package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/inventory"
	"github.com/liliang-cn/msync/pkg/msync"
	"github.com/liliang-cn/msync/pkg/scheduler"
	"github.com/liliang-cn/msync/pkg/server"
)

func init() {
	color.NoColor = true
}

func TestPrintSummary_Success(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &msync.Summary{
		Origin:   "host1",
		Status:   msync.StatusSucceeded,
		Rounds:   3,
		Holders:  []string{"host1", "host8", "host7", "host6", "host5", "host4", "host3", "host2"},
		Duration: 1500 * time.Millisecond,
	}, nil)

	assert.Contains(t, buf.String(), "✓ synced 7 hosts from host1 in 3 rounds (1.5s)")
}

func TestPrintSummary_FailedRound(t *testing.T) {
	failure := &executor.CopyError{
		Assignment: scheduler.Assignment{Round: 2, Source: "host1", Destination: "host7"},
		Command:    "stdbuf -oL rsync -av /srv/app host7:/srv/",
		ExitCode:   23,
		Stdout:     "sending incremental file list\n",
		Stderr:     "rsync: mkdir failed\nrsync error: some files could not be transferred\n",
	}
	err := &executor.RoundError{Round: 2, Failures: []*executor.CopyError{failure}}

	var buf bytes.Buffer
	printSummary(&buf, &msync.Summary{
		Origin:  "host1",
		Status:  msync.StatusFailed,
		Rounds:  2,
		Holders: []string{"host1", "host8", "host6"},
		Pending: []string{"host2", "host3", "host4", "host5", "host7"},
		DryRun:  true,
	}, err)

	out := buf.String()
	assert.Contains(t, out, "[dry-run] ✗ sync failed after 2 rounds: round 2 failed")
	assert.Contains(t, out, "2 hosts have the data, 5 pending")
	assert.Contains(t, out, "host1 -> host7: exit code 23")
	assert.Contains(t, out, "$ stdbuf -oL rsync -av /srv/app host7:/srv/")
	assert.Contains(t, out, "      rsync error: some files could not be transferred\n")
	assert.Contains(t, out, "    stdout:\n      sending incremental file list\n")
}

func TestPrintSummary_NotStarted(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, nil, errors.New("prerequisite missing"))
	assert.Empty(t, buf.String())
}

func TestPrintPlan(t *testing.T) {
	rounds := scheduler.Plan("host1", []string{"host2", "host3", "host4"}, "/srv/app", "/srv/", 1)

	var buf bytes.Buffer
	printPlan(&buf, rounds, func(a scheduler.Assignment) string {
		return "rsync " + a.Destination
	})

	out := buf.String()
	assert.Contains(t, out, "Round 1 (1 copies):\n  host1 -> host4\n    $ rsync host4\n")
	assert.Contains(t, out, "Round 2 (2 copies):\n  host1 -> host3\n")
	assert.Contains(t, out, "  host4 -> host2\n")
	assert.True(t, strings.HasSuffix(out, "3 hosts in 2 rounds\n"))

	buf.Reset()
	printPlan(&buf, nil, nil)
	assert.Equal(t, "nothing to do\n", buf.String())
}

func TestRemoteEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	show := remoteEventPrinter(&buf)

	show(&server.Event{Type: server.EventAccepted, JobID: "abc"})
	show(&server.Event{Type: "round_started", Round: 1, Holders: 1, Pending: 2, Assignments: []server.Pair{{Source: "a", Destination: "c"}}})
	show(&server.Event{Type: "copy_finished", Copy: &server.CopyReport{Source: "a", Destination: "c", DurationMs: 12}})
	show(&server.Event{Type: "copy_finished", Copy: &server.CopyReport{Source: "a", Destination: "b", ExitCode: 12, Stderr: "connection closed\n"}})
	show(&server.Event{Type: "done", Status: server.JobFailed, Error: "round 2 failed"})

	out := buf.String()
	assert.Contains(t, out, "job abc\n")
	assert.Contains(t, out, "round 1: 1 copies, 1 holders, 2 pending\n")
	assert.Contains(t, out, "✓ a -> c (12ms)\n")
	assert.Contains(t, out, "✗ a -> b: exit code 12\n")
	assert.Contains(t, out, "      connection closed\n")
	assert.Contains(t, out, "✗ failed: round 2 failed\n")
}

func TestTargetCount(t *testing.T) {
	assert.Equal(t, 3, targetCount("host1", []string{"host2", "host3", "host4"}))
	assert.Equal(t, 2, targetCount("host1", []string{"host1", "host2", "host3"}))
	assert.Equal(t, 1, targetCount("host1", []string{"host2", "host2", "host1"}))
	assert.Equal(t, 0, targetCount("host1", []string{"host1"}))
}

func TestInitConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "conf", "msync.toml")

	got, err := initConfig(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	inv, err := inventory.New(p)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.GetConfig().Sync.Copies)
	assert.Equal(t, "-av", inv.GetConfig().Sync.RsyncOptions)

	_, err = initConfig(p)
	assert.ErrorContains(t, err, "already exists")
}
