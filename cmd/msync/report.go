package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/msync"
	"github.com/liliang-cn/msync/pkg/scheduler"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.FgHiBlack)
	hostColor = color.New(color.FgCyan)
)

// printSummary prints the result of a run followed by the captured output of
// every failed copy. A nil summary means the run never started; the error
// is then left to the caller.
func printSummary(w io.Writer, s *msync.Summary, err error) {
	if s == nil {
		return
	}

	prefix := ""
	if s.DryRun {
		prefix = "[dry-run] "
	}
	hosts := len(s.Holders) - 1

	fmt.Fprintln(w)
	if err == nil {
		okColor.Fprintf(w, "%s✓ synced %d hosts from %s in %d rounds (%s)\n", prefix, hosts, s.Origin, s.Rounds, s.Duration.Round(time.Millisecond))
		return
	}

	failColor.Fprintf(w, "%s✗ sync failed after %d rounds: %v\n", prefix, s.Rounds, err)
	fmt.Fprintf(w, "  %d hosts have the data, %d pending: %s\n", hosts, len(s.Pending), strings.Join(s.Pending, ", "))

	var roundErr *executor.RoundError
	if !errors.As(err, &roundErr) {
		return
	}
	for _, f := range roundErr.Failures {
		printFailure(w, f)
	}
}

func printFailure(w io.Writer, f *executor.CopyError) {
	fmt.Fprintln(w)
	failColor.Fprintf(w, "  %s", f.Assignment)
	switch {
	case f.Err != nil:
		fmt.Fprintf(w, ": %v\n", f.Err)
	default:
		fmt.Fprintf(w, ": exit code %d\n", f.ExitCode)
	}
	if f.Command != "" {
		dimColor.Fprintf(w, "    $ %s\n", f.Command)
	}
	printStream(w, "stdout", f.Stdout)
	printStream(w, "stderr", f.Stderr)
}

func printStream(w io.Writer, name, s string) {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return
	}
	fmt.Fprintf(w, "    %s:\n", name)
	for _, line := range strings.Split(s, "\n") {
		fmt.Fprintf(w, "      %s\n", line)
	}
}

// printPlan prints every round of a schedule with the command each copy
// would run.
func printPlan(w io.Writer, rounds [][]scheduler.Assignment, command func(scheduler.Assignment) string) {
	if len(rounds) == 0 {
		fmt.Fprintln(w, "nothing to do")
		return
	}

	total := 0
	for _, round := range rounds {
		fmt.Fprintf(w, "Round %d (%d copies):\n", round[0].Round, len(round))
		for _, a := range round {
			fmt.Fprintf(w, "  %s -> %s\n", a.Source, hostColor.Sprint(a.Destination))
			if command != nil {
				dimColor.Fprintf(w, "    $ %s\n", command(a))
			}
		}
		total += len(round)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d hosts in %d rounds\n", total, len(rounds))
}
