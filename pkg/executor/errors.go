package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/liliang-cn/msync/pkg/scheduler"
)

var (
	// ErrPrerequisiteMissing is returned when a required external tool is absent.
	ErrPrerequisiteMissing = errors.New("prerequisite missing")
	// ErrCopyFailed matches every CopyError.
	ErrCopyFailed = errors.New("copy failed")
)

// CopyError describes one failed copy.
type CopyError struct {
	Assignment scheduler.Assignment
	Command    string
	ExitCode   int
	Stdout     string
	Stderr     string
	Err        error
}

// Error implements error
func (e *CopyError) Error() string {
	msg := fmt.Sprintf("copy %s failed", e.Assignment)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrCopyFailed.
func (e *CopyError) Is(target error) bool {
	return target == ErrCopyFailed
}

// Unwrap returns the underlying process error, if any.
func (e *CopyError) Unwrap() error {
	return e.Err
}

// RoundError reports a round in which at least one copy failed.
type RoundError struct {
	Round    int
	Failures []*CopyError
}

// Error implements error
func (e *RoundError) Error() string {
	hosts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		hosts[i] = f.Assignment.Destination
	}
	return fmt.Sprintf("round %d failed: %d copies failed (%s)", e.Round, len(e.Failures), strings.Join(hosts, ", "))
}

// Unwrap exposes the joined copy errors to errors.Is and errors.As.
func (e *RoundError) Unwrap() error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
