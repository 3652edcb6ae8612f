package executor

import (
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/liliang-cn/msync/pkg/scheduler"
)

// Tools holds the paths of the external programs a copy needs.
type Tools struct {
	Rsync  string
	SSH    string
	Stdbuf string
}

// DefaultTools returns the stock tool locations.
func DefaultTools() Tools {
	return Tools{
		Rsync:  "/usr/bin/rsync",
		SSH:    "/usr/bin/ssh",
		Stdbuf: "/usr/bin/stdbuf",
	}
}

// CommandBuilder renders assignments into command lines.
//
// A copy whose source is the origin runs rsync locally:
//
//	stdbuf -oL rsync <rsync-opts> <src> <dest>:<destPath>
//
// Any other copy is relayed through the source host:
//
//	ssh <ssh-opts> <source> 'stdbuf -oL rsync <rsync-opts> <src> <dest>:<destPath>'
type CommandBuilder struct {
	Origin       string
	Tools        Tools
	RsyncOptions []string
	SSHOptions   []string
}

// IsLocal reports whether a runs on the origin without a remote shell hop.
func (b *CommandBuilder) IsLocal(a scheduler.Assignment) bool {
	return a.Source == b.Origin
}

// Copy returns the line-flushed rsync invocation for a, leaving a trailing
// "/*" in the source path for the relay shell to expand.
func (b *CommandBuilder) Copy(a scheduler.Assignment) []string {
	return b.copyArgs(a, []string{a.SourcePath})
}

// Local returns the rsync invocation run directly on the origin. No shell is
// involved, so a "/*" source is expanded here.
func (b *CommandBuilder) Local(a scheduler.Assignment) []string {
	return b.copyArgs(a, expandSource(a.SourcePath))
}

func (b *CommandBuilder) copyArgs(a scheduler.Assignment, sources []string) []string {
	args := make([]string, 0, len(b.RsyncOptions)+len(sources)+4)
	args = append(args, b.Tools.Stdbuf, "-oL", b.Tools.Rsync)
	args = append(args, b.RsyncOptions...)
	args = append(args, sources...)
	args = append(args, a.Destination+":"+a.DestPath)
	return args
}

func expandSource(p string) []string {
	if !strings.HasSuffix(p, "/*") {
		return []string{p}
	}
	matches, err := filepath.Glob(p)
	if err != nil || len(matches) == 0 {
		return []string{p}
	}
	return matches
}

// RemoteCommand returns the command string executed on a relay source.
func (b *CommandBuilder) RemoteCommand(a scheduler.Assignment) string {
	return ShellJoin(b.Copy(a))
}

// Relay returns the remote shell invocation that makes a.Source push to
// a.Destination.
func (b *CommandBuilder) Relay(a scheduler.Assignment) []string {
	args := make([]string, 0, len(b.SSHOptions)+3)
	args = append(args, b.Tools.SSH)
	args = append(args, b.SSHOptions...)
	args = append(args, a.Source, b.RemoteCommand(a))
	return args
}

// Build returns the argv for a.
func (b *CommandBuilder) Build(a scheduler.Assignment) []string {
	if b.IsLocal(a) {
		return b.Local(a)
	}
	return b.Relay(a)
}

// ShellJoin quotes args so that a POSIX shell splits them back unchanged.
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// ShellQuote quotes s for a POSIX shell. A trailing "/*" glob stays unquoted
// so the relay shell expands it.
func ShellQuote(s string) string {
	if strings.HasSuffix(s, "/*") {
		return shellescape.Quote(s[:len(s)-1]) + "*"
	}
	return shellescape.Quote(s)
}
