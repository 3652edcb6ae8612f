package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/shlex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/msync/pkg/scheduler"
)

func testBuilder() *CommandBuilder {
	return &CommandBuilder{
		Origin:       "host1",
		Tools:        DefaultTools(),
		RsyncOptions: []string{"-av"},
		SSHOptions:   []string{"-o", "BatchMode=yes"},
	}
}

func TestCommandBuilder_Local(t *testing.T) {
	b := testBuilder()
	a := scheduler.Assignment{Round: 1, Source: "host1", Destination: "host8", SourcePath: "/srv/app", DestPath: "/srv/"}

	assert.True(t, b.IsLocal(a))
	assert.Equal(t, []string{
		"/usr/bin/stdbuf", "-oL", "/usr/bin/rsync", "-av", "/srv/app", "host8:/srv/",
	}, b.Build(a))
}

func TestCommandBuilder_Relay(t *testing.T) {
	b := testBuilder()
	a := scheduler.Assignment{Round: 2, Source: "host8", Destination: "host6", SourcePath: "/srv/app", DestPath: "/srv/"}

	assert.False(t, b.IsLocal(a))
	argv := b.Build(a)
	assert.Equal(t, []string{
		"/usr/bin/ssh", "-o", "BatchMode=yes", "host8",
		"/usr/bin/stdbuf -oL /usr/bin/rsync -av /srv/app host6:/srv/",
	}, argv)
	assert.Equal(t,
		"/usr/bin/ssh -o BatchMode=yes host8 '/usr/bin/stdbuf -oL /usr/bin/rsync -av /srv/app host6:/srv/'",
		ShellJoin(argv))
}

func TestCommandBuilder_RelayQuotesPaths(t *testing.T) {
	b := testBuilder()
	a := scheduler.Assignment{Source: "host2", Destination: "host3", SourcePath: "/srv/my app/*", DestPath: "/srv/my app/"}

	assert.Equal(t,
		"/usr/bin/stdbuf -oL /usr/bin/rsync -av '/srv/my app/'* 'host3:/srv/my app/'",
		b.RemoteCommand(a))
}

func TestCommandBuilder_LocalExpandsGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	b := testBuilder()
	a := scheduler.Assignment{Source: "host1", Destination: "host2", SourcePath: dir + "/*", DestPath: dir + "/"}

	assert.Equal(t, []string{
		"/usr/bin/stdbuf", "-oL", "/usr/bin/rsync", "-av",
		filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt"),
		"host2:" + dir + "/",
	}, b.Build(a))

	// the relay shell expands the glob itself
	a.Source = "host3"
	assert.Contains(t, b.RemoteCommand(a), dir+"/*")
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"rsync", "rsync"},
		{"host2:/srv/", "host2:/srv/"},
		{"a b", "'a b'"},
		{"it's", `'it'"'"'s'`},
		{"--exclude=*.tmp", "'--exclude=*.tmp'"},
		{"/data/*", "/data/*"},
		{"/*", "/*"},
		{"$HOME", "'$HOME'"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ShellQuote(tt.in), tt.in)
	}
}

func TestShellJoin_SplitsBack(t *testing.T) {
	args := []string{
		"rsync",
		"--rsh=ssh -p 2222",
		"/srv/it's here",
		"$(touch /tmp/pwned)",
		"a;b|c&d",
		"`id`",
		"back\\slash",
		"",
	}
	got, err := shlex.Split(ShellJoin(args))
	require.NoError(t, err)
	assert.Equal(t, args, got)
}
