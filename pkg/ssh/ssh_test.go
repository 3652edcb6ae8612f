package ssh

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/inventory"
	"github.com/liliang-cn/msync/pkg/logger"
	"github.com/liliang-cn/msync/pkg/scheduler"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient("", WithKnownHosts(filepath.Join(t.TempDir(), "known_hosts")), WithDialTimeout(5*time.Second))
	require.NoError(t, err)
	return client
}

func relayBuilder() *executor.CommandBuilder {
	return &executor.CommandBuilder{
		Origin:       "host1",
		Tools:        executor.DefaultTools(),
		RsyncOptions: []string{"-av"},
	}
}

func TestRelayRunner_Success(t *testing.T) {
	srv := newTestServer(t, func(cmd string) execResult {
		return execResult{stdout: "sending incremental file list\nsent 42 bytes\n"}
	})

	var resolved []string
	runner := NewRelayRunner(newTestClient(t), relayBuilder(), func(host string) HostSpec {
		resolved = append(resolved, host)
		return srv.spec()
	})

	a := scheduler.Assignment{Round: 2, Source: "host8", Destination: "host6", SourcePath: "/srv/app", DestPath: "/srv/"}
	h, err := runner.Start(context.Background(), a)
	require.NoError(t, err)
	o := h.Wait()

	assert.True(t, o.Success())
	assert.Equal(t, "sending incremental file list\nsent 42 bytes\n", o.Stdout)
	assert.Equal(t, []string{"host8"}, resolved)
	assert.Equal(t, []string{"/usr/bin/stdbuf -oL /usr/bin/rsync -av /srv/app host6:/srv/"}, srv.recorded())
	assert.Contains(t, o.Command, "ssh://host8 ")
}

func TestRelayRunner_ExitStatus(t *testing.T) {
	srv := newTestServer(t, func(cmd string) execResult {
		return execResult{stderr: "rsync: connection unexpectedly closed\n", code: 12}
	})
	runner := NewRelayRunner(newTestClient(t), relayBuilder(), func(string) HostSpec { return srv.spec() })

	a := scheduler.Assignment{Round: 2, Source: "host8", Destination: "host6", SourcePath: "/x", DestPath: "/"}
	result, err := executor.NewEngine(runner).RunRound(context.Background(), []scheduler.Assignment{a})
	require.Error(t, err)

	var copyErr *executor.CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.Equal(t, 12, copyErr.ExitCode)
	assert.NoError(t, copyErr.Err)
	assert.Contains(t, copyErr.Stderr, "connection unexpectedly closed")
	assert.Empty(t, result.Succeeded)
}

func TestRelayRunner_VerboseStreamsLines(t *testing.T) {
	srv := newTestServer(t, func(cmd string) execResult {
		return execResult{stdout: "app.conf\n"}
	})
	var buf bytes.Buffer
	log := logger.NewWriter(&buf, logger.DEBUG)
	runner := NewRelayRunner(newTestClient(t), relayBuilder(), func(string) HostSpec { return srv.spec() },
		executor.WithRunnerLogger(log), executor.WithVerbose(true))

	a := scheduler.Assignment{Source: "host3", Destination: "host4", SourcePath: "/x", DestPath: "/"}
	h, err := runner.Start(context.Background(), a)
	require.NoError(t, err)
	require.True(t, h.Wait().Success())

	assert.Contains(t, buf.String(), "[DEBUG] host3 -> host4: app.conf")
}

func TestRelayRunner_VerboseLogsUnterminatedLine(t *testing.T) {
	srv := newTestServer(t, func(cmd string) execResult {
		return execResult{stdout: "sent 42 bytes\ntotal size is 42"}
	})
	var buf bytes.Buffer
	log := logger.NewWriter(&buf, logger.DEBUG)
	runner := NewRelayRunner(newTestClient(t), relayBuilder(), func(string) HostSpec { return srv.spec() },
		executor.WithRunnerLogger(log), executor.WithVerbose(true))

	a := scheduler.Assignment{Source: "host3", Destination: "host4", SourcePath: "/x", DestPath: "/"}
	h, err := runner.Start(context.Background(), a)
	require.NoError(t, err)
	o := h.Wait()
	require.True(t, o.Success())

	assert.Equal(t, "sent 42 bytes\ntotal size is 42", o.Stdout)
	assert.Contains(t, buf.String(), "[DEBUG] host3 -> host4: sent 42 bytes")
	assert.Contains(t, buf.String(), "[DEBUG] host3 -> host4: total size is 42")
}

func TestRelayRunner_ConnectError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	runner := NewRelayRunner(newTestClient(t), relayBuilder(), func(string) HostSpec {
		return HostSpec{Address: "127.0.0.1", Port: port}
	})
	result, err := executor.NewEngine(runner).RunRound(context.Background(), []scheduler.Assignment{
		{Source: "host2", Destination: "host3", SourcePath: "/x", DestPath: "/"},
	})
	require.Error(t, err)
	assert.Equal(t, -1, result.Failed[0].ExitCode)
	assert.Error(t, result.Failed[0].Err)
}

func TestRelayRunner_CancelKillsSession(t *testing.T) {
	srv := newTestServer(t, func(cmd string) execResult {
		time.Sleep(3 * time.Second)
		return execResult{}
	})
	runner := NewRelayRunner(newTestClient(t), relayBuilder(), func(string) HostSpec { return srv.spec() })

	start := time.Now()
	result, err := executor.NewEngine(runner, executor.WithTimeout(200*time.Millisecond)).
		RunRound(context.Background(), []scheduler.Assignment{{Source: "host2", Destination: "host3", SourcePath: "/x", DestPath: "/"}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, result.Failed[0].Err, context.DeadlineExceeded)
}

func TestRouterWithRelay(t *testing.T) {
	srv := newTestServer(t, func(cmd string) execResult { return execResult{} })
	b := relayBuilder()
	local := executor.NewDryRunRunner(b)
	router := &executor.Router{
		Origin: "host1",
		Local:  local,
		Relay:  NewRelayRunner(newTestClient(t), b, func(string) HostSpec { return srv.spec() }),
	}

	round := []scheduler.Assignment{
		{Source: "host1", Destination: "host5", SourcePath: "/x", DestPath: "/"},
		{Source: "host8", Destination: "host4", SourcePath: "/x", DestPath: "/"},
		{Source: "host7", Destination: "host3", SourcePath: "/x", DestPath: "/"},
	}
	result, err := executor.NewEngine(router).RunRound(context.Background(), round)
	require.NoError(t, err)

	assert.Len(t, result.Succeeded, 3)
	assert.Len(t, local.Commands(), 1)
	assert.Len(t, srv.recorded(), 2)
}

func TestTestConnection(t *testing.T) {
	srv := newTestServer(t, func(cmd string) execResult { return execResult{} })
	client := newTestClient(t)

	require.NoError(t, client.TestConnection(context.Background(), srv.spec()))
	assert.Equal(t, []string{"true"}, srv.recorded())
}

func TestSpecFromHost(t *testing.T) {
	spec := SpecFromHost(inventory.Host{Name: "web1", Address: "10.0.0.1", User: "deploy", Port: 2222})
	assert.Equal(t, HostSpec{Address: "10.0.0.1", User: "deploy", Port: 2222}, spec)
}

func TestResolveHost(t *testing.T) {
	hostsFile := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(hostsFile, []byte(strings.Join([]string{
		"# comment",
		"10.1.2.3   msync-node1.invalid msync-node2.invalid # trailing",
		"fe80::1    msync-v6.invalid",
	}, "\n")), 0644))

	old := hostsFilePath
	hostsFilePath = hostsFile
	defer func() { hostsFilePath = old }()

	ip, err := resolveHost("192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", ip)

	ip, err = resolveHost("msync-node2.invalid")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip)

	_, err = resolveHost("msync-missing.invalid")
	assert.Error(t, err)
}
