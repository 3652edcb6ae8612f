// Package ssh runs relayed copies over golang.org/x/crypto/ssh instead of
// the ssh binary.
//
// Authentication uses the ssh-agent, the configured key, and the default
// keys under ~/.ssh, in that order. Host keys are checked against
// known_hosts; unknown hosts are added unless strict checking is on.
//
// Example Usage:
//
//	client, err := ssh.NewClient("~/.ssh/id_ed25519", ssh.WithKnownHosts("~/.ssh/known_hosts"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	spec := ssh.HostSpec{Address: "host8", User: "deploy", Port: 22}
//	if err := client.TestConnection(ctx, spec); err != nil {
//	    log.Fatal(err)
//	}
package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/liliang-cn/msync/pkg/inventory"
)

// Client dials hosts with a shared configuration. Client is safe for
// concurrent use.
type Client struct {
	config  *ssh.ClientConfig
	keyPath string
}

// HostSpec defines the parameters for connecting to a remote host.
type HostSpec struct {
	// Address is the hostname or IP address of the remote host.
	Address string
	// User is the SSH username; empty means the local user.
	User string
	// Port is the SSH port, 22 when zero.
	Port int
	// KeyPath is an extra private key tried for this host only.
	KeyPath string
}

// SpecFromHost converts an inventory host into a HostSpec.
func SpecFromHost(h inventory.Host) HostSpec {
	return HostSpec{
		Address: h.Address,
		User:    h.User,
		Port:    h.Port,
		KeyPath: inventory.ExpandPath(h.KeyPath),
	}
}

// ClientOption configures a Client during creation.
type ClientOption func(*clientConfig)

type clientConfig struct {
	knownHostsPath string
	strictHostKey  bool
	timeout        time.Duration
}

// WithKnownHosts sets the path to the known_hosts file.
func WithKnownHosts(path string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.knownHostsPath = path
	}
}

// WithStrictHostKey rejects hosts missing from known_hosts instead of
// adding them.
func WithStrictHostKey(strict bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.strictHostKey = strict
	}
}

// WithDialTimeout bounds the TCP connect and SSH handshake.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = d
	}
}

// NewClient creates a new SSH client.
func NewClient(keyPath string, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	verifier, err := NewKnownHostsVerifier(cfg.knownHostsPath, !cfg.strictHostKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create host key callback: %w", err)
	}

	keyPath = inventory.ExpandPath(keyPath)
	return &Client{
		config: &ssh.ClientConfig{
			User:            localUser(),
			Auth:            buildAuthMethods(keyPath),
			HostKeyCallback: verifier.HostKeyCallback(),
			Timeout:         cfg.timeout,
		},
		keyPath: keyPath,
	}, nil
}

// NewClientFromConfig creates a client from the [ssh] section of the
// configuration file.
func NewClientFromConfig(cfg inventory.SSHConfig) (*Client, error) {
	opts := []ClientOption{
		WithKnownHosts(cfg.KnownHostsPath),
		WithStrictHostKey(cfg.StrictHostKey),
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid ssh.timeout %q: %w", cfg.Timeout, err)
		}
		opts = append(opts, WithDialTimeout(d))
	}
	return NewClient(cfg.KeyPath, opts...)
}

func localUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// buildAuthMethods builds authentication method list with fallback support
func buildAuthMethods(keyPath string) []ssh.AuthMethod {
	var signers []ssh.Signer

	if agentSigners, err := getAgentSigners(); err == nil {
		signers = append(signers, agentSigners...)
	}

	if keyPath != "" {
		if s, err := parsePrivateKey(keyPath); err == nil {
			signers = append(signers, s)
		}
	} else {
		home, _ := os.UserHomeDir()
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			if s, err := parsePrivateKey(filepath.Join(home, ".ssh", name)); err == nil {
				signers = append(signers, s)
			}
		}
	}

	if len(signers) == 0 {
		return nil
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signers...)}
}

func parsePrivateKey(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func getAgentSigners() ([]ssh.Signer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}

	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		return nil, fmt.Errorf("failed to get signers from agent: %w", err)
	}
	if len(signers) == 0 {
		return nil, errors.New("no signers available in ssh-agent")
	}
	return signers, nil
}

// Connect dials spec and completes the SSH handshake.
func (c *Client) Connect(ctx context.Context, spec HostSpec) (*ssh.Client, error) {
	config := *c.config
	if spec.User != "" {
		config.User = spec.User
	}
	if spec.KeyPath != "" && spec.KeyPath != c.keyPath {
		if s, err := parsePrivateKey(spec.KeyPath); err == nil {
			config.Auth = append([]ssh.AuthMethod{ssh.PublicKeys(s)}, config.Auth...)
		}
	}

	port := spec.Port
	if port == 0 {
		port = 22
	}

	hostAddr, err := resolveHost(spec.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host %s: %w", spec.Address, err)
	}
	addr := net.JoinHostPort(hostAddr, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Session is a remote command started with Start.
type Session struct {
	client  *ssh.Client
	session *ssh.Session
	stop    chan struct{}
	once    sync.Once
}

// Start runs cmd on spec without waiting for it. Output is written to stdout
// and stderr. Cancelling ctx kills the remote command.
func (c *Client) Start(ctx context.Context, spec HostSpec, cmd string, stdout, stderr io.Writer) (*Session, error) {
	client, err := c.Connect(ctx, spec)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to start remote command: %w", err)
	}

	s := &Session{client: client, session: session, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			s.close()
		case <-s.stop:
		}
	}()
	return s, nil
}

// Wait waits for the remote command and releases the connection. The
// error is an *ssh.ExitError for a non-zero exit status.
func (s *Session) Wait() error {
	err := s.session.Wait()
	s.close()
	return err
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.stop)
		s.session.Close()
		s.client.Close()
	})
}

// TestConnection connects to spec and runs a no-op.
func (c *Client) TestConnection(ctx context.Context, spec HostSpec) error {
	s, err := c.Start(ctx, spec, "true", io.Discard, io.Discard)
	if err != nil {
		return err
	}
	return s.Wait()
}

// hostsFilePath is consulted when DNS cannot resolve a host.
var hostsFilePath = "/etc/hosts"

// resolveHost resolves host address, tries DNS first, falls back to /etc/hosts
func resolveHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		for _, addr := range addrs {
			if !strings.Contains(addr, ":") {
				return addr, nil
			}
		}
		return addrs[0], nil
	}

	if ip, ok := lookupHostsFile(host); ok {
		return ip, nil
	}
	return "", fmt.Errorf("host not found: %s", host)
}

func lookupHostsFile(hostname string) (string, bool) {
	f, err := os.Open(hostsFilePath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) < 2 || net.ParseIP(fields[0]) == nil {
			continue
		}
		for _, name := range fields[1:] {
			if name == hostname {
				return fields[0], true
			}
		}
	}
	return "", false
}
