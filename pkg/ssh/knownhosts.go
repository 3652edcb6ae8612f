package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/liliang-cn/msync/pkg/inventory"
)

var (
	// ErrHostKeyUnknown is returned when the host key is not in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the host key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// KnownHostsVerifier checks host keys against a known_hosts file and
// optionally records keys of hosts seen for the first time.
type KnownHostsVerifier struct {
	path    string
	autoAdd bool

	mu       sync.Mutex
	callback ssh.HostKeyCallback
}

// NewKnownHostsVerifier creates a verifier for the known_hosts file at path;
// an empty path means ~/.ssh/known_hosts. A missing file is created.
func NewKnownHostsVerifier(path string, autoAdd bool) (*KnownHostsVerifier, error) {
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	v := &KnownHostsVerifier{path: inventory.ExpandPath(path), autoAdd: autoAdd}

	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open known_hosts: %w", err)
	}
	f.Close()

	if err := v.reload(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *KnownHostsVerifier) reload() error {
	cb, err := knownhosts.New(v.path)
	if err != nil {
		return fmt.Errorf("failed to load known_hosts: %w", err)
	}
	v.callback = cb
	return nil
}

// Verify implements ssh.HostKeyCallback.
func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.callback(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, hostname)
	}
	if !v.autoAdd {
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, hostname)
	}
	return v.add(hostname, remote, key)
}

// add appends key for hostname and remote; v.mu must be held.
func (v *KnownHostsVerifier) add(hostname string, remote net.Addr, key ssh.PublicKey) error {
	addresses := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addresses[0] {
			addresses = append(addresses, r)
		}
	}

	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, knownhosts.Line(addresses, key)); err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}
	return v.reload()
}

// HostKeyCallback returns an ssh.HostKeyCallback for use with ssh.ClientConfig.
func (v *KnownHostsVerifier) HostKeyCallback() ssh.HostKeyCallback {
	return v.Verify
}
