package inventory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// SSHConfigEntry is one Host block of ~/.ssh/config
type SSHConfigEntry struct {
	HostPatterns []string // e.g. ["node01", "node*"]
	HostName     string
	User         string
	Port         int
	KeyPath      string
}

type sshConfigCache struct {
	mu      sync.Mutex
	path    string
	entries []SSHConfigEntry
	loaded  bool
}

var globalSSHConfig = &sshConfigCache{}

// SetSSHConfigPath points the parser at another file and drops the cache.
// An empty path restores ~/.ssh/config.
func SetSSHConfigPath(p string) {
	globalSSHConfig.mu.Lock()
	defer globalSSHConfig.mu.Unlock()
	globalSSHConfig.path = p
	globalSSHConfig.loaded = false
	globalSSHConfig.entries = nil
}

// LoadSSHConfig loads and parses the ssh client configuration once.
func LoadSSHConfig() ([]SSHConfigEntry, error) {
	globalSSHConfig.mu.Lock()
	defer globalSSHConfig.mu.Unlock()

	if globalSSHConfig.loaded {
		return globalSSHConfig.entries, nil
	}

	configPath := globalSSHConfig.path
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		configPath = filepath.Join(home, ".ssh", "config")
	}

	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			globalSSHConfig.loaded = true
			globalSSHConfig.entries = []SSHConfigEntry{}
			return globalSSHConfig.entries, nil
		}
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	entries, err := parseSSHConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}

	globalSSHConfig.entries = entries
	globalSSHConfig.loaded = true
	return entries, nil
}

func parseSSHConfig(r io.Reader) ([]SSHConfigEntry, error) {
	scanner := bufio.NewScanner(r)
	var entries []SSHConfigEntry
	var current *SSHConfigEntry

	flush := func() {
		if current != nil && len(current.HostPatterns) > 0 {
			entries = append(entries, *current)
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// "Key value" and "Key=value" are both valid
		fields := strings.Fields(strings.Replace(line, "=", " ", 1))
		if len(fields) < 2 {
			continue
		}
		keyword, value := strings.ToLower(fields[0]), fields[1]

		if keyword == "host" {
			flush()
			current = &SSHConfigEntry{HostPatterns: fields[1:]}
			continue
		}
		if current == nil {
			continue
		}

		switch keyword {
		case "hostname":
			current.HostName = value
		case "user":
			current.User = value
		case "port":
			if port, err := strconv.Atoi(value); err == nil {
				current.Port = port
			}
		case "identityfile":
			current.KeyPath = value
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetSSHConfigEntry returns the first entry whose pattern matches host.
func GetSSHConfigEntry(host string) (SSHConfigEntry, bool) {
	entries, err := LoadSSHConfig()
	if err != nil {
		return SSHConfigEntry{}, false
	}

	for _, e := range entries {
		for _, pattern := range e.HostPatterns {
			if pattern == "*" {
				continue
			}
			if matched, _ := path.Match(pattern, host); matched {
				return e, true
			}
		}
	}
	return SSHConfigEntry{}, false
}

// ExpandWildcardFromSSHConfig returns the concrete host aliases in the ssh
// config that match a glob such as "node*".
func ExpandWildcardFromSSHConfig(pattern string) []string {
	entries, err := LoadSSHConfig()
	if err != nil {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, e := range entries {
		for _, alias := range e.HostPatterns {
			if strings.ContainsAny(alias, "*?[!") || seen[alias] {
				continue
			}
			if matched, _ := path.Match(pattern, alias); matched {
				seen[alias] = true
				out = append(out, alias)
			}
		}
	}
	return out
}
