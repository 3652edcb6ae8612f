// Package inventory loads the msync configuration file and expands
// destination patterns into concrete hosts.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/shlex"
)

// Transport names accepted in sync.transport.
const (
	TransportExec   = "exec"
	TransportNative = "native"
)

// Config represents the complete configuration for msync
type Config struct {
	Origin string               `toml:"origin"` // empty means os.Hostname()
	Tools  ToolsConfig          `toml:"tools"`
	Sync   SyncConfig           `toml:"sync"`
	SSH    SSHConfig            `toml:"ssh"`
	Log    LogConfig            `toml:"log"`
	Hosts  map[string]HostGroup `toml:"hosts"`
}

// ToolsConfig holds the locations of the external programs msync drives.
type ToolsConfig struct {
	Rsync  string `toml:"rsync"`
	SSH    string `toml:"ssh"`
	Stdbuf string `toml:"stdbuf"`
}

// SyncConfig contains default distribution settings
type SyncConfig struct {
	Copies       int    `toml:"copies"`        // copies each holder starts per round
	Parallel     int    `toml:"parallel"`      // cap on running workers, 0 = none
	Timeout      string `toml:"timeout"`       // per worker, parsed as duration
	RsyncOptions string `toml:"rsync_options"` // shell-style, e.g. "-av --delete"
	SSHOptions   string `toml:"ssh_options"`
	Transport    string `toml:"transport"` // exec or native
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level    string `toml:"level"`     // debug, info, warn, error
	Output   string `toml:"output"`    // stdout, stderr, or file path
	NoColor  bool   `toml:"no_color"`  // disable colored output
	ShowTime bool   `toml:"show_time"` // show timestamp
}

// SSHConfig contains settings for native SSH connections
type SSHConfig struct {
	User           string `toml:"user"`
	Port           int    `toml:"port"`
	KeyPath        string `toml:"key_path"`
	Timeout        string `toml:"timeout"`
	KnownHostsPath string `toml:"known_hosts"`
	StrictHostKey  bool   `toml:"strict_host_key"`
}

// HostGroup represents a host group
type HostGroup struct {
	Addresses []string `toml:"addresses"`
	User      string   `toml:"user"`
	Port      int      `toml:"port"`
	KeyPath   string   `toml:"key_path"`
}

// Host is a destination host with its connection settings merged.
type Host struct {
	Name       string // identity used for scheduling and by rsync/ssh
	Address    string // dial address, after ~/.ssh/config HostName
	User       string
	Port       int
	KeyPath    string
	UserSet    bool
	PortSet    bool
	KeyPathSet bool
}

// Inventory manages the configuration and host groups.
type Inventory struct {
	mu     sync.RWMutex
	config *Config
	path   string
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Tools: ToolsConfig{
			Rsync:  "/usr/bin/rsync",
			SSH:    "/usr/bin/ssh",
			Stdbuf: "/usr/bin/stdbuf",
		},
		Sync: SyncConfig{
			Copies:       1,
			Timeout:      "0s",
			RsyncOptions: "-av",
			Transport:    TransportExec,
		},
		SSH: SSHConfig{
			Port:           22,
			Timeout:        "30s",
			KnownHostsPath: "~/.ssh/known_hosts",
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stdout",
		},
		Hosts: make(map[string]HostGroup),
	}
}

// New creates a new Inventory. The file at configPath is loaded when it
// exists; an empty path means ~/.msync/config.toml.
func New(configPath string) (*Inventory, error) {
	if configPath == "" {
		home, _ := os.UserHomeDir()
		configPath = filepath.Join(home, ".msync", "config.toml")
	}

	inv := &Inventory{
		config: DefaultConfig(),
		path:   configPath,
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := inv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	return inv, nil
}

// Load loads configuration from file on top of the defaults
func (inv *Inventory) Load() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	data, err := os.ReadFile(inv.path)
	if err != nil {
		return err
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return err
	}
	if config.Hosts == nil {
		config.Hosts = make(map[string]HostGroup)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	inv.config = config
	return nil
}

// Save saves configuration to file
func (inv *Inventory) Save() error {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(inv.path), 0755); err != nil {
		return err
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(inv.config); err != nil {
		return err
	}

	return os.WriteFile(inv.path, []byte(buf.String()), 0644)
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Sync.Copies < 1 {
		return fmt.Errorf("sync.copies must be at least 1, got %d", c.Sync.Copies)
	}
	if c.Sync.Parallel < 0 {
		return fmt.Errorf("sync.parallel must not be negative, got %d", c.Sync.Parallel)
	}
	switch c.Sync.Transport {
	case "", TransportExec, TransportNative:
	default:
		return fmt.Errorf("unknown sync.transport %q", c.Sync.Transport)
	}
	if _, err := c.WorkerTimeout(); err != nil {
		return err
	}
	if _, err := c.RsyncArgs(); err != nil {
		return err
	}
	if _, err := c.SSHArgs(); err != nil {
		return err
	}
	return nil
}

// WorkerTimeout parses sync.timeout. Zero means no timeout.
func (c *Config) WorkerTimeout() (time.Duration, error) {
	if c.Sync.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Sync.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid sync.timeout %q: %w", c.Sync.Timeout, err)
	}
	return d, nil
}

// RsyncArgs splits sync.rsync_options using shell quoting rules.
func (c *Config) RsyncArgs() ([]string, error) {
	args, err := shlex.Split(c.Sync.RsyncOptions)
	if err != nil {
		return nil, fmt.Errorf("invalid sync.rsync_options %q: %w", c.Sync.RsyncOptions, err)
	}
	return args, nil
}

// SSHArgs splits sync.ssh_options using shell quoting rules.
func (c *Config) SSHArgs() ([]string, error) {
	args, err := shlex.Split(c.Sync.SSHOptions)
	if err != nil {
		return nil, fmt.Errorf("invalid sync.ssh_options %q: %w", c.Sync.SSHOptions, err)
	}
	return args, nil
}

// ParseDestinations splits a comma separated destination list, trimming
// whitespace and dropping empty items.
func ParseDestinations(list string) []string {
	var out []string
	for _, d := range strings.Split(list, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// ExpandDestinations resolves group names to their addresses and returns the
// host names in order, first occurrence wins.
func (inv *Inventory) ExpandDestinations(patterns []string) ([]string, error) {
	hosts, err := inv.GetHosts(patterns)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return names, nil
}

// GetHosts gets hosts by group name, ~/.ssh/config wildcard or literal name
func (inv *Inventory) GetHosts(patterns []string) ([]Host, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var hosts []Host
	seen := make(map[string]bool)

	add := func(name, group string) {
		if !seen[name] {
			hosts = append(hosts, inv.buildHost(name, group))
			seen[name] = true
		}
	}

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		if group, ok := inv.config.Hosts[pattern]; ok && len(group.Addresses) > 0 {
			for _, addr := range group.Addresses {
				add(addr, pattern)
			}
		} else if strings.ContainsAny(pattern, "*?[") {
			matches := ExpandWildcardFromSSHConfig(pattern)
			if len(matches) == 0 {
				return nil, fmt.Errorf("no hosts found for wildcard pattern: %s", pattern)
			}
			for _, match := range matches {
				add(match, "")
			}
		} else {
			add(pattern, "")
		}
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts found for patterns: %v", patterns)
	}

	return hosts, nil
}

// LookupHost returns connection settings for a single host name. A host
// listed in several groups takes the settings of the first group in name
// order.
func (inv *Inventory) LookupHost(name string) Host {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	groups := make([]string, 0, len(inv.config.Hosts))
	for g := range inv.config.Hosts {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		if slices.Contains(inv.config.Hosts[g].Addresses, name) {
			return inv.buildHost(name, g)
		}
	}
	return inv.buildHost(name, "")
}

// buildHost merges connection settings.
// Priority: TOML host > TOML group > SSH config > defaults
func (inv *Inventory) buildHost(name string, group string) Host {
	host := Host{
		Name:    name,
		Address: name,
		User:    inv.config.SSH.User,
		Port:    inv.config.SSH.Port,
		KeyPath: inv.config.SSH.KeyPath,
	}

	if hostConfig, ok := inv.config.Hosts[name]; ok {
		if hostConfig.User != "" {
			host.User, host.UserSet = hostConfig.User, true
		}
		if hostConfig.Port != 0 {
			host.Port, host.PortSet = hostConfig.Port, true
		}
		if hostConfig.KeyPath != "" {
			host.KeyPath, host.KeyPathSet = hostConfig.KeyPath, true
		}
	}

	if groupConfig, ok := inv.config.Hosts[group]; ok && group != "" {
		if !host.UserSet && groupConfig.User != "" {
			host.User, host.UserSet = groupConfig.User, true
		}
		if !host.PortSet && groupConfig.Port != 0 {
			host.Port, host.PortSet = groupConfig.Port, true
		}
		if !host.KeyPathSet && groupConfig.KeyPath != "" {
			host.KeyPath, host.KeyPathSet = groupConfig.KeyPath, true
		}
	}

	if sshEntry, ok := GetSSHConfigEntry(name); ok {
		if sshEntry.HostName != "" {
			host.Address = sshEntry.HostName
		}
		if !host.UserSet && sshEntry.User != "" {
			host.User = sshEntry.User
		}
		if !host.PortSet && sshEntry.Port != 0 {
			host.Port = sshEntry.Port
		}
		if !host.KeyPathSet && sshEntry.KeyPath != "" {
			host.KeyPath = ExpandPath(sshEntry.KeyPath)
		}
	}

	return host
}

// GetAllGroups returns all groups
func (inv *Inventory) GetAllGroups() map[string][]string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	groups := make(map[string][]string)
	for name, group := range inv.config.Hosts {
		if len(group.Addresses) > 0 {
			groups[name] = group.Addresses
		}
	}
	return groups
}

// Origin returns the configured origin host, falling back to the local
// hostname.
func (inv *Inventory) Origin() (string, error) {
	inv.mu.RLock()
	origin := inv.config.Origin
	inv.mu.RUnlock()

	if origin != "" {
		return origin, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	return name, nil
}

// Path returns the configuration file path.
func (inv *Inventory) Path() string {
	return inv.path
}

// ExpandPath expands ~ in path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return filepath.Join(home, path[2:])
		}
		return home
	}

	return path
}

// GetConfig returns complete configuration
func (inv *Inventory) GetConfig() *Config {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config
}
