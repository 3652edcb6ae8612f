// Package msync is the library entry point: it wires the inventory, path
// resolution, the wave scheduler and the execution engine into a single
// Sync call.
//
// Example Usage:
//
//	m, err := msync.New(&msync.Config{ConfigPath: "~/.msync/config.toml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	summary, err := m.Sync(ctx, []string{"web", "db1"}, "/srv/app", msync.WithCopies(2))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d hosts in %d rounds\n", len(summary.Holders)-1, summary.Rounds)
package msync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/inventory"
	"github.com/liliang-cn/msync/pkg/logger"
	"github.com/liliang-cn/msync/pkg/pathspec"
	"github.com/liliang-cn/msync/pkg/scheduler"
	"github.com/liliang-cn/msync/pkg/ssh"
)

// ErrInvalidCopies is returned when the copies per host is below one.
var ErrInvalidCopies = errors.New("copies per host must be at least 1")

// Msync runs distributions. It is usable both by the CLI and as a library.
type Msync struct {
	inv    *inventory.Inventory
	logger *logger.Logger
	mu     sync.RWMutex
}

// Config overrides values of the configuration file.
type Config struct {
	ConfigPath string // empty means ~/.msync/config.toml
	Origin     string
	Sync       *SyncConfig
	Tools      *executor.Tools
}

// SyncConfig overrides the [sync] section.
type SyncConfig struct {
	Copies       int
	Parallel     int
	Timeout      int // seconds
	RsyncOptions string
	SSHOptions   string
	Transport    string
}

// New creates a new Msync client
func New(cfg *Config) (*Msync, error) {
	configPath := ""
	if cfg != nil {
		configPath = cfg.ConfigPath
	}

	inv, err := inventory.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	if cfg != nil {
		invCfg := inv.GetConfig()
		if cfg.Origin != "" {
			invCfg.Origin = cfg.Origin
		}
		if cfg.Tools != nil {
			invCfg.Tools = inventory.ToolsConfig{Rsync: cfg.Tools.Rsync, SSH: cfg.Tools.SSH, Stdbuf: cfg.Tools.Stdbuf}
		}
		if s := cfg.Sync; s != nil {
			if s.Copies > 0 {
				invCfg.Sync.Copies = s.Copies
			}
			if s.Parallel > 0 {
				invCfg.Sync.Parallel = s.Parallel
			}
			if s.Timeout > 0 {
				invCfg.Sync.Timeout = fmt.Sprintf("%ds", s.Timeout)
			}
			if s.RsyncOptions != "" {
				invCfg.Sync.RsyncOptions = s.RsyncOptions
			}
			if s.SSHOptions != "" {
				invCfg.Sync.SSHOptions = s.SSHOptions
			}
			if s.Transport != "" {
				invCfg.Sync.Transport = s.Transport
			}
		}
		if err := invCfg.Validate(); err != nil {
			return nil, err
		}
	}

	return NewWithInventory(inv), nil
}

// NewWithInventory creates a client on an existing inventory.
func NewWithInventory(inv *inventory.Inventory) *Msync {
	cfg := inv.GetConfig()
	return &Msync{
		inv: inv,
		logger: logger.New(&logger.Config{
			Level:    cfg.Log.Level,
			Output:   cfg.Log.Output,
			NoColor:  cfg.Log.NoColor,
			ShowTime: cfg.Log.ShowTime,
		}),
	}
}

// SetLogger sets custom logger
func (m *Msync) SetLogger(l *logger.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = l
}

// GetLogger gets logger
func (m *Msync) GetLogger() *logger.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// GetInventory returns the inventory.
func (m *Msync) GetInventory() *inventory.Inventory {
	return m.inv
}

// SyncOption configures a single Sync call.
type SyncOption func(*syncOptions)

type syncOptions struct {
	copies   int
	parallel int
	timeout  time.Duration
	origin   string
	dryRun   bool
	verbose  bool
	handler  EventHandler
	runner   executor.Runner
}

// WithCopies sets how many copies each holder starts per round.
func WithCopies(n int) SyncOption {
	return func(o *syncOptions) {
		o.copies = n
	}
}

// WithParallel caps the number of copies running at once.
func WithParallel(n int) SyncOption {
	return func(o *syncOptions) {
		o.parallel = n
	}
}

// WithTimeout bounds every copy.
func WithTimeout(d time.Duration) SyncOption {
	return func(o *syncOptions) {
		o.timeout = d
	}
}

// WithOrigin overrides the local host name.
func WithOrigin(origin string) SyncOption {
	return func(o *syncOptions) {
		o.origin = origin
	}
}

// WithDryRun reports what would be copied without running rsync.
func WithDryRun(dry bool) SyncOption {
	return func(o *syncOptions) {
		o.dryRun = dry
	}
}

// WithVerbose streams rsync output to the debug log.
func WithVerbose(v bool) SyncOption {
	return func(o *syncOptions) {
		o.verbose = v
	}
}

// WithEventHandler receives progress events.
func WithEventHandler(h EventHandler) SyncOption {
	return func(o *syncOptions) {
		o.handler = h
	}
}

// WithRunner replaces the runner built from the configuration. No
// prerequisite check is made.
func WithRunner(r executor.Runner) SyncOption {
	return func(o *syncOptions) {
		o.runner = r
	}
}

// Sync distributes path from the origin to every host destinations expands
// to. Each entry is a host name or an inventory group.
func (m *Msync) Sync(ctx context.Context, destinations []string, path string, opts ...SyncOption) (*Summary, error) {
	cfg := m.inv.GetConfig()
	log := m.GetLogger()

	timeout, err := cfg.WorkerTimeout()
	if err != nil {
		return nil, err
	}
	options := &syncOptions{
		copies:   cfg.Sync.Copies,
		parallel: cfg.Sync.Parallel,
		timeout:  timeout,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.copies < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidCopies, options.copies)
	}

	spec, err := pathspec.Resolve(path)
	if err != nil {
		return nil, err
	}
	log.Debug("source path: %s", spec.Source)
	log.Debug("destination path: %s", spec.Dest)

	hosts, err := m.inv.ExpandDestinations(destinations)
	if err != nil {
		return nil, err
	}

	origin := options.origin
	if origin == "" {
		if origin, err = m.inv.Origin(); err != nil {
			return nil, err
		}
	}
	log.Debug("origin: %s", origin)
	log.Debug("destinations: %s", strings.Join(hosts, ", "))

	runner := options.runner
	if runner == nil {
		if runner, err = m.buildRunner(origin, options); err != nil {
			return nil, err
		}
	}

	var emitMu sync.Mutex
	emit := func(e Event) {
		if options.handler == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		options.handler(e)
	}

	engine := executor.NewEngine(runner,
		executor.WithLogger(log),
		executor.WithParallel(options.parallel),
		executor.WithTimeout(options.timeout),
		executor.WithObserver(func(o *executor.Outcome) {
			emit(Event{Type: EventCopyFinished, Round: o.Assignment.Round, Outcome: o, Status: StatusRunning})
		}),
	)

	state := scheduler.NewState(origin, hosts, spec.Source, spec.Dest)
	if options.dryRun {
		log.Info("dry run: no copies will be made")
	}
	log.Info("syncing %s to %d hosts, %d copies per host", spec.Source, len(state.Pending()), options.copies)

	summary, err := Drive(ctx, state, engine, options.copies, log, emit)
	summary.DryRun = options.dryRun
	return summary, err
}

// Builder returns the command builder for origin from the configuration.
func (m *Msync) Builder(origin string) (*executor.CommandBuilder, error) {
	cfg := m.inv.GetConfig()
	rsyncArgs, err := cfg.RsyncArgs()
	if err != nil {
		return nil, err
	}
	sshArgs, err := cfg.SSHArgs()
	if err != nil {
		return nil, err
	}
	return &executor.CommandBuilder{
		Origin: origin,
		Tools: executor.Tools{
			Rsync:  cfg.Tools.Rsync,
			SSH:    cfg.Tools.SSH,
			Stdbuf: cfg.Tools.Stdbuf,
		},
		RsyncOptions: rsyncArgs,
		SSHOptions:   sshArgs,
	}, nil
}

// CheckPrerequisites verifies the external tools the configured transport
// needs.
func (m *Msync) CheckPrerequisites() error {
	cfg := m.inv.GetConfig()
	tools := executor.Tools{Rsync: cfg.Tools.Rsync, SSH: cfg.Tools.SSH, Stdbuf: cfg.Tools.Stdbuf}
	return executor.CheckPrerequisites(tools, cfg.Sync.Transport != inventory.TransportNative)
}

func (m *Msync) buildRunner(origin string, options *syncOptions) (executor.Runner, error) {
	log := m.GetLogger()
	b, err := m.Builder(origin)
	if err != nil {
		return nil, err
	}
	runnerOpts := []executor.RunnerOption{
		executor.WithRunnerLogger(log),
		executor.WithVerbose(options.verbose),
	}

	if options.dryRun {
		return executor.NewDryRunRunner(b, runnerOpts...), nil
	}

	if err := m.CheckPrerequisites(); err != nil {
		return nil, err
	}

	local := executor.NewExecRunner(b, runnerOpts...)
	cfg := m.inv.GetConfig()
	if cfg.Sync.Transport != inventory.TransportNative {
		return local, nil
	}

	client, err := ssh.NewClientFromConfig(cfg.SSH)
	if err != nil {
		return nil, err
	}
	resolve := func(host string) ssh.HostSpec {
		return ssh.SpecFromHost(m.inv.LookupHost(host))
	}
	return &executor.Router{
		Origin: origin,
		Local:  local,
		Relay:  ssh.NewRelayRunner(client, b, resolve, runnerOpts...),
	}, nil
}

// Plan returns the rounds a fully successful run would produce. The path is
// resolved when it exists and used as given otherwise.
func (m *Msync) Plan(destinations []string, path string, copiesPerHost int, origin string) ([][]scheduler.Assignment, error) {
	if copiesPerHost < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidCopies, copiesPerHost)
	}
	hosts, err := m.inv.ExpandDestinations(destinations)
	if err != nil {
		return nil, err
	}
	if origin == "" {
		if origin, err = m.inv.Origin(); err != nil {
			return nil, err
		}
	}

	src, dest := strings.TrimSpace(path), strings.TrimSpace(path)
	if spec, err := pathspec.Resolve(path); err == nil {
		src, dest = spec.Source, spec.Dest
	}
	return scheduler.Plan(origin, hosts, src, dest, copiesPerHost), nil
}
