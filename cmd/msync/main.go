package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/msync/pkg/logger"
	"github.com/liliang-cn/msync/pkg/msync"
	"github.com/liliang-cn/msync/pkg/scheduler"
	"github.com/liliang-cn/msync/pkg/tui"
)

var (
	Version = "dev" // Set at build time

	configPath   string
	destinations []string
	path         string
	verbose      bool
	dryRun       bool
	copies       int
	timeout      int
	parallel     int
	origin       string
	logLevel     string
	noTUI        bool // Disable TUI mode, use text output
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "msync",
		Short:   "Distribute files to many hosts in waves",
		Version: Version,
		Long: `msync - Copy a file or directory from this host to many hosts

Every host that already has the data pushes it to further hosts in the
next round, so the number of copies grows geometrically.

Examples:
  msync -d web -p /srv/app
  msync -d "host2,host3,host4" -p /srv/app/ -k 2
  msync -d web,db -p /opt/release.tar -n
  msync plan -d web -p /srv/app`,
		SilenceUsage: true,
		RunE:         runSync,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.msync/config.toml)")
	flags.StringSliceVarP(&destinations, "destinations", "d", nil, "Host group or comma-separated host list")
	flags.StringVarP(&path, "path", "p", "", "Source file or directory")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Debug logging and streamed rsync output")
	flags.BoolVarP(&dryRun, "dry-run", "n", false, "Show what would be copied without running rsync")
	flags.IntVarP(&copies, "copies", "k", 1, "Copies each host starts per round")
	flags.IntVarP(&timeout, "timeout", "t", 0, "Per copy timeout in seconds, 0 for none")
	flags.IntVar(&parallel, "parallel", 0, "Max copies running at once, 0 for no limit")
	flags.StringVar(&origin, "origin", "", "Name of this host (default: config origin or hostname)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	flags.BoolVar(&noTUI, "no-tui", false, "Disable TUI mode, use text output")

	// Set version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(hostsCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// getMsync loads the configuration with command line overrides applied.
func getMsync(cmd *cobra.Command) (*msync.Msync, error) {
	cfg := &msync.Config{
		ConfigPath: configPath,
		Origin:     origin,
		Sync: &msync.SyncConfig{
			Parallel: parallel,
			Timeout:  timeout,
		},
	}
	if cmd.Flags().Changed("copies") {
		if copies < 1 {
			return nil, fmt.Errorf("%w, got %d", msync.ErrInvalidCopies, copies)
		}
		cfg.Sync.Copies = copies
	}

	m, err := msync.New(cfg)
	if err != nil {
		return nil, err
	}

	// If log level is specified via command line, override config
	if logLevel != "" {
		m.SetLogger(logger.NewWithLevel(logLevel))
	}
	if verbose {
		m.GetLogger().SetLevel(logger.DEBUG)
	}
	return m, nil
}

// syncOptions returns the per run options given on the command line.
func syncOptions(cmd *cobra.Command) []msync.SyncOption {
	opts := []msync.SyncOption{
		msync.WithDryRun(dryRun),
		msync.WithVerbose(verbose),
	}
	if cmd.Flags().Changed("copies") {
		opts = append(opts, msync.WithCopies(copies))
	}
	if cmd.Flags().Changed("timeout") {
		opts = append(opts, msync.WithTimeout(time.Duration(timeout)*time.Second))
	}
	if cmd.Flags().Changed("parallel") {
		opts = append(opts, msync.WithParallel(parallel))
	}
	if origin != "" {
		opts = append(opts, msync.WithOrigin(origin))
	}
	return opts
}

func requireTarget() error {
	if len(destinations) == 0 {
		return fmt.Errorf("--destinations is required")
	}
	if path == "" {
		return fmt.Errorf("--path is required")
	}
	return nil
}

// targetCount returns how many of hosts actually receive the data: the
// origin and repeats are skipped.
func targetCount(from string, hosts []string) int {
	return len(scheduler.NewState(from, hosts, "", "").Pending())
}

// runSync is the root command: distribute --path to --destinations.
func runSync(cmd *cobra.Command, args []string) error {
	if err := requireTarget(); err != nil {
		return err
	}

	m, err := getMsync(cmd)
	if err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := syncOptions(cmd)
	useTUI := !noTUI && isatty.IsTerminal(os.Stdout.Fd())

	var summary *msync.Summary
	if useTUI {
		hosts, err := m.GetInventory().ExpandDestinations(destinations)
		if err != nil {
			return err
		}
		from := origin
		if from == "" {
			if from, err = m.GetInventory().Origin(); err != nil {
				return err
			}
		}

		// The TUI owns the terminal; log lines are only kept at debug level
		// when asked for, and go to stderr.
		if logLevel == "" && !verbose {
			m.SetLogger(logger.Discard())
		} else {
			m.GetLogger().SetOutput(os.Stderr)
		}

		model := tui.NewSyncModel(path, from, targetCount(from, hosts), dryRun)
		err = tui.Run(ctx, model, func(ctx context.Context, handler msync.EventHandler) error {
			var err error
			summary, err = m.Sync(ctx, destinations, path, append(opts, msync.WithEventHandler(handler))...)
			return err
		})
		printSummary(os.Stdout, summary, err)
		return err
	}

	summary, err = m.Sync(ctx, destinations, path, opts...)
	printSummary(os.Stdout, summary, err)
	return err
}
