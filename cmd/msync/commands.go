package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/msync/pkg/executor"
	"github.com/liliang-cn/msync/pkg/inventory"
	"github.com/liliang-cn/msync/pkg/scheduler"
	"github.com/liliang-cn/msync/pkg/server"
	"github.com/liliang-cn/msync/pkg/ssh"
)

// planCmd prints the schedule without copying anything
func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the rounds a sync would run",
		Example: `  msync plan -d web -p /srv/app
  msync plan -d "host2,host3,host4,host5,host6" -p /srv/app -k 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTarget(); err != nil {
				return err
			}
			m, err := getMsync(cmd)
			if err != nil {
				return fmt.Errorf("failed to load inventory: %w", err)
			}

			rounds, err := m.Plan(destinations, path, m.GetInventory().GetConfig().Sync.Copies, origin)
			if err != nil {
				return err
			}

			var command func(scheduler.Assignment) string
			if len(rounds) > 0 {
				b, err := m.Builder(rounds[0][0].Source)
				if err != nil {
					return err
				}
				command = func(a scheduler.Assignment) string {
					return executor.ShellJoin(b.Build(a))
				}
			}
			printPlan(os.Stdout, rounds, command)
			return nil
		},
	}
}

// hostsCmd lists hosts
func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List host groups and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := getMsync(cmd)
			if err != nil {
				return fmt.Errorf("failed to load inventory: %w", err)
			}
			inv := m.GetInventory()
			groups := inv.GetAllGroups()

			names := make([]string, 0, len(groups))
			for name := range groups {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Println("Host Groups:")
			fmt.Println()
			for _, name := range names {
				fmt.Printf("  [%s]\n", name)
				for _, host := range groups[name] {
					fmt.Printf("    - %s\n", host)
				}
				fmt.Println()
			}

			config := inv.GetConfig()
			from, _ := inv.Origin()
			fmt.Printf("Origin: %s\n\n", from)
			fmt.Printf("Tools:\n")
			fmt.Printf("  rsync:  %s\n", config.Tools.Rsync)
			fmt.Printf("  ssh:    %s\n", config.Tools.SSH)
			fmt.Printf("  stdbuf: %s\n", config.Tools.Stdbuf)
			fmt.Printf("\n")
			fmt.Printf("Sync Config:\n")
			fmt.Printf("  Copies: %d\n", config.Sync.Copies)
			fmt.Printf("  Parallel: %d\n", config.Sync.Parallel)
			fmt.Printf("  Timeout: %s\n", config.Sync.Timeout)
			fmt.Printf("  Rsync options: %s\n", config.Sync.RsyncOptions)
			fmt.Printf("  Transport: %s\n", config.Sync.Transport)
			if config.Sync.Transport == inventory.TransportNative {
				fmt.Printf("\n")
				fmt.Printf("SSH Config:\n")
				fmt.Printf("  User: %s\n", config.SSH.User)
				fmt.Printf("  Port: %d\n", config.SSH.Port)
				fmt.Printf("  Key: %s\n", config.SSH.KeyPath)
			}
			return nil
		},
	}
}

// checkCmd verifies tools and, optionally, ssh reachability
func checkCmd() *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check prerequisites and host connectivity",
		Example: `  msync check
  msync check --connect -d web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := getMsync(cmd)
			if err != nil {
				return fmt.Errorf("failed to load inventory: %w", err)
			}

			if err := m.CheckPrerequisites(); err != nil {
				failColor.Printf("✗ %v\n", err)
				return err
			}
			okColor.Println("✓ required tools found")

			if !connect {
				return nil
			}
			if len(destinations) == 0 {
				return fmt.Errorf("--destinations is required with --connect")
			}

			inv := m.GetInventory()
			hosts, err := inv.GetHosts(destinations)
			if err != nil {
				return err
			}
			client, err := ssh.NewClientFromConfig(inv.GetConfig().SSH)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			results := checkHosts(ctx, client, hosts)
			failed := 0
			for i, h := range hosts {
				if results[i] != nil {
					failed++
					failColor.Printf("  ✗ %s", h.Name)
					fmt.Printf(": %v\n", results[i])
					continue
				}
				okColor.Printf("  ✓ %s\n", h.Name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d hosts unreachable", failed, len(hosts))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&connect, "connect", false, "Open an SSH session to every destination")
	return cmd
}

// checkHosts tests every host concurrently and returns the errors in host
// order.
func checkHosts(ctx context.Context, client *ssh.Client, hosts []inventory.Host) []error {
	results := make([]error, len(hosts))
	g := &errgroup.Group{}
	limit := parallel
	if limit <= 0 {
		limit = 10
	}
	g.SetLimit(limit)

	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			hctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
				defer cancel()
			}
			results[i] = client.TestConnection(hctx, ssh.SpecFromHost(h))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// remoteCmd drives an msync-server
func remoteCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Run a sync on an msync-server",
		Example: `  msync remote --server deploy1:50051 -d web -p /srv/app
  msync remote jobs --server deploy1:50051`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTarget(); err != nil {
				return err
			}
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			req := &server.SyncRequest{
				Destinations:   destinations,
				Path:           path,
				Parallel:       parallel,
				TimeoutSeconds: timeout,
				Origin:         origin,
				DryRun:         dryRun,
				Verbose:        verbose,
			}
			if cmd.Flags().Changed("copies") {
				req.Copies = copies
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = client.Sync(ctx, req, remoteEventPrinter(os.Stdout))
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&addr, "server", "localhost:50051", "msync-server address")

	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			list, total, err := client.ListJobs(cmd.Context(), status, 0)
			if err != nil {
				return err
			}
			for _, j := range list {
				printJob(os.Stdout, j)
			}
			fmt.Printf("%d of %d jobs\n", len(list), total)
			return nil
		},
	}
	jobs.Flags().String("status", "", "Filter by status: running, succeeded, failed, cancelled")

	job := &cobra.Command{
		Use:   "job JOB_ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			j, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(os.Stdout, j)
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ok, msg, err := client.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s", msg)
			}
			fmt.Println(msg)
			return nil
		},
	}

	cmd.AddCommand(jobs, job, cancel)
	return cmd
}

// remoteEventPrinter renders the server's event stream as text.
func remoteEventPrinter(w io.Writer) func(*server.Event) {
	return func(e *server.Event) {
		switch e.Type {
		case server.EventAccepted:
			dimColor.Fprintf(w, "job %s\n", e.JobID)
		case "round_started":
			fmt.Fprintf(w, "round %d: %d copies, %d holders, %d pending\n", e.Round, len(e.Assignments), e.Holders, e.Pending)
		case "copy_finished":
			c := e.Copy
			if c == nil {
				return
			}
			if c.Success() {
				okColor.Fprintf(w, "  ✓ %s -> %s", c.Source, c.Destination)
				fmt.Fprintf(w, " (%dms)\n", c.DurationMs)
				return
			}
			failColor.Fprintf(w, "  ✗ %s -> %s", c.Source, c.Destination)
			if c.Error != "" {
				fmt.Fprintf(w, ": %s\n", c.Error)
			} else {
				fmt.Fprintf(w, ": exit code %d\n", c.ExitCode)
			}
			printStream(w, "stderr", c.Stderr)
		case "done":
			if e.Status == server.JobSucceeded {
				okColor.Fprintf(w, "✓ %d hosts in %d rounds\n", e.Holders-1, e.Round)
			} else {
				failColor.Fprintf(w, "✗ %s: %s\n", e.Status, e.Error)
			}
		}
	}
}

func printJob(w io.Writer, j *server.JobInfo) {
	fmt.Fprintf(w, "%s  %-9s  %s -> %v", j.ID, j.Status, j.Path, j.Destinations)
	fmt.Fprintf(w, "  rounds=%d holders=%d pending=%d", j.Rounds, j.Holders, j.Pending)
	if j.DryRun {
		fmt.Fprint(w, " dry-run")
	}
	fmt.Fprintln(w)
	if len(j.Failures) > 0 {
		fmt.Fprintf(w, "    failed: %v\n", j.Failures)
	}
	if j.Error != "" {
		fmt.Fprintf(w, "    error: %s\n", j.Error)
	}
}

// initCmd writes a default config file
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Example: `  msync init
  msync init -c ./msync.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := initConfig(configPath)
			if err != nil {
				return err
			}
			okColor.Printf("✓ wrote %s\n", p)
			return nil
		},
	}
}

// initConfig saves the built-in configuration to configPath, or the default
// location when empty. An existing file is never overwritten.
func initConfig(configPath string) (string, error) {
	inv, err := inventory.New(configPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(inv.Path()); err == nil {
		return "", fmt.Errorf("%s already exists", inv.Path())
	}
	if err := inv.Save(); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return inv.Path(), nil
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of msync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("msync version %s\n", Version)
		},
	}
}
