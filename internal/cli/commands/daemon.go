package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"vectorguard/internal/daemon"
	"vectorguard/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the vectorguard daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the vectorguard daemon in the background.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running vectorguard daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows whether the daemon runs and, if so, what its guard engine is doing.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the guard in the foreground",
	Long:  `Runs the guard engine in the foreground, logging to stderr, until interrupted.`,
	Args:  cobra.NoArgs,
	RunE:  runForeground,
}

var daemonForeground bool
var daemonLogLevel string
var daemonRestart bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground")
	daemonStartCmd.Flags().StringVar(&daemonLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running (no confirmation)")
	runCmd.Flags().StringVar(&daemonLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runCmd)
}

func newDaemon(logToStderr bool) *daemon.Daemon {
	d := daemon.New()
	d.SettingsFile = settingsFile
	d.Root = watchRoot
	d.LogLevel = daemonLogLevel
	d.LogToStderr = logToStderr
	return d
}

func runForeground(cmd *cobra.Command, args []string) error {
	return newDaemon(true).Run(cmd.Context())
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()

		if !daemonRestart {
			fmt.Fprintf(out, "Daemon already running (PID %d)\n", pid)
			fmt.Fprintln(out, "Use --restart to restart the daemon")
			return nil
		}
		fmt.Fprintf(out, "Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemonAndWait(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	if daemonForeground {
		return newDaemon(false).Run(cmd.Context())
	}

	// Validate before detaching so configuration errors reach the terminal
	if _, err := loadSettings(); err != nil {
		return err
	}

	childArgs := []string{"daemon", "start", "--foreground"}
	if settingsFile != "" {
		childArgs = append(childArgs, "--config", settingsFile)
	}
	if watchRoot != "" {
		childArgs = append(childArgs, "--root", watchRoot)
	}
	if daemonLogLevel != "" {
		childArgs = append(childArgs, "--logging", daemonLogLevel)
	}

	pollCfg := util.DefaultPollConfig()
	pollCfg.Timeout = 10 * time.Second
	_, err := util.StartInBackground(cmd.Context(), util.BackgroundStartConfig{
		Progress:   out,
		PollConfig: pollCfg,
	}, daemon.IsDaemonRunning, childArgs)
	if err != nil {
		return fmt.Errorf("daemon did not start, see %s: %w", daemon.LogPath(), err)
	}

	pid, _ := daemon.GetPID()
	fmt.Fprintf(out, "Daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !daemon.IsDaemonRunning() {
		fmt.Fprintln(out, "Daemon not running")
		return nil
	}

	if err := stopDaemonAndWait(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintln(out, "Daemon stopped")
	return nil
}

// stopDaemonAndWait asks the daemon to stop over IPC and falls back to
// SIGKILL when it does not exit in time.
func stopDaemonAndWait(ctx context.Context) error {
	pid, _ := daemon.GetPID()

	graceful := func() error {
		client, err := daemon.Connect()
		if err != nil {
			return err
		}
		defer client.Close()
		resp, err := client.Stop()
		if err != nil {
			return fmt.Errorf("stop request failed: %w", err)
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		return nil
	}

	return util.StopProcess(ctx, pid, util.ProcessConfig{
		GracefulTimeout: 10 * time.Second,
		PollInterval:    25 * time.Millisecond,
	}, graceful, daemon.IsDaemonRunning)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !daemon.IsDaemonRunning() {
		fmt.Fprintln(out, "Daemon: not running")
		return nil
	}

	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Status()
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("status failed: %s", resp.Error)
	}
	printStatus(out, resp)
	return nil
}

func printStatus(out io.Writer, resp *daemon.Response) {
	fmt.Fprintf(out, "Daemon: running (PID %d)\n", resp.PID)
	st := resp.Status
	if st == nil {
		return
	}
	fmt.Fprintf(out, "Watch root: %s\n", st.Root)
	fmt.Fprintf(out, "Started: %s\n", st.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Watched files: %d (pending events: %d)\n", st.Watched, st.Pending)

	if st.LastSweep != nil {
		s := st.LastSweep
		fmt.Fprintf(out, "Last sweep: %s, %d created, %d updated, %d skipped, %d failed (%s)\n",
			s.Finished.Format(time.RFC3339), s.Created, s.Updated, s.Skipped, s.Failed, s.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintln(out, "Last sweep: none yet")
	}

	if st.ProcessManaged {
		health := "unhealthy"
		if st.ProcessHealthy {
			health = "healthy"
		}
		if st.ProcessPID > 0 {
			fmt.Fprintf(out, "Process: PID %d, %s\n", st.ProcessPID, health)
		} else {
			fmt.Fprintln(out, "Process: not running")
		}
	} else {
		fmt.Fprintln(out, "Process: not managed")
	}

	if r := st.LastRecovery; r != nil {
		fmt.Fprintf(out, "Last recovery: %s %s (attempt %d, id %s)", r.Path, r.State, r.Attempt, r.ID)
		if r.Error != "" {
			fmt.Fprintf(out, ": %s", r.Error)
		}
		fmt.Fprintln(out)
	}

	if len(st.Attempts) > 0 {
		paths := make([]string, 0, len(st.Attempts))
		for p := range st.Attempts {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		exhausted := make(map[string]bool, len(st.Exhausted))
		for _, p := range st.Exhausted {
			exhausted[p] = true
		}
		fmt.Fprintln(out, "Recovery attempts:")
		for _, p := range paths {
			if exhausted[p] {
				fmt.Fprintf(out, "  %s: %d (exhausted, run: vectorguard reset %s)\n", p, st.Attempts[p], p)
				continue
			}
			fmt.Fprintf(out, "  %s: %d\n", p, st.Attempts[p])
		}
	}
}

// requireDaemon connects to the running daemon or explains how to start it.
func requireDaemon() (*daemon.Client, error) {
	client, err := daemon.Connect()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Daemon not running. Start it with: vectorguard daemon start")
		return nil, fmt.Errorf("daemon not running: %w", err)
	}
	return client, nil
}
