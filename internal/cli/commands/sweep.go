package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vectorguard/internal/backup"
	"vectorguard/internal/daemon"
)

var sweepOffline bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a backup sweep now",
	Long: `Asks the running daemon to evaluate every watched file now.

With --offline the sweep runs in this process instead; it takes the same
singleton lock, so it refuses to run while a daemon is active.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOffline, "offline", false, "Sweep without a daemon")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	var (
		sum *backup.SweepSummary
		err error
	)
	if sweepOffline {
		sum, err = offlineSweep(cmd)
	} else {
		sum, err = daemonSweep()
	}
	if err != nil {
		return err
	}
	printSweep(cmd.OutOrStdout(), sum)
	if sum.Failed > 0 {
		return fmt.Errorf("%d file(s) failed", sum.Failed)
	}
	return nil
}

func offlineSweep(cmd *cobra.Command) (*backup.SweepSummary, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	log.SetLevel(daemon.ParseLogLevel(settings.LogLevel))

	sum, err := daemon.OfflineSweep(cmd.Context(), settings, log)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func daemonSweep() (*backup.SweepSummary, error) {
	client, err := requireDaemon()
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Sweep()
}

func printSweep(out io.Writer, s *backup.SweepSummary) {
	fmt.Fprintf(out, "Sweep finished in %s: %d created, %d updated, %d skipped, %d failed\n",
		s.Duration.Round(time.Millisecond), s.Created, s.Updated, s.Skipped, s.Failed)
}
