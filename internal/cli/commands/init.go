package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"vectorguard/internal/daemon"
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize vectorguard settings",
	Long: `Create the config directory with default settings.

When a directory is given it becomes the watch root and receives a default
.vectorguardignore file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if err := daemon.InitConfigDir(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config directory: %s\n", daemon.ConfigDir())

	if len(args) == 0 {
		return nil
	}

	absDir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	settings, err := daemon.LoadSettings("")
	if err != nil {
		return err
	}
	settings.WatchRoot = absDir
	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintf(out, "Watch root set to %s\n", absDir)

	written, err := daemon.InitWatchRoot(absDir)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(out, "  created %s\n", daemon.IgnoreFileName)
	} else {
		fmt.Fprintf(out, "  %s already exists (not modified)\n", daemon.IgnoreFileName)
	}
	return nil
}
