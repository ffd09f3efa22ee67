package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vectorguard/internal/daemon"
)

var configLogLevel string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change settings",
	Long: `Shows the effective settings (file values, defaults and flag overrides).

Settings are stored in ~/.vectorguard/settings.yaml and take effect on next
daemon start, except the log level, which a running daemon reloads.

Examples:
  # Show effective settings
  vectorguard config

  # Enable debug logging
  vectorguard config --logging debug`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if configLogLevel == "" {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(settings)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s\n%s", daemon.SettingsPath(), data)
		return nil
	}

	settings, err := daemon.LoadSettings("")
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings.LogLevel = configLogLevel
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintf(out, "Log level set to: %s\n", configLogLevel)

	if daemon.IsDaemonRunning() {
		client, err := daemon.Connect()
		if err == nil {
			if err := client.ReloadConfig(); err != nil {
				fmt.Fprintf(out, "Note: Failed to notify daemon: %v\n", err)
				fmt.Fprintln(out, "Restart the daemon for the new log level to take effect:")
				fmt.Fprintln(out, "  vectorguard daemon start --restart")
			} else {
				fmt.Fprintln(out, "Daemon notified to reload configuration")
			}
			client.Close()
		}
	}
	return nil
}
