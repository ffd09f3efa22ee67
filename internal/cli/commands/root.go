// Copyright 2024 VectorGuard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vectorguard/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags shared by every command.
var (
	settingsFile string
	watchRoot    string
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "vectorguard",
	Short: "Guard vector index files against silent truncation",
	Long: `vectorguard keeps a rolling backup next to every watched index file and,
when a file suddenly collapses in size, stops the owning process, restores the
backup and restarts it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("vectorguard version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&settingsFile, "config", "", "Settings file (default: <config dir>/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&watchRoot, "root", "", "Watch root, overrides settings watch_root")
}

// loadSettings loads and validates settings with the persistent flag overrides.
func loadSettings() (*daemon.Settings, error) {
	settings, err := daemon.LoadSettings(settingsFile)
	if err != nil {
		return nil, err
	}
	if watchRoot != "" {
		settings.WatchRoot = watchRoot
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
