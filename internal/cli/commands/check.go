package commands

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vectorguard/internal/daemon"
)

var checkCmd = &cobra.Command{
	Use:   "check [path...]",
	Short: "Report corruption state of watched files",
	Long: `Inspects watched files and their backups without changing anything.

With no paths, every file under the watch root that matches the filter is
checked. Exits non-zero when any file looks collapsed.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	reports, err := daemon.CheckFiles(settings, args)
	if err != nil {
		return err
	}

	corrupted := printReports(cmd.OutOrStdout(), reports)
	if corrupted > 0 {
		return fmt.Errorf("%d file(s) look collapsed", corrupted)
	}
	return nil
}

// printReports writes one line per report and returns how many are corrupted.
func printReports(out io.Writer, reports []daemon.FileReport) int {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	if len(reports) == 0 {
		fmt.Fprintf(out, "%s\n", gray("No watched files"))
		return 0
	}

	corrupted := 0
	for _, r := range reports {
		var state string
		switch {
		case r.SourceMissing:
			state = yellow("missing")
		case r.Corrupted:
			corrupted++
			state = red("COLLAPSED")
		case !r.SourceValid:
			state = yellow("malformed")
		case !r.HasBackup:
			state = yellow("no backup")
		default:
			state = green("ok")
		}

		backup := gray("-")
		if r.HasBackup {
			backup = humanize.IBytes(uint64(r.BackupSize))
			if !r.BackupValid {
				backup += " " + yellow("(invalid)")
			}
		}
		fmt.Fprintf(out, "%-10s %s  source %s  backup %s\n", state, r.RelPath, humanize.IBytes(uint64(r.SourceSize)), backup)
	}
	return corrupted
}
