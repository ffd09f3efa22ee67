package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var resetAll bool

var resetCmd = &cobra.Command{
	Use:   "reset [path]",
	Short: "Reset recovery attempt counters",
	Long: `Clears the recovery attempt counter of a watched file in the running
daemon, so a file that exhausted its attempts is recovered again on the next
collapse. Use --all to clear every counter.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "Reset every counter")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	var path string
	switch {
	case resetAll && len(args) > 0:
		return fmt.Errorf("give a path or --all, not both")
	case !resetAll && len(args) == 0:
		return fmt.Errorf("give a path or --all")
	case len(args) == 1:
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		path = abs
	}

	client, err := requireDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.Reset(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d counter(s)\n", n)
	return nil
}
