// File: cmd/status.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alitoori/marketbot/internal/status"
)

// newStatusCmd creates the `status` command, which renders the engine's
// status file for a human operator.
func newStatusCmd() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the latest session and conversation status",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("engine.status_file", cmd.Flags().Lookup("file"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("engine.status_file")
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening status file (is the engine running?): %w", err)
			}
			defer f.Close()

			snap, err := status.DecodeSnapshot(f)
			if err != nil {
				return fmt.Errorf("parsing status file %s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Snapshot taken at %s\n\n", snap.TakenAt.Format("2006-01-02 15:04:05 MST"))

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tHEALTH\tRESTARTS\tCONVERSATION\tSTATE\tMESSAGES\tTURN")
			for _, ss := range snap.Sessions {
				if len(ss.Conversations) == 0 {
					fmt.Fprintf(w, "%s\t%s\t%d\t-\t-\t-\t-\n", ss.IdentityID, ss.Health, ss.Restarts)
					continue
				}
				for _, cs := range ss.Conversations {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%d\n",
						ss.IdentityID, ss.Health, ss.Restarts,
						cs.ID, cs.State, cs.Messages, cs.Turn)
				}
			}
			return w.Flush()
		},
	}

	statusCmd.Flags().String("file", "", "status file to read (overrides engine.status_file)")
	return statusCmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}
