package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/workd/internal/api"
)

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List processes the daemon would resume",
		Long: `List calculation records that are not terminal and carry no live
heartbeat. These are the processes the next daemon tick would launch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := setup(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer n.Close()

			nodes, err := n.daemon.PendingCalculations(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to query pending processes", err)
			}
			rows := make([]api.Summary, 0, len(nodes))
			for _, nd := range nodes {
				rows = append(rows, api.Summarize(nd))
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: rootOpts.Verbose}
			return out.Success(rows, func(w io.Writer) error {
				return writeSummaries(w, rows)
			})
		},
	}
}

func writeSummaries(w io.Writer, rows []api.Summary) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No pending processes.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tCLASS\tSTATE\tLABEL\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.PID, r.Class, r.State, r.Label, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
