package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/store"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and resolve logged extraction failures",
}

// -- failures list --

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logged failures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		venue, _ := cmd.Flags().GetString("venue")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		failures, err := st.ListFailures(ctx, store.FailureFilter{
			StartDate: from,
			EndDate:   to,
			Venue:     venue,
			Status:    model.FailureStatus(status),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "failures list")
		}
		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "No failures found.")
			return nil
		}
		formatFailures(os.Stdout, failures)
		return nil
	},
}

// -- failures stats --

var failuresStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count failures by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStaging(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.FailureStats(ctx)
		if err != nil {
			return eris.Wrap(err, "failures stats")
		}
		formatFailureStats(os.Stdout, stats)
		return nil
	},
}

// -- failures resolve / ignore --

func failureStatusCmd(use string, status model.FailureStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <failure-id>",
		Short: "Mark a failure " + string(status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := initStaging(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if err := st.SetFailureStatus(ctx, args[0], status, model.ResolvedManual); err != nil {
				return eris.Wrapf(err, "failures %s", use)
			}
			fmt.Fprintf(os.Stderr, "Failure %s marked %s.\n", args[0], status)
			return nil
		},
	}
}

func init() {
	failuresListCmd.Flags().String("from", "", "earliest date (YYYY-MM-DD)")
	failuresListCmd.Flags().String("to", "", "latest date (YYYY-MM-DD)")
	failuresListCmd.Flags().String("venue", "", "filter by venue name")
	failuresListCmd.Flags().String("status", "pending", "filter by status (pending, resolved, ignored; empty for all)")
	failuresListCmd.Flags().Int("limit", 100, "max number of failures to display")

	failuresCmd.AddCommand(failuresListCmd)
	failuresCmd.AddCommand(failuresStatsCmd)
	failuresCmd.AddCommand(failureStatusCmd("resolve", model.FailureStatusResolved))
	failuresCmd.AddCommand(failureStatusCmd("ignore", model.FailureStatusIgnored))
	rootCmd.AddCommand(failuresCmd)
}

// formatFailures writes a tabular list of failures to out.
func formatFailures(out io.Writer, failures []model.MachineFailure) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDATE\tVENUE\tMACHINE\tKIND\tSTATUS\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t----\t------\t------\t-----")

	for _, f := range failures {
		machine := f.Machine
		if f.VenueLevel() {
			machine = "(venue)"
		}
		msg := f.ErrorMessage
		if len(msg) > 50 {
			msg = msg[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID,
			f.Date,
			f.Venue,
			machine,
			f.ErrorKind,
			f.Status,
			f.FailedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

// formatFailureStats writes counts per status, largest first.
func formatFailureStats(out io.Writer, stats store.FailureStats) {
	statuses := make([]model.FailureStatus, 0, len(stats))
	for s := range stats {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		if stats[statuses[i]] != stats[statuses[j]] {
			return stats[statuses[i]] > stats[statuses[j]]
		}
		return statuses[i] < statuses[j]
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total failures:\t%d\n", stats.Total())
	for _, s := range statuses {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", s, stats[s])
	}
	_ = w.Flush()
}
