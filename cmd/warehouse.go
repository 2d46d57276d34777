package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/warehouse"
)

var warehouseCmd = &cobra.Command{
	Use:   "warehouse",
	Short: "Maintain the analytical warehouse",
}

// -- warehouse migrate --

var warehouseMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade warehouse tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, wh, err := initWarehouse(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := wh.Migrate(ctx); err != nil {
			return eris.Wrap(err, "warehouse migrate")
		}
		zap.L().Info("warehouse migrations complete")
		return nil
	},
}

// -- warehouse aggregate --

var warehouseAggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Refresh the per-machine stats mart",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		date, _ := cmd.Flags().GetString("date")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")

		loc, err := cfg.Scheduler.Location()
		if err != nil {
			return err
		}
		dates, err := resolveDates(date, from, to, time.Now(), loc)
		if err != nil {
			return err
		}

		pool, wh, err := initWarehouse(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		var total int64
		for _, d := range dates {
			res, err := wh.RunAggregation(ctx, d)
			if err != nil {
				return eris.Wrapf(err, "warehouse aggregate %s", d)
			}
			total += res.RowCount
			fmt.Fprintf(os.Stderr, "%s: %d rows (job %s)\n", d, res.RowCount, res.JobID)
		}
		fmt.Fprintf(os.Stderr, "Aggregated %d rows over %d dates.\n", total, len(dates))
		return nil
	},
}

// -- warehouse sync --

var warehouseSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replace a whole date in the warehouse with the staged rows",
	Long: "Reloads every staged row for the date into the warehouse, replacing the date's " +
		"partition. Use after manual staging repairs; no extraction is performed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		date, _ := cmd.Flags().GetString("date")
		if date == "" {
			return eris.New("warehouse sync: --date is required")
		}

		env, err := initSync(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Reconciler.SyncDate(ctx, date)
		if err != nil {
			return eris.Wrap(err, "warehouse sync")
		}
		fmt.Fprintf(os.Stderr, "Loaded %d rows for %s.\n", n, date)
		return nil
	},
}

// -- warehouse runs --

var warehouseRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent aggregation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		pool, wh, err := initWarehouse(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		runs, err := wh.RecentRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "warehouse runs")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No aggregation runs found.")
			return nil
		}
		formatAggregationRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	warehouseAggregateCmd.Flags().String("date", "", "single target date (default yesterday)")
	warehouseAggregateCmd.Flags().String("from", "", "first date of an inclusive range")
	warehouseAggregateCmd.Flags().String("to", "", "last date of the range (defaults to --from)")
	warehouseAggregateCmd.MarkFlagsMutuallyExclusive("date", "from")

	warehouseSyncCmd.Flags().String("date", "", "date to reload (YYYY-MM-DD)")
	warehouseRunsCmd.Flags().Int("limit", 20, "max number of runs to display")

	warehouseCmd.AddCommand(warehouseMigrateCmd)
	warehouseCmd.AddCommand(warehouseAggregateCmd)
	warehouseCmd.AddCommand(warehouseSyncCmd)
	warehouseCmd.AddCommand(warehouseRunsCmd)
	rootCmd.AddCommand(warehouseCmd)
}

// formatAggregationRuns writes a tabular list of aggregation runs to out.
func formatAggregationRuns(out io.Writer, runs []warehouse.AggregationRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tDATE\tSTATUS\tROWS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "---\t----\t------\t----\t-------\t--------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.JobID,
			r.TargetDate.Format("2006-01-02"),
			r.Status,
			r.RowCount,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.Error,
		)
	}
	_ = w.Flush()
}
