package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/lock"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Extract, repair and sync venues for a date range",
	Long: "Runs the reconciler over every (date, venue) unit. Units whose staged machine count " +
		"already matches the source are skipped unless --force is set. The run holds the " +
		"cross-process lock unless --no-lock is given.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		date, _ := cmd.Flags().GetString("date")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		venueKeys, _ := cmd.Flags().GetStringSlice("venue")
		priority, _ := cmd.Flags().GetString("priority")
		force, _ := cmd.Flags().GetBool("force")
		continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
		noLock, _ := cmd.Flags().GetBool("no-lock")

		loc, err := cfg.Scheduler.Location()
		if err != nil {
			return err
		}
		dates, err := resolveDates(date, from, to, time.Now(), loc)
		if err != nil {
			return err
		}
		venues, err := pickVenues(cfg.Venues, venueKeys)
		if err != nil {
			return err
		}

		env, err := initReconcile(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		req := reconcile.Request{
			Dates:  dates,
			Venues: venues,
			Options: model.ExtractOptions{
				PriorityFilter:  priority,
				ContinueOnError: continueOnError,
				Force:           force,
			},
		}
		obs := reconcile.ObserverFunc(func(p reconcile.Progress) {
			_, _ = fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", p.Completed, p.Total, p.Message)
		})

		var res *reconcile.Result
		run := func(ctx context.Context) error {
			var runErr error
			res, runErr = env.Reconciler.Run(ctx, req, obs)
			return runErr
		}

		if noLock {
			err = run(ctx)
		} else {
			objs, oerr := initObjects(ctx)
			if oerr != nil {
				return oerr
			}
			err = newMutex(objs, "manual").WithLock(ctx, run)
			if errors.Is(err, lock.ErrNotAcquired) {
				return eris.Wrap(err, "reconcile: another run holds the lock")
			}
		}

		if res != nil {
			formatReconcileResult(os.Stdout, res)
		}
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		if len(res.Failed) > 0 {
			return eris.Errorf("reconcile: %d of %d units failed", len(res.Failed), res.Total())
		}
		zap.L().Info("reconcile complete", zap.String("summary", res.Summary()))
		return nil
	},
}

func init() {
	reconcileCmd.Flags().String("date", "", "single target date (YYYY-MM-DD)")
	reconcileCmd.Flags().String("from", "", "first date of an inclusive range (YYYY-MM-DD)")
	reconcileCmd.Flags().String("to", "", "last date of the range (defaults to --from)")
	reconcileCmd.Flags().StringSlice("venue", nil, "restrict to venues by code or name (repeatable)")
	reconcileCmd.Flags().String("priority", "", "priority filter: high, normal, low or late")
	reconcileCmd.Flags().Bool("force", false, "re-extract and resync even when counts match")
	reconcileCmd.Flags().Bool("continue-on-error", true, "keep going after a unit fails")
	reconcileCmd.Flags().Bool("no-lock", false, "run without the cross-process lock")
	reconcileCmd.MarkFlagsMutuallyExclusive("date", "from")

	rootCmd.AddCommand(reconcileCmd)
}

// resolveDates turns the date flags into an ascending list. With no flags the
// target is yesterday in loc.
func resolveDates(date, from, to string, now time.Time, loc *time.Location) ([]string, error) {
	switch {
	case date != "":
		if _, err := model.ParseDate(date); err != nil {
			return nil, err
		}
		return []string{date}, nil
	case from != "":
		if to == "" {
			to = from
		}
		return model.DateRange(from, to)
	case to != "":
		return nil, eris.New("--to requires --from")
	}
	return []string{model.DaysAgo(now, loc, 1)}, nil
}

// pickVenues narrows venues to the given codes or names. No keys keeps all.
func pickVenues(venues []model.Venue, keys []string) ([]model.Venue, error) {
	if len(keys) == 0 {
		return venues, nil
	}
	out := make([]model.Venue, 0, len(keys))
	for _, k := range keys {
		v, ok := model.FindVenue(venues, strings.TrimSpace(k))
		if !ok {
			return nil, eris.Errorf("unknown venue %q", k)
		}
		out = append(out, v)
	}
	return out, nil
}

// formatReconcileResult writes one line per unit and the bucket totals.
func formatReconcileResult(out io.Writer, res *reconcile.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATE\tVENUE\tOUTCOME\tROWS\tRESTORED\tCORRECTED\tLOGGED\tSYNCED\tDETAIL")
	_, _ = fmt.Fprintln(w, "----\t-----\t-------\t----\t--------\t---------\t------\t------\t------")

	write := func(outcome string, units []reconcile.UnitResult) {
		for _, u := range units {
			detail := u.Reason
			if u.Error != "" {
				detail = string(u.ErrorKind) + ": " + u.Error
			}
			if len(detail) > 60 {
				detail = detail[:57] + "..."
			}
			synced := ""
			if u.Synced {
				synced = fmt.Sprintf("%d", u.RowsWritten)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
				u.Unit.Date, u.Unit.Venue.Name, outcome,
				u.Extracted, u.Restored, u.Corrected, u.Logged, synced, detail,
			)
		}
	}
	write("success", res.Success)
	write("skipped", res.Skipped)
	write("failed", res.Failed)
	_ = w.Flush()

	_, _ = fmt.Fprintln(out, res.Summary())
}
