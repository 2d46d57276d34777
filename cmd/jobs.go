package main

import (
	"context"
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
	"gopkg.in/yaml.v3"

	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled job definitions and history",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job definitions with their next run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		asYAML, _ := cmd.Flags().GetBool("yaml")

		objs, err := initObjects(ctx)
		if err != nil {
			return err
		}
		doc, err := newJobRepo(objs).Load(ctx)
		if err != nil {
			return err
		}
		loc, err := cfg.Scheduler.Location()
		if err != nil {
			return err
		}

		sched := scheduler.New(nil, nil, nil, nil, scheduler.Config{Location: loc})
		if err := sched.RegisterAll(doc.Jobs); err != nil {
			return err
		}
		next := sched.NextRuns(time.Now())

		if asYAML {
			return writeJobsYAML(os.Stdout, doc.Jobs, next)
		}
		formatJobsList(os.Stdout, doc.Jobs, next, loc)
		return nil
	},
}

// -- jobs run --

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a job now in this process and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sched, closeFn, err := initManualScheduler(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		entry, err := sched.RunManually(ctx, args[0])
		if entry.ID != "" {
			formatHistory(os.Stdout, []model.HistoryEntry{entry})
		}
		if err != nil {
			return eris.Wrap(err, "jobs run")
		}
		return nil
	},
}

// -- jobs history --

var jobsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent job executions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")

		objs, err := initObjects(ctx)
		if err != nil {
			return err
		}
		entries, err := newJobRepo(objs).History(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "jobs history")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No job history.")
			return nil
		}
		formatHistory(os.Stdout, entries)
		return nil
	},
}

// -- jobs enable / disable --

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			objs, err := initObjects(ctx)
			if err != nil {
				return err
			}
			job, err := newJobRepo(objs).SetEnabled(ctx, args[0], enabled)
			if err != nil {
				return eris.Wrapf(err, "jobs %s", use)
			}
			fmt.Fprintf(os.Stderr, "Job %s enabled=%t. A running daemon picks this up on POST /jobs/reload.\n", job.ID, job.Enabled)
			return nil
		},
	}
}

func init() {
	jobsListCmd.Flags().Bool("yaml", false, "print definitions as YAML")
	jobsHistoryCmd.Flags().Int("limit", 20, "max number of entries to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsHistoryCmd)
	jobsCmd.AddCommand(setEnabledCmd("enable", true))
	jobsCmd.AddCommand(setEnabledCmd("disable", false))
	rootCmd.AddCommand(jobsCmd)
}

// initManualScheduler wires a scheduler that is never started, for one-off runs.
func initManualScheduler(ctx context.Context) (*scheduler.Scheduler, func(), error) {
	if err := cfg.Validate("scheduler"); err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, nil, err
	}
	env, err := initReconcile(ctx, "scheduler")
	if err != nil {
		return nil, nil, err
	}
	objs, err := initObjects(ctx)
	if err != nil {
		env.Close()
		return nil, nil, err
	}
	sched := scheduler.New(env.Reconciler, env.Warehouse, newMutex(objs, "manual"), newJobRepo(objs), scheduler.Config{
		Location: loc,
		Venues:   cfg.Venues,
	})
	return sched, env.Close, nil
}

func describeSchedules(rules []model.ScheduleRule) string {
	var parts []string
	for _, r := range rules {
		d := r.Describe()
		if !r.Enabled {
			d += " (off)"
		}
		parts = append(parts, d)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

// formatJobsList writes a tabular list of jobs to out.
func formatJobsList(out io.Writer, jobs []model.JobDefinition, next map[string]time.Time, loc *time.Location) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tENABLED\tSCHEDULES\tDATES\tOPTIONS\tNEXT RUN")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t---------\t-----\t-------\t--------")

	for _, j := range jobs {
		var opts []string
		if j.Extract != nil {
			if j.Extract.PriorityFilter != "" {
				opts = append(opts, "priority="+j.Extract.PriorityFilter)
			}
			if j.Extract.ContinueOnError {
				opts = append(opts, "continue")
			}
			if j.Extract.Force {
				opts = append(opts, "force")
			}
		}
		if j.RunFollowupAfter {
			opts = append(opts, "followup")
		}
		nextRun := "-"
		if t, ok := next[j.ID]; ok {
			nextRun = t.In(loc).Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t-%d..-%d\t%s\t%s\n",
			j.ID,
			j.Type,
			j.Enabled,
			describeSchedules(j.Schedules),
			j.DateRange.From, j.DateRange.To,
			strings.Join(opts, ","),
			nextRun,
		)
	}
	_ = w.Flush()
}

type ruleView struct {
	ID            string `yaml:"id"`
	Kind          string `yaml:"kind"`
	Hour          int    `yaml:"hour,omitempty"`
	Minute        int    `yaml:"minute,omitempty"`
	IntervalHours int    `yaml:"interval_hours,omitempty"`
	Enabled       bool   `yaml:"enabled"`
}

type extractView struct {
	PriorityFilter  string `yaml:"priority_filter,omitempty"`
	ContinueOnError bool   `yaml:"continue_on_error"`
	Force           bool   `yaml:"force,omitempty"`
}

type jobView struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description,omitempty"`
	Type             string         `yaml:"job_type"`
	Enabled          bool           `yaml:"enabled"`
	Schedules        []ruleView     `yaml:"schedules"`
	DateRange        map[string]int `yaml:"date_range"`
	Extract          *extractView   `yaml:"extract,omitempty"`
	RunFollowupAfter bool           `yaml:"run_followup_after,omitempty"`
	NextRun          string         `yaml:"next_run,omitempty"`
}

// writeJobsYAML renders definitions with their next fire time.
func writeJobsYAML(out io.Writer, jobs []model.JobDefinition, next map[string]time.Time) error {
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		v := jobView{
			ID:               j.ID,
			Name:             j.Name,
			Description:      j.Description,
			Type:             string(j.Type),
			Enabled:          j.Enabled,
			DateRange:        map[string]int{"from": j.DateRange.From, "to": j.DateRange.To},
			RunFollowupAfter: j.RunFollowupAfter,
		}
		if o := j.Extract; o != nil {
			v.Extract = &extractView{PriorityFilter: o.PriorityFilter, ContinueOnError: o.ContinueOnError, Force: o.Force}
		}
		for _, r := range j.Schedules {
			v.Schedules = append(v.Schedules, ruleView{
				ID: r.ID, Kind: string(r.Kind), Hour: r.Hour, Minute: r.Minute,
				IntervalHours: r.IntervalHours, Enabled: r.Enabled,
			})
		}
		if t, ok := next[j.ID]; ok {
			v.NextRun = t.Format(time.RFC3339)
		}
		views = append(views, v)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"jobs": views}); err != nil {
		return err
	}
	return enc.Close()
}

// formatHistory writes a tabular list of history entries to out.
func formatHistory(out io.Writer, entries []model.HistoryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tSCHEDULE\tSTATUS\tSTARTED\tDURATION\tMESSAGE")
	_, _ = fmt.Fprintln(w, "--\t---\t--------\t------\t-------\t--------\t-------")

	for _, e := range entries {
		schedule := e.ScheduleName
		if e.Manual {
			schedule = "manual"
		}
		msg := e.Message
		if len(msg) > 70 {
			msg = msg[:67] + "..."
		}
		dur := "-"
		if !e.FinishedAt.IsZero() {
			dur = e.Duration().Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.JobID,
			schedule,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			msg,
		)
	}
	_ = w.Flush()
}
