package model

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// JobType selects what a job runs.
type JobType string

const (
	JobTypeExtract   JobType = "extract"
	JobTypeAggregate JobType = "aggregate"
)

// ScheduleKind selects how a rule fires.
type ScheduleKind string

const (
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleInterval ScheduleKind = "interval"
)

// HistoryStatus is the outcome recorded for a job execution.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
	HistorySkipped HistoryStatus = "skipped"
)

// ExtractOptions only exist on extract jobs.
type ExtractOptions struct {
	PriorityFilter  string `json:"priority_filter,omitempty"`
	ContinueOnError bool   `json:"continue_on_error"`
	Force           bool   `json:"force,omitempty"`
}

// DateOffsets select target dates as days before today. From is the oldest.
type DateOffsets struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Dates returns the target dates in ascending order.
func (o DateOffsets) Dates(now time.Time, loc *time.Location) []string {
	var dates []string
	for i := o.From; i >= o.To; i-- {
		dates = append(dates, DaysAgo(now, loc, i))
	}
	return dates
}

// ScheduleRule is one trigger of a job.
type ScheduleRule struct {
	ID            string       `json:"id"`
	Kind          ScheduleKind `json:"kind"`
	Hour          int          `json:"hour,omitempty"`
	Minute        int          `json:"minute,omitempty"`
	IntervalHours int          `json:"interval_hours,omitempty"`
	Enabled       bool         `json:"enabled"`
}

// CronSpec renders the rule as a six-field cron expression with seconds.
func (r ScheduleRule) CronSpec() (string, error) {
	switch r.Kind {
	case ScheduleDaily:
		if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
			return "", eris.Errorf("model: rule %s has invalid time %02d:%02d", r.ID, r.Hour, r.Minute)
		}
		return fmt.Sprintf("0 %d %d * * *", r.Minute, r.Hour), nil
	case ScheduleInterval:
		if r.IntervalHours < 1 || r.IntervalHours > 23 {
			return "", eris.Errorf("model: rule %s has invalid interval %d", r.ID, r.IntervalHours)
		}
		return fmt.Sprintf("0 0 */%d * * *", r.IntervalHours), nil
	}
	return "", eris.Errorf("model: rule %s has unknown kind %q", r.ID, r.Kind)
}

// Describe renders the rule for humans.
func (r ScheduleRule) Describe() string {
	if r.Kind == ScheduleInterval {
		return fmt.Sprintf("every %dh", r.IntervalHours)
	}
	return fmt.Sprintf("daily %02d:%02d", r.Hour, r.Minute)
}

// JobDefinition describes a scheduled job. Extract options are present only on extract jobs.
type JobDefinition struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Type             JobType         `json:"job_type"`
	Enabled          bool            `json:"enabled"`
	Schedules        []ScheduleRule  `json:"schedules"`
	DateRange        DateOffsets     `json:"date_range"`
	Extract          *ExtractOptions `json:"extract,omitempty"`
	RunFollowupAfter bool            `json:"run_followup_after,omitempty"`
}

// ExtractOptions returns the extract options or their zero value.
func (j JobDefinition) ExtractOptions() ExtractOptions {
	if j.Extract == nil {
		return ExtractOptions{}
	}
	return *j.Extract
}

// Validate checks the job's shape.
func (j JobDefinition) Validate() error {
	if j.ID == "" {
		return eris.New("model: job id is required")
	}
	switch j.Type {
	case JobTypeExtract:
	case JobTypeAggregate:
		if j.Extract != nil {
			return eris.Errorf("model: aggregate job %s cannot carry extract options", j.ID)
		}
		if j.RunFollowupAfter {
			return eris.Errorf("model: aggregate job %s cannot run a follow-up", j.ID)
		}
	default:
		return eris.Errorf("model: job %s has unknown type %q", j.ID, j.Type)
	}
	if j.DateRange.To < 0 || j.DateRange.From < j.DateRange.To {
		return eris.Errorf("model: job %s has invalid date range %d..%d", j.ID, j.DateRange.From, j.DateRange.To)
	}
	for _, r := range j.Schedules {
		if _, err := r.CronSpec(); err != nil {
			return err
		}
	}
	return nil
}

// HistoryEntry records one job execution.
type HistoryEntry struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	ScheduleID   string         `json:"schedule_id,omitempty"`
	ScheduleName string         `json:"schedule_name"`
	JobType      JobType        `json:"job_type"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Status       HistoryStatus  `json:"status"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Manual       bool           `json:"manual,omitempty"`
}

// Duration is the elapsed execution time.
func (h HistoryEntry) Duration() time.Duration {
	return h.FinishedAt.Sub(h.StartedAt)
}
