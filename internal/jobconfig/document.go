// Package jobconfig persists job definitions and run history as one versioned
// JSON document in the shared object store.
package jobconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hallsync/internal/model"
)

// CurrentVersion is the document schema written by this package.
const CurrentVersion = 2

// DefaultHistoryLimit caps the number of history entries kept.
const DefaultHistoryLimit = 100

// Document is the persisted scheduler configuration. History is newest first.
type Document struct {
	Version   int                   `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Jobs      []model.JobDefinition `json:"jobs"`
	History   []model.HistoryEntry  `json:"history"`

	etag string
}

// Job returns the job with id.
func (d *Document) Job(id string) (*model.JobDefinition, bool) {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return &d.Jobs[i], true
		}
	}
	return nil, false
}

// Validate checks every job and that ids are unique.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Jobs))
	for _, j := range d.Jobs {
		if err := j.Validate(); err != nil {
			return err
		}
		if seen[j.ID] {
			return eris.Errorf("jobconfig: duplicate job id %q", j.ID)
		}
		seen[j.ID] = true
	}
	return nil
}

func (d *Document) pushHistory(e model.HistoryEntry, limit int) {
	d.History = append([]model.HistoryEntry{e}, d.History...)
	if limit > 0 && len(d.History) > limit {
		d.History = d.History[:limit]
	}
}

// DefaultJobs is the configuration used when no document exists yet.
func DefaultJobs() []model.JobDefinition {
	return []model.JobDefinition{
		{
			ID:          "priority_extract",
			Name:        "Priority venues",
			Description: "Late-updating venues, extracted the same evening",
			Type:        model.JobTypeExtract,
			Enabled:     true,
			Schedules: []model.ScheduleRule{
				{ID: "priority_extract_daily", Kind: model.ScheduleDaily, Hour: 23, Minute: 30, Enabled: true},
			},
			DateRange: model.DateOffsets{From: 0, To: 0},
			Extract:   &model.ExtractOptions{PriorityFilter: model.FilterLate, ContinueOnError: true},
		},
		{
			ID:          "normal_extract",
			Name:        "All venues",
			Description: "Every active venue for yesterday, then refresh the mart",
			Type:        model.JobTypeExtract,
			Enabled:     true,
			Schedules: []model.ScheduleRule{
				{ID: "normal_extract_daily", Kind: model.ScheduleDaily, Hour: 0, Minute: 30, Enabled: true},
			},
			DateRange:        model.DateOffsets{From: 1, To: 1},
			Extract:          &model.ExtractOptions{ContinueOnError: true},
			RunFollowupAfter: true,
		},
		{
			ID:          "aggregate",
			Name:        "Mart refresh",
			Description: "Rebuild machine_stats for yesterday",
			Type:        model.JobTypeAggregate,
			Enabled:     true,
			Schedules: []model.ScheduleRule{
				{ID: "aggregate_daily", Kind: model.ScheduleDaily, Hour: 1, Minute: 0, Enabled: true},
			},
			DateRange: model.DateOffsets{From: 1, To: 1},
		},
	}
}

func defaultDocument(now time.Time) *Document {
	return &Document{
		Version:   CurrentVersion,
		UpdatedAt: now.UTC(),
		Jobs:      DefaultJobs(),
		History:   []model.HistoryEntry{},
	}
}

// v1 layout: one flat schedule per job with a five-field cron string.
type v1Document struct {
	Version   int          `json:"version"`
	UpdatedAt string       `json:"updatedAt"`
	Schedules []v1Schedule `json:"schedules"`
	History   []v1History  `json:"history"`
}

type v1Schedule struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	Cron             string `json:"cron"`
	Enabled          bool   `json:"enabled"`
	JobType          string `json:"jobType"`
	RunDatamartAfter bool   `json:"runDatamartAfter"`
	Options          struct {
		PrioritizeHigh  bool  `json:"prioritizeHigh"`
		ContinueOnError *bool `json:"continueOnError"`
		Force           bool  `json:"force"`
	} `json:"options"`
}

type v1History struct {
	JobID      string         `json:"jobId"`
	JobName    string         `json:"jobName"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details"`
	Manual     bool           `json:"manual"`
}

type versionProbe struct {
	Version int `json:"version"`
}

// decode parses a stored document of any known version. migrated reports
// whether the result differs in shape from what was stored.
func decode(data []byte, now time.Time) (doc *Document, migrated bool, err error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, eris.Wrap(err, "jobconfig: decode version")
	}

	switch probe.Version {
	case CurrentVersion:
		var d Document
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, false, eris.Wrap(err, "jobconfig: decode document")
		}
		if d.History == nil {
			d.History = []model.HistoryEntry{}
		}
		return &d, false, nil
	case 0, 1:
		var v1 v1Document
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, false, eris.Wrap(err, "jobconfig: decode v1 document")
		}
		return migrateV1(v1, now), true, nil
	}
	return nil, false, eris.Errorf("jobconfig: unsupported document version %d", probe.Version)
}

func migrateV1(v1 v1Document, now time.Time) *Document {
	doc := &Document{
		Version:   CurrentVersion,
		UpdatedAt: now.UTC(),
		Jobs:      make([]model.JobDefinition, 0, len(v1.Schedules)),
		History:   make([]model.HistoryEntry, 0, len(v1.History)),
	}

	for _, s := range v1.Schedules {
		rule := cronToRule(s.ID, s.Cron)
		job := model.JobDefinition{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Enabled:     s.Enabled,
			Schedules:   []model.ScheduleRule{rule},
			DateRange:   model.DateOffsets{From: 1, To: 1},
		}
		switch s.JobType {
		case "datamart", string(model.JobTypeAggregate):
			job.Type = model.JobTypeAggregate
		default:
			job.Type = model.JobTypeExtract
			opts := &model.ExtractOptions{ContinueOnError: true, Force: s.Options.Force}
			if s.Options.ContinueOnError != nil {
				opts.ContinueOnError = *s.Options.ContinueOnError
			}
			if s.Options.PrioritizeHigh {
				opts.PriorityFilter = string(model.PriorityHigh)
			}
			job.Extract = opts
			job.RunFollowupAfter = s.RunDatamartAfter
		}
		doc.Jobs = append(doc.Jobs, job)
	}

	// v1 history is oldest first.
	for i := len(v1.History) - 1; i >= 0; i-- {
		h := v1.History[i]
		entry := model.HistoryEntry{
			ID:           fmt.Sprintf("v1-%d", i),
			JobID:        h.JobID,
			ScheduleName: h.JobName,
			StartedAt:    h.StartedAt,
			FinishedAt:   h.FinishedAt,
			Status:       model.HistoryStatus(h.Status),
			Message:      h.Message,
			Details:      h.Details,
			Manual:       h.Manual,
		}
		if j, ok := doc.Job(h.JobID); ok {
			entry.JobType = j.Type
		}
		doc.History = append(doc.History, entry)
	}
	return doc
}

// cronToRule converts the two v1 cron shapes this system ever wrote. Anything
// else becomes a disabled midnight rule so that it is visible but inert.
func cronToRule(id, expr string) model.ScheduleRule {
	rule := model.ScheduleRule{ID: id + "_rule", Kind: model.ScheduleDaily}
	fields := strings.Fields(expr)
	if len(fields) != 5 || fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
		return rule
	}

	minute, mErr := strconv.Atoi(fields[0])
	if strings.HasPrefix(fields[1], "*/") {
		n, err := strconv.Atoi(strings.TrimPrefix(fields[1], "*/"))
		if err != nil || mErr != nil || minute != 0 || n < 1 || n > 23 {
			return rule
		}
		rule.Kind = model.ScheduleInterval
		rule.IntervalHours = n
		rule.Enabled = true
		return rule
	}

	hour, hErr := strconv.Atoi(fields[1])
	if mErr != nil || hErr != nil || minute < 0 || minute > 59 || hour < 0 || hour > 23 {
		return rule
	}
	rule.Hour = hour
	rule.Minute = minute
	rule.Enabled = true
	return rule
}
