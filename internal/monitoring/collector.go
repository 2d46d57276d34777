// Package monitoring watches job outcomes and the failure log and sends
// webhook alerts when they cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/store"
)

// historyScanLimit bounds the job history read per collection.
const historyScanLimit = 500

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsSucceeded int     `json:"jobs_succeeded"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsSkipped   int     `json:"jobs_skipped"`
	JobFailRate   float64 `json:"job_fail_rate"`
	LastFailedJob string  `json:"last_failed_job,omitempty"`

	// Failure log.
	PendingFailures int      `json:"pending_failures"`
	VenueFailures   int      `json:"venue_failures"`
	FailedVenues    []string `json:"failed_venues,omitempty"`

	// Lock.
	LockHeld    bool   `json:"lock_held"`
	LockExpired bool   `json:"lock_expired"`
	LockHolder  string `json:"lock_holder,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HistorySource reads job execution history, newest first.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]model.HistoryEntry, error)
}

// FailureSource reads the failure log.
type FailureSource interface {
	ListFailures(ctx context.Context, filter store.FailureFilter) ([]model.MachineFailure, error)
	FailureStats(ctx context.Context) (store.FailureStats, error)
}

// LockSource reports the cross-process lock holder.
type LockSource interface {
	Status(ctx context.Context) (*model.LockInfo, error)
}

// Collector gathers a snapshot from job history, the failure log and the lock.
type Collector struct {
	history  HistorySource
	failures FailureSource
	lock     LockSource
	now      func() time.Time
}

// NewCollector creates a new collector. Any source may be nil.
func NewCollector(history HistorySource, failures FailureSource, lock LockSource) *Collector {
	return &Collector{history: history, failures: failures, lock: lock, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	if c.history != nil {
		entries, err := c.history.History(ctx, historyScanLimit)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: job history")
		}
		for _, e := range entries {
			if e.StartedAt.Before(cutoff) {
				continue
			}
			snap.JobsTotal++
			switch e.Status {
			case model.HistorySuccess:
				snap.JobsSucceeded++
			case model.HistoryFailed:
				snap.JobsFailed++
				if snap.LastFailedJob == "" {
					snap.LastFailedJob = e.JobID
				}
			case model.HistorySkipped:
				snap.JobsSkipped++
			}
		}
		if finished := snap.JobsSucceeded + snap.JobsFailed; finished > 0 {
			snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
		}
	}

	if c.failures != nil {
		stats, err := c.failures.FailureStats(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: failure stats")
		}
		snap.PendingFailures = stats[model.FailureStatusPending]

		pending, err := c.failures.ListFailures(ctx, store.FailureFilter{Status: model.FailureStatusPending})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list failures")
		}
		seen := map[string]bool{}
		for _, f := range pending {
			if !f.VenueLevel() || f.FailedAt.Before(cutoff) {
				continue
			}
			snap.VenueFailures++
			if !seen[f.Venue] {
				seen[f.Venue] = true
				snap.FailedVenues = append(snap.FailedVenues, f.Venue)
			}
		}
	}

	if c.lock != nil {
		info, err := c.lock.Status(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: lock status")
		}
		if info != nil {
			snap.LockHeld = true
			snap.LockExpired = info.IsExpired
			snap.LockHolder = info.Environment
		}
	}

	return snap, nil
}
