// Package store persists staging rows, failure records and manual corrections
// in a local SQLite database.
package store

import (
	"github.com/sells-group/hallsync/internal/model"
)

// FailureFilter specifies criteria for listing failures.
type FailureFilter struct {
	StartDate string              `json:"start_date,omitempty"`
	EndDate   string              `json:"end_date,omitempty"`
	Venue     string              `json:"venue,omitempty"`
	Status    model.FailureStatus `json:"status,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
}

// FailureStats counts failures by status.
type FailureStats map[model.FailureStatus]int

// Total sums all statuses.
func (s FailureStats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}
