// Package extract turns a (date, venue) pair into staging rows by reading the
// venue's machine pages from the data source.
package extract

import (
	"context"

	"github.com/sells-group/hallsync/internal/model"
)

// Machine is one machine model listed on a venue's daily page.
type Machine struct {
	Name    string `json:"name"`
	Encoded string `json:"encoded"`
}

// MachineList is the cheap probe result used to decide whether a unit changed.
type MachineList struct {
	Count    int       `json:"count"`
	Machines []Machine `json:"machines"`
}

// Result holds the rows extracted for a unit and the machines that failed.
// A machine failure never fails the whole unit.
type Result struct {
	Rows     []model.StagingRow     `json:"rows"`
	Failures []model.MachineFailure `json:"failures"`
}

// Extractor reads a venue's data for one date.
type Extractor interface {
	ListMachines(ctx context.Context, date string, venue model.Venue) (*MachineList, error)
	Extract(ctx context.Context, date string, venue model.Venue) (*Result, error)
}
