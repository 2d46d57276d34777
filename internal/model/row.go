package model

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// StagingRow is one machine's daily record for a venue.
type StagingRow struct {
	ID            string    `json:"id"`
	Date          string    `json:"date"`
	Venue         string    `json:"venue"`
	Machine       string    `json:"machine"`
	MachineNumber int       `json:"machine_number"`
	Diff          int       `json:"diff"`
	Games         int       `json:"games"`
	Big           int       `json:"big"`
	Reg           int       `json:"reg"`
	CombinedRate  string    `json:"combined_rate"`
	MaxSwing      int       `json:"max_swing"`
	MaxDrawdown   int       `json:"max_drawdown"`
	Win           bool      `json:"win"`
	Source        string    `json:"source"`
	InsertedAt    time.Time `json:"inserted_at"`
}

// RowID builds the deterministic identifier for a machine's daily record.
func RowID(date, venue string, machineNumber int, source string) string {
	return fmt.Sprintf("%s_%s_%d_%s", date, venue, machineNumber, source)
}

// Normalize fills the derived ID and Win fields.
func (r *StagingRow) Normalize() {
	r.ID = RowID(r.Date, r.Venue, r.MachineNumber, r.Source)
	r.Win = r.Diff > 0
}

// Validate checks that a row is loadable.
func (r StagingRow) Validate() error {
	switch {
	case r.ID == "":
		return eris.New("model: row id is required")
	case r.Date == "":
		return eris.Errorf("model: row %s has no date", r.ID)
	case r.Venue == "":
		return eris.Errorf("model: row %s has no venue", r.ID)
	case r.Source == "":
		return eris.Errorf("model: row %s has no source", r.ID)
	case r.Games < 0:
		return eris.Errorf("model: row %s has negative games", r.ID)
	}
	if _, err := ParseDate(r.Date); err != nil {
		return err
	}
	return nil
}

// RowsForMachine returns the rows belonging to machine.
func RowsForMachine(rows []StagingRow, machine string) []StagingRow {
	var out []StagingRow
	for _, r := range rows {
		if r.Machine == machine {
			out = append(out, r)
		}
	}
	return out
}
