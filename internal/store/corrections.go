package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hallsync/internal/model"
)

const correctionColumns = `id, failure_id, date, venue, machine, machine_number, diff, games, big, reg,
	combined_rate, max_swing, max_drawdown, win, source, notes, corrected_at`

// AddCorrections saves manual corrections. A correction replaces any earlier
// correction for the same row id. Corrections that name a failure resolve it.
func (s *SQLiteStore) AddCorrections(ctx context.Context, corrections []model.CorrectionRow) (int64, error) {
	if len(corrections) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin corrections tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO manual_corrections (`+correctionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare corrections insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.now()
	var written int64
	for _, c := range corrections {
		c.Normalize()
		if err := c.Validate(); err != nil {
			return 0, eris.Wrap(err, "sqlite: invalid correction")
		}
		if c.CorrectedAt.IsZero() {
			c.CorrectedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.FailureID, c.Date, c.Venue, c.Machine, c.MachineNumber, c.Diff, c.Games, c.Big, c.Reg,
			c.CombinedRate, c.MaxSwing, c.MaxDrawdown, c.Win, c.Source, c.Notes, c.CorrectedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: write correction %s", c.ID)
		}
		written++

		if c.FailureID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE scrape_failures SET status = 'resolved', resolved_at = ?, resolved_method = ?
				 WHERE id = ? AND status = 'pending'`,
				now, model.ResolvedManual, c.FailureID,
			); err != nil {
				return 0, eris.Wrapf(err, "sqlite: resolve failure %s", c.FailureID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit corrections")
	}
	return written, nil
}

// GetMachineCorrections returns the corrections for one machine model on one unit.
func (s *SQLiteStore) GetMachineCorrections(ctx context.Context, date, venue, machine, source string) ([]model.CorrectionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+correctionColumns+` FROM manual_corrections
		 WHERE date = ? AND venue = ? AND machine = ? AND source = ?
		 ORDER BY machine_number`,
		date, venue, machine, source,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: machine corrections %s %s %s", date, venue, machine)
	}
	return scanCorrections(rows)
}

// ListCorrections returns every correction for a unit.
func (s *SQLiteStore) ListCorrections(ctx context.Context, date, venue string) ([]model.CorrectionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+correctionColumns+` FROM manual_corrections WHERE date = ? AND venue = ? ORDER BY machine, machine_number`,
		date, venue,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list corrections %s %s", date, venue)
	}
	return scanCorrections(rows)
}

// DeleteCorrection removes a single correction.
func (s *SQLiteStore) DeleteCorrection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM manual_corrections WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete correction %s", id)
}

func scanCorrections(rows *sql.Rows) ([]model.CorrectionRow, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.CorrectionRow
	for rows.Next() {
		var c model.CorrectionRow
		if err := rows.Scan(
			&c.ID, &c.FailureID, &c.Date, &c.Venue, &c.Machine, &c.MachineNumber, &c.Diff, &c.Games, &c.Big, &c.Reg,
			&c.CombinedRate, &c.MaxSwing, &c.MaxDrawdown, &c.Win, &c.Source, &c.Notes, &c.CorrectedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan correction")
		}
		c.InsertedAt = c.CorrectedAt
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: corrections iterate")
}
