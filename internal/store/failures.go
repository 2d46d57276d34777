package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hallsync/internal/model"
)

// ErrFailureNotFound is returned when a failure id does not exist.
var ErrFailureNotFound = errors.New("store: failure not found")

const failureColumns = `id, date, venue, venue_code, machine, machine_url, error_kind,
	error_message, failed_at, status, resolved_at, resolved_method`

// AddFailure records a failure. A pending record for the same date, venue and
// machine is updated in place instead of duplicated. An empty machine is a
// venue-level failure and matches only other venue-level records.
func (s *SQLiteStore) AddFailure(ctx context.Context, f model.MachineFailure) (string, error) {
	if f.FailedAt.IsZero() {
		f.FailedAt = s.now()
	}
	if f.ErrorKind == "" {
		f.ErrorKind = model.ErrorKindUnknown
	}
	machine := nullString(f.Machine)

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM scrape_failures
		 WHERE date = ? AND venue = ? AND status = 'pending'
		   AND ((machine IS NULL AND ? IS NULL) OR machine = ?)
		 LIMIT 1`,
		f.Date, f.Venue, machine, machine,
	).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.New().String()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO scrape_failures (id, date, venue, venue_code, machine, machine_url,
				error_kind, error_message, failed_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
			id, f.Date, f.Venue, f.VenueCode, machine, f.MachineURL,
			string(f.ErrorKind), f.ErrorMessage, f.FailedAt,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: insert failure %s %s", f.Date, f.Venue)
		}
	case err != nil:
		return "", eris.Wrapf(err, "sqlite: find pending failure %s %s", f.Date, f.Venue)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE scrape_failures SET error_kind = ?, error_message = ?, failed_at = ?, machine_url = ?
			 WHERE id = ?`,
			string(f.ErrorKind), f.ErrorMessage, f.FailedAt, f.MachineURL, id,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: update failure %s", id)
		}
	}
	return id, nil
}

// ResolveVenueFailures resolves pending venue-level failures for a unit.
func (s *SQLiteStore) ResolveVenueFailures(ctx context.Context, date, venue, method string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_failures SET status = 'resolved', resolved_at = ?, resolved_method = ?
		 WHERE date = ? AND venue = ? AND machine IS NULL AND status = 'pending'`,
		s.now(), method, date, venue,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: resolve venue failures %s %s", date, venue)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetFailureStatus moves a failure to status. Resolved failures record method.
func (s *SQLiteStore) SetFailureStatus(ctx context.Context, id string, status model.FailureStatus, method string) error {
	var resolvedAt any
	if status != model.FailureStatusPending {
		resolvedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_failures SET status = ?, resolved_at = ?, resolved_method = ? WHERE id = ?`,
		string(status), resolvedAt, method, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set failure status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: failure rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrFailureNotFound, "sqlite: failure %s", id)
	}
	return nil
}

// ListFailures returns failures matching filter, newest first.
func (s *SQLiteStore) ListFailures(ctx context.Context, filter FailureFilter) ([]model.MachineFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM scrape_failures WHERE 1=1`
	var args []any

	if filter.StartDate != "" {
		query += ` AND date >= ?`
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		query += ` AND date <= ?`
		args = append(args, filter.EndDate)
	}
	if filter.Venue != "" {
		query += ` AND venue = ?`
		args = append(args, filter.Venue)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY failed_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MachineFailure
	for rows.Next() {
		var (
			f          model.MachineFailure
			machine    sql.NullString
			kind       string
			status     string
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&f.ID, &f.Date, &f.Venue, &f.VenueCode, &machine, &f.MachineURL, &kind,
			&f.ErrorMessage, &f.FailedAt, &status, &resolvedAt, &f.ResolvedMethod); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		f.Machine = machine.String
		f.ErrorKind = model.ErrorKind(kind)
		f.Status = model.FailureStatus(status)
		if resolvedAt.Valid {
			t := resolvedAt.Time
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

// FailureStats counts failures by status.
func (s *SQLiteStore) FailureStats(ctx context.Context) (FailureStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scrape_failures GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: failure stats")
	}
	defer rows.Close() //nolint:errcheck

	stats := FailureStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure stats")
		}
		stats[model.FailureStatus(status)] = n
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: failure stats iterate")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
