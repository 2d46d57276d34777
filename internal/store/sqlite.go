package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/hallsync/internal/model"
)

// SQLiteStore is the local staging store backed by modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scraped_data (
	id             TEXT PRIMARY KEY,
	date           TEXT NOT NULL,
	venue          TEXT NOT NULL,
	machine        TEXT NOT NULL,
	machine_number INTEGER NOT NULL,
	diff           INTEGER NOT NULL DEFAULT 0,
	games          INTEGER NOT NULL DEFAULT 0,
	big            INTEGER NOT NULL DEFAULT 0,
	reg            INTEGER NOT NULL DEFAULT 0,
	combined_rate  TEXT NOT NULL DEFAULT '',
	max_swing      INTEGER NOT NULL DEFAULT 0,
	max_drawdown   INTEGER NOT NULL DEFAULT 0,
	win            INTEGER NOT NULL DEFAULT 0,
	source         TEXT NOT NULL,
	inserted_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scraped_data_date_venue ON scraped_data(date, venue);
CREATE INDEX IF NOT EXISTS idx_scraped_data_machine ON scraped_data(date, venue, machine);

CREATE TABLE IF NOT EXISTS scrape_failures (
	id              TEXT PRIMARY KEY,
	date            TEXT NOT NULL,
	venue           TEXT NOT NULL,
	venue_code      TEXT NOT NULL DEFAULT '',
	machine         TEXT,
	machine_url     TEXT NOT NULL DEFAULT '',
	error_kind      TEXT NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	failed_at       DATETIME NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	resolved_at     DATETIME,
	resolved_method TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_scrape_failures_unit ON scrape_failures(date, venue);
CREATE INDEX IF NOT EXISTS idx_scrape_failures_status ON scrape_failures(status);

CREATE TABLE IF NOT EXISTS manual_corrections (
	id             TEXT PRIMARY KEY,
	failure_id     TEXT NOT NULL DEFAULT '',
	date           TEXT NOT NULL,
	venue          TEXT NOT NULL,
	machine        TEXT NOT NULL,
	machine_number INTEGER NOT NULL,
	diff           INTEGER NOT NULL DEFAULT 0,
	games          INTEGER NOT NULL DEFAULT 0,
	big            INTEGER NOT NULL DEFAULT 0,
	reg            INTEGER NOT NULL DEFAULT 0,
	combined_rate  TEXT NOT NULL DEFAULT '',
	max_swing      INTEGER NOT NULL DEFAULT 0,
	max_drawdown   INTEGER NOT NULL DEFAULT 0,
	win            INTEGER NOT NULL DEFAULT 0,
	source         TEXT NOT NULL,
	notes          TEXT NOT NULL DEFAULT '',
	corrected_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_manual_corrections_machine ON manual_corrections(date, venue, machine, source);
`

// Migrate creates the staging, failure and correction tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const rowColumns = `id, date, venue, machine, machine_number, diff, games, big, reg,
	combined_rate, max_swing, max_drawdown, win, source, inserted_at`

// InsertRows adds rows, keeping any existing row with the same id.
func (s *SQLiteStore) InsertRows(ctx context.Context, rows []model.StagingRow) (int64, error) {
	return s.writeRows(ctx, "INSERT OR IGNORE", rows)
}

// RestoreRows writes rows, replacing any existing row with the same id.
func (s *SQLiteStore) RestoreRows(ctx context.Context, rows []model.StagingRow) (int64, error) {
	return s.writeRows(ctx, "INSERT OR REPLACE", rows)
}

func (s *SQLiteStore) writeRows(ctx context.Context, verb string, rows []model.StagingRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin rows tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, verb+` INTO scraped_data (`+rowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare rows insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.now()
	var written int64
	for _, r := range rows {
		if r.ID == "" {
			r.ID = model.RowID(r.Date, r.Venue, r.MachineNumber, r.Source)
		}
		if r.InsertedAt.IsZero() {
			r.InsertedAt = now
		}
		res, err := stmt.ExecContext(ctx,
			r.ID, r.Date, r.Venue, r.Machine, r.MachineNumber, r.Diff, r.Games, r.Big, r.Reg,
			r.CombinedRate, r.MaxSwing, r.MaxDrawdown, r.Win, r.Source, r.InsertedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: write row %s", r.ID)
		}
		n, _ := res.RowsAffected()
		written += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit rows")
	}
	return written, nil
}

// Rows returns a unit's rows ordered by machine number.
func (s *SQLiteStore) Rows(ctx context.Context, date, venue string) ([]model.StagingRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM scraped_data WHERE date = ? AND venue = ? ORDER BY machine_number`,
		date, venue,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: rows %s %s", date, venue)
	}
	return scanStagingRows(rows)
}

// RowsForDate returns every venue's rows for date.
func (s *SQLiteStore) RowsForDate(ctx context.Context, date string) ([]model.StagingRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM scraped_data WHERE date = ? ORDER BY venue, machine_number`,
		date,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: rows for date %s", date)
	}
	return scanStagingRows(rows)
}

// CountMachines counts the distinct machine models staged for a unit.
func (s *SQLiteStore) CountMachines(ctx context.Context, date, venue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT machine) FROM scraped_data WHERE date = ? AND venue = ?`,
		date, venue,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count machines %s %s", date, venue)
	}
	return n, nil
}

// CountRows counts the rows staged for a unit.
func (s *SQLiteStore) CountRows(ctx context.Context, date, venue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scraped_data WHERE date = ? AND venue = ?`,
		date, venue,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count rows %s %s", date, venue)
	}
	return n, nil
}

// DeleteRows removes a unit's rows and returns how many were deleted.
func (s *SQLiteStore) DeleteRows(ctx context.Context, date, venue string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scraped_data WHERE date = ? AND venue = ?`, date, venue)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete rows %s %s", date, venue)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete rows affected")
	}
	return n, nil
}

func scanStagingRows(rows *sql.Rows) ([]model.StagingRow, error) {
	defer rows.Close() //nolint:errcheck

	var out []model.StagingRow
	for rows.Next() {
		var r model.StagingRow
		if err := rows.Scan(
			&r.ID, &r.Date, &r.Venue, &r.Machine, &r.MachineNumber, &r.Diff, &r.Games, &r.Big, &r.Reg,
			&r.CombinedRate, &r.MaxSwing, &r.MaxDrawdown, &r.Win, &r.Source, &r.InsertedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: rows iterate")
}
