// Package warehouse loads staging rows into the Postgres analytical warehouse
// with delete-then-COPY replacement per (date, venue) slice.
package warehouse

import (
	"context"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/config"
	"github.com/sells-group/hallsync/internal/db"
	"github.com/sells-group/hallsync/internal/metrics"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/resilience"
)

// Scope selects how much of a date partition a sync replaces.
type Scope string

const (
	// ScopeVenue replaces one venue's rows for one date.
	ScopeVenue Scope = "venue"
	// ScopePartition replaces every row for one date.
	ScopePartition Scope = "partition"
)

// PartitionKey addresses the slice of the warehouse a sync replaces.
// Venue is ignored for ScopePartition.
type PartitionKey struct {
	Date  string
	Venue string
}

// Columns is the COPY column order for the machine table.
var Columns = []string{
	"id", "date", "venue", "machine", "machine_number",
	"diff", "games", "big", "reg", "combined_rate",
	"max_swing", "max_drawdown", "win", "source",
	"inserted_at", "loaded_at",
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config names the warehouse tables and load retry policy.
type Config struct {
	Schema        string
	Table         string
	MartTable     string
	LoadRetries   int
	LoadBackoffMs int
}

// ConfigFrom maps application configuration onto warehouse settings.
func ConfigFrom(cfg config.WarehouseConfig) Config {
	return Config{
		Schema:        cfg.Schema,
		Table:         cfg.Table,
		MartTable:     cfg.MartTable,
		LoadRetries:   cfg.LoadRetries,
		LoadBackoffMs: cfg.LoadBackoffMs,
	}
}

func (c Config) validate() error {
	for _, ident := range []string{c.Schema, c.Table, c.MartTable} {
		if !identRe.MatchString(ident) {
			return eris.Errorf("warehouse: invalid identifier %q", ident)
		}
	}
	return nil
}

// Warehouse syncs staging rows into Postgres.
type Warehouse struct {
	pool  db.Pool
	cfg   Config
	retry resilience.RetryConfig
	now   func() time.Time
	log   *zap.Logger
}

// New creates a Warehouse over pool. Table names must be plain lowercase identifiers.
func New(pool db.Pool, cfg Config) (*Warehouse, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Warehouse{
		pool:  pool,
		cfg:   cfg,
		retry: resilience.LoadRetryConfig(cfg.LoadRetries, cfg.LoadBackoffMs),
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "warehouse")),
	}, nil
}

func (w *Warehouse) table() string {
	return db.QualifiedTable(w.cfg.Schema, w.cfg.Table)
}

// Sync replaces the slice addressed by key with rows and returns the number
// of rows written. Delete failures are logged and the load still runs; load
// failures are returned. Empty input writes nothing and deletes nothing.
func (w *Warehouse) Sync(ctx context.Context, key PartitionKey, rows []model.StagingRow, scope Scope) (int64, error) {
	if err := validateRows(key, rows, scope); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	start := w.now()
	log := w.log.With(zap.String("date", key.Date), zap.String("scope", string(scope)))
	if scope == ScopeVenue {
		log = log.With(zap.String("venue", key.Venue))
	}

	deleted, err := w.deleteSlice(ctx, key, scope)
	if err != nil {
		log.Warn("warehouse: delete before load failed, continuing", zap.Error(err))
	} else {
		log.Debug("warehouse: cleared slice", zap.Int64("deleted", deleted))
	}

	values, err := copyValues(rows, start)
	if err != nil {
		return 0, err
	}

	n, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (int64, error) {
		return db.CopyFromSchema(ctx, w.pool, w.cfg.Schema, w.cfg.Table, Columns, values)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: load %s", key.Date)
	}

	metrics.RowsWritten.Add(float64(n))
	metrics.WarehouseLoadDuration.WithLabelValues(string(scope)).Observe(w.now().Sub(start).Seconds())
	log.Info("warehouse: slice loaded", zap.Int64("rows", n))
	return n, nil
}

func (w *Warehouse) deleteSlice(ctx context.Context, key PartitionKey, scope Scope) (int64, error) {
	var (
		sql  string
		args []any
	)
	switch scope {
	case ScopePartition:
		sql = "DELETE FROM " + w.table() + " WHERE date = $1::date"
		args = []any{key.Date}
	default:
		sql = "DELETE FROM " + w.table() + " WHERE date = $1::date AND venue = $2"
		args = []any{key.Date, key.Venue}
	}

	tag, err := w.pool.Exec(ctx, sql, args...)
	if err != nil {
		if db.IsUndefinedTable(err) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "warehouse: delete slice")
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of distinct row ids stored for date and venue.
// An empty venue counts the whole date. A missing table counts as zero.
func (w *Warehouse) Count(ctx context.Context, date, venue string) (int, error) {
	sql := "SELECT COUNT(DISTINCT id) FROM " + w.table() + " WHERE date = $1::date"
	args := []any{date}
	if venue != "" {
		sql += " AND venue = $2"
		args = append(args, venue)
	}

	var n int64
	if err := w.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		if db.IsUndefinedTable(err) {
			return 0, nil
		}
		return 0, eris.Wrapf(err, "warehouse: count %s %s", date, venue)
	}
	return int(n), nil
}

func validateRows(key PartitionKey, rows []model.StagingRow, scope Scope) error {
	if _, err := model.ParseDate(key.Date); err != nil {
		return eris.Wrap(err, "warehouse: partition key")
	}
	switch scope {
	case ScopeVenue:
		if key.Venue == "" {
			return eris.New("warehouse: venue scope requires a venue")
		}
	case ScopePartition:
	default:
		return eris.Errorf("warehouse: unknown scope %q", scope)
	}

	for _, r := range rows {
		if err := r.Validate(); err != nil {
			return eris.Wrap(err, "warehouse: invalid row")
		}
		switch {
		case r.Machine == "":
			return eris.Errorf("warehouse: row %s has no machine", r.ID)
		case r.MachineNumber <= 0:
			return eris.Errorf("warehouse: row %s has machine number %d", r.ID, r.MachineNumber)
		case r.Date != key.Date:
			return eris.Errorf("warehouse: row %s is dated %s, partition is %s", r.ID, r.Date, key.Date)
		case scope == ScopeVenue && r.Venue != key.Venue:
			return eris.Errorf("warehouse: row %s belongs to %s, not %s", r.ID, r.Venue, key.Venue)
		}
	}
	return nil
}

func copyValues(rows []model.StagingRow, loadedAt time.Time) ([][]any, error) {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		day, err := model.ParseDate(r.Date)
		if err != nil {
			return nil, err
		}
		inserted := r.InsertedAt
		if inserted.IsZero() {
			inserted = loadedAt
		}
		win := int16(0)
		if r.Win {
			win = 1
		}
		out = append(out, []any{
			r.ID, day, r.Venue, r.Machine, int32(r.MachineNumber),
			int32(r.Diff), int32(r.Games), int32(r.Big), int32(r.Reg), r.CombinedRate,
			int32(r.MaxSwing), int32(r.MaxDrawdown), win, r.Source,
			inserted.UTC(), loadedAt.UTC(),
		})
	}
	return out, nil
}
