package warehouse

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/model"
)

// AggregationResult reports one mart refresh.
type AggregationResult struct {
	JobID      string `json:"job_id"`
	TargetDate string `json:"target_date"`
	RowCount   int64  `json:"row_count"`
}

// AggregationRun is a row in the aggregation_runs log.
type AggregationRun struct {
	JobID       string     `json:"job_id"`
	TargetDate  time.Time  `json:"target_date"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RowCount    int64      `json:"row_count"`
	Error       string     `json:"error,omitempty"`
}

// RunAggregation rebuilds the per-machine stats mart for targetDate from the
// deduplicated machine table and records the run in aggregation_runs.
func (w *Warehouse) RunAggregation(ctx context.Context, targetDate string) (*AggregationResult, error) {
	if _, err := model.ParseDate(targetDate); err != nil {
		return nil, eris.Wrap(err, "warehouse: aggregation target")
	}

	jobID := ulid.Make().String()
	log := w.log.With(zap.String("job_id", jobID), zap.String("date", targetDate))

	if _, err := w.pool.Exec(ctx,
		"INSERT INTO "+w.cfg.Schema+".aggregation_runs (job_id, target_date, status, started_at) VALUES ($1, $2::date, 'running', now())",
		jobID, targetDate,
	); err != nil {
		return nil, eris.Wrapf(err, "warehouse: start aggregation %s", targetDate)
	}

	tag, err := w.pool.Exec(ctx, w.aggregateSQL(), targetDate)
	if err != nil {
		w.finishRun(ctx, jobID, "failed", 0, err.Error())
		return nil, eris.Wrapf(err, "warehouse: aggregate %s", targetDate)
	}

	n := tag.RowsAffected()
	w.finishRun(ctx, jobID, "complete", n, "")
	log.Info("warehouse: aggregation complete", zap.Int64("rows", n))
	return &AggregationResult{JobID: jobID, TargetDate: targetDate, RowCount: n}, nil
}

func (w *Warehouse) finishRun(ctx context.Context, jobID, status string, rows int64, errMsg string) {
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	if _, err := w.pool.Exec(context.WithoutCancel(ctx),
		"UPDATE "+w.cfg.Schema+".aggregation_runs SET status = $2, completed_at = now(), row_count = $3, error = $4 WHERE job_id = $1",
		jobID, status, rows, errArg,
	); err != nil {
		w.log.Warn("warehouse: record aggregation outcome failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Warehouse) aggregateSQL() string {
	mart := w.cfg.Schema + "." + w.cfg.MartTable
	return `INSERT INTO ` + mart + ` (
			date, venue, machine, units, total_diff, avg_diff, total_games, avg_games,
			big_total, reg_total, win_units, win_rate, max_swing, max_drawdown, refreshed_at
		)
		SELECT d.date, d.venue, d.machine,
			COUNT(*),
			SUM(d.diff),
			ROUND(AVG(d.diff)::numeric, 2),
			SUM(d.games),
			ROUND(AVG(d.games)::numeric, 2),
			SUM(d.big),
			SUM(d.reg),
			SUM(d.win),
			ROUND(SUM(d.win)::numeric / COUNT(*), 4),
			MAX(d.max_swing),
			MAX(d.max_drawdown),
			now()
		FROM (
			SELECT DISTINCT ON (id) *
			FROM ` + w.table() + `
			WHERE date = $1::date
			ORDER BY id, loaded_at DESC
		) d
		GROUP BY d.date, d.venue, d.machine
		ON CONFLICT (date, venue, machine) DO UPDATE SET
			units = EXCLUDED.units,
			total_diff = EXCLUDED.total_diff,
			avg_diff = EXCLUDED.avg_diff,
			total_games = EXCLUDED.total_games,
			avg_games = EXCLUDED.avg_games,
			big_total = EXCLUDED.big_total,
			reg_total = EXCLUDED.reg_total,
			win_units = EXCLUDED.win_units,
			win_rate = EXCLUDED.win_rate,
			max_swing = EXCLUDED.max_swing,
			max_drawdown = EXCLUDED.max_drawdown,
			refreshed_at = EXCLUDED.refreshed_at`
}

// RecentRuns returns the latest aggregation runs, newest first.
func (w *Warehouse) RecentRuns(ctx context.Context, limit int) ([]AggregationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := w.pool.Query(ctx,
		`SELECT job_id, target_date, status, started_at, completed_at, row_count, error
		 FROM `+w.cfg.Schema+`.aggregation_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list aggregation runs")
	}
	defer rows.Close()

	var runs []AggregationRun
	for rows.Next() {
		var r AggregationRun
		var errStr *string
		if err := rows.Scan(&r.JobID, &r.TargetDate, &r.Status, &r.StartedAt, &r.CompletedAt, &r.RowCount, &errStr); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan aggregation run")
		}
		if errStr != nil {
			r.Error = *errStr
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
