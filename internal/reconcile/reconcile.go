// Package reconcile keeps the staging store and the warehouse in step with
// the extractor, one (date, venue) unit at a time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/config"
	"github.com/sells-group/hallsync/internal/extract"
	"github.com/sells-group/hallsync/internal/metrics"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/resilience"
	"github.com/sells-group/hallsync/internal/warehouse"
)

// ReasonCountMatches is recorded on units skipped because staging already
// holds every machine model the venue lists.
const ReasonCountMatches = "machine count matches"

// ErrStopped is returned when a run is stopped between units.
var ErrStopped = errors.New("reconcile: stopped")

// Staging is the local staging table.
type Staging interface {
	InsertRows(ctx context.Context, rows []model.StagingRow) (int64, error)
	RestoreRows(ctx context.Context, rows []model.StagingRow) (int64, error)
	Rows(ctx context.Context, date, venue string) ([]model.StagingRow, error)
	RowsForDate(ctx context.Context, date string) ([]model.StagingRow, error)
	CountMachines(ctx context.Context, date, venue string) (int, error)
	DeleteRows(ctx context.Context, date, venue string) (int64, error)
}

// Corrections supplies manually verified rows.
type Corrections interface {
	GetMachineCorrections(ctx context.Context, date, venue, machine, source string) ([]model.CorrectionRow, error)
}

// FailureLog records failures that no fallback could recover.
type FailureLog interface {
	AddFailure(ctx context.Context, f model.MachineFailure) (string, error)
	ResolveVenueFailures(ctx context.Context, date, venue, method string) (int64, error)
}

// Warehouse is the remote partitioned table.
type Warehouse interface {
	Count(ctx context.Context, date, venue string) (int, error)
	Sync(ctx context.Context, key warehouse.PartitionKey, rows []model.StagingRow, scope warehouse.Scope) (int64, error)
}

// Config tunes the reconciler.
type Config struct {
	// Source tags the rows read from the extractor and selects corrections.
	Source string
	// UnitTimeout bounds a single unit. Zero disables the limit.
	UnitTimeout time.Duration
}

// ConfigFrom maps application configuration onto reconciler settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Source:      cfg.Reconcile.Source,
		UnitTimeout: time.Duration(cfg.Extractor.TimeoutSecs) * time.Second,
	}
}

// Request selects the units of one run.
type Request struct {
	Dates   []string
	Venues  []model.Venue
	Options model.ExtractOptions
	// Stop, when closed, ends the run before the next unit starts.
	Stop <-chan struct{}
}

// Progress is emitted once per finished unit, in processing order.
type Progress struct {
	Completed int                  `json:"completed"`
	Total     int                  `json:"total"`
	Message   string               `json:"message"`
	Unit      model.ExtractionUnit `json:"unit"`
}

// Observer receives progress synchronously from the running goroutine.
type Observer interface {
	OnProgress(p Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(p Progress)

// OnProgress calls f.
func (f ObserverFunc) OnProgress(p Progress) { f(p) }

// UnitResult describes what happened to one unit.
type UnitResult struct {
	Unit        model.ExtractionUnit `json:"unit"`
	Reason      string               `json:"reason,omitempty"`
	ErrorKind   model.ErrorKind      `json:"error_kind,omitempty"`
	Error       string               `json:"error,omitempty"`
	Extracted   int64                `json:"extracted"`
	Restored    int                  `json:"restored"`
	Corrected   int                  `json:"corrected"`
	Logged      int                  `json:"logged"`
	RowsWritten int64                `json:"rows_written"`
	Synced      bool                 `json:"synced"`
}

// Result buckets every attempted unit.
type Result struct {
	Success []UnitResult `json:"success"`
	Failed  []UnitResult `json:"failed"`
	Skipped []UnitResult `json:"skipped"`
}

// Total is the number of units attempted.
func (r *Result) Total() int {
	return len(r.Success) + len(r.Failed) + len(r.Skipped)
}

// Summary renders the bucket counts.
func (r *Result) Summary() string {
	return fmt.Sprintf("success=%d failed=%d skipped=%d", len(r.Success), len(r.Failed), len(r.Skipped))
}

// Reconciler runs the extraction and sync algorithm over units.
type Reconciler struct {
	staging     Staging
	corrections Corrections
	failures    FailureLog
	warehouse   Warehouse
	extractor   extract.Extractor
	cfg         Config
	log         *zap.Logger
}

// New creates a Reconciler.
func New(st Staging, corr Corrections, fl FailureLog, wh Warehouse, ex extract.Extractor, cfg Config) *Reconciler {
	if cfg.Source == "" {
		cfg.Source = extract.SourceSlorepo
	}
	return &Reconciler{
		staging:     st,
		corrections: corr,
		failures:    fl,
		warehouse:   wh,
		extractor:   ex,
		cfg:         cfg,
		log:         zap.L().With(zap.String("component", "reconcile")),
	}
}

// Run processes every unit of req: dates ascending, venues by priority within
// a date. A venue-level error fails the unit. Without ContinueOnError the run
// then stops and returns the partial result with the error. Closing req.Stop
// or cancelling ctx ends the run at the next unit boundary.
func (r *Reconciler) Run(ctx context.Context, req Request, obs Observer) (*Result, error) {
	venues := model.SelectVenues(req.Venues, req.Options.PriorityFilter)
	units := model.Units(req.Dates, venues)
	res := &Result{}

	r.log.Info("reconcile: starting run",
		zap.Int("units", len(units)),
		zap.Strings("dates", req.Dates),
		zap.Int("venues", len(venues)),
		zap.String("priority_filter", req.Options.PriorityFilter),
		zap.Bool("force", req.Options.Force),
		zap.Bool("continue_on_error", req.Options.ContinueOnError),
	)
	start := time.Now()

	for i, unit := range units {
		if stopped(req.Stop) {
			r.log.Warn("reconcile: stop requested", zap.Int("completed", i), zap.Int("total", len(units)))
			return res, eris.Wrapf(ErrStopped, "reconcile: after %d/%d units", i, len(units))
		}
		if err := ctx.Err(); err != nil {
			return res, eris.Wrapf(err, "reconcile: after %d/%d units", i, len(units))
		}

		ur, skipped, err := r.runUnit(ctx, unit, req.Options)
		var msg string
		switch {
		case err != nil:
			res.Failed = append(res.Failed, ur)
			metrics.UnitsTotal.WithLabelValues("failed").Inc()
			msg = fmt.Sprintf("%s %s failed: %s", unit.Date, unit.Venue.Name, ur.ErrorKind)
		case skipped:
			res.Skipped = append(res.Skipped, ur)
			metrics.UnitsTotal.WithLabelValues("skipped").Inc()
			msg = fmt.Sprintf("%s %s skipped: %s", unit.Date, unit.Venue.Name, ur.Reason)
		default:
			res.Success = append(res.Success, ur)
			metrics.UnitsTotal.WithLabelValues("success").Inc()
			msg = fmt.Sprintf("%s %s done: %d rows", unit.Date, unit.Venue.Name, ur.Extracted)
		}

		if obs != nil {
			obs.OnProgress(Progress{Completed: i + 1, Total: len(units), Message: msg, Unit: unit})
		}

		if err != nil && !req.Options.ContinueOnError {
			r.log.Error("reconcile: aborting run", zap.String("unit", unit.Key()), zap.Error(err))
			return res, eris.Wrapf(err, "reconcile: %s", unit.Key())
		}
	}

	r.log.Info("reconcile: run complete",
		zap.Int("success", len(res.Success)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// runUnit reconciles one unit. A non-nil error means the unit failed; the
// failure has already been logged to the failure log.
func (r *Reconciler) runUnit(ctx context.Context, unit model.ExtractionUnit, opts model.ExtractOptions) (UnitResult, bool, error) {
	log := r.log.With(zap.String("date", unit.Date), zap.String("venue", unit.Venue.Name))
	if r.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.UnitTimeout)
		defer cancel()
	}

	ur := UnitResult{Unit: unit}
	skipped, err := r.reconcile(ctx, unit, opts, &ur)
	if err != nil {
		ur.ErrorKind = resilience.Classify(err)
		ur.Error = err.Error()
		log.Error("reconcile: unit failed", zap.String("error_kind", string(ur.ErrorKind)), zap.Error(err))

		fctx := context.WithoutCancel(ctx)
		if _, ferr := r.failures.AddFailure(fctx, model.MachineFailure{
			Date:         unit.Date,
			Venue:        unit.Venue.Name,
			VenueCode:    unit.Venue.Code,
			ErrorKind:    ur.ErrorKind,
			ErrorMessage: err.Error(),
			Status:       model.FailureStatusPending,
		}); ferr != nil {
			log.Warn("reconcile: record venue failure", zap.Error(ferr))
		}
		return ur, false, err
	}

	if _, rerr := r.failures.ResolveVenueFailures(ctx, unit.Date, unit.Venue.Name, model.ResolvedRescrape); rerr != nil {
		log.Warn("reconcile: resolve venue failures", zap.Error(rerr))
	}
	return ur, skipped, nil
}

func (r *Reconciler) reconcile(ctx context.Context, unit model.ExtractionUnit, opts model.ExtractOptions, ur *UnitResult) (bool, error) {
	date, venue := unit.Date, unit.Venue.Name
	log := r.log.With(zap.String("date", date), zap.String("venue", venue))

	var backup []model.StagingRow
	extractNeeded := true

	if opts.Force {
		rows, err := r.snapshot(ctx, date, venue)
		if err != nil {
			return false, err
		}
		backup = rows
	} else {
		staged, err := r.staging.CountMachines(ctx, date, venue)
		if err != nil {
			return false, eris.Wrap(err, "reconcile: count staged machines")
		}
		if staged > 0 {
			list, err := r.extractor.ListMachines(ctx, date, unit.Venue)
			if err != nil {
				return false, eris.Wrap(err, "reconcile: probe machine list")
			}
			if list.Count == staged {
				log.Info("reconcile: skipping unit", zap.Int("machines", staged))
				ur.Reason = ReasonCountMatches
				extractNeeded = false
			} else {
				log.Info("reconcile: machine count changed", zap.Int("staged", staged), zap.Int("listed", list.Count))
				rows, err := r.snapshot(ctx, date, venue)
				if err != nil {
					return false, err
				}
				backup = rows
			}
		}
	}

	if extractNeeded {
		out, err := r.extractor.Extract(ctx, date, unit.Venue)
		if err != nil {
			return false, eris.Wrap(err, "reconcile: extract")
		}
		if out == nil {
			out = &extract.Result{}
		}
		n, err := r.staging.InsertRows(ctx, out.Rows)
		if err != nil {
			return false, eris.Wrap(err, "reconcile: insert rows")
		}
		ur.Extracted = n

		for _, f := range out.Failures {
			if err := r.recoverMachine(ctx, unit, f, backup, ur); err != nil {
				return false, err
			}
		}
	}

	rows, err := r.staging.Rows(ctx, date, venue)
	if err != nil {
		return false, eris.Wrap(err, "reconcile: read staged rows")
	}
	if len(rows) > 0 {
		if err := r.syncUnit(ctx, unit, rows, opts.Force, ur); err != nil {
			return false, err
		}
	}
	return !extractNeeded, nil
}

// snapshot copies a unit's staged rows and then removes them from staging.
func (r *Reconciler) snapshot(ctx context.Context, date, venue string) ([]model.StagingRow, error) {
	rows, err := r.staging.Rows(ctx, date, venue)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: backup staged rows")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if _, err := r.staging.DeleteRows(ctx, date, venue); err != nil {
		return nil, eris.Wrap(err, "reconcile: clear staged rows")
	}
	r.log.Debug("reconcile: staged rows backed up", zap.String("date", date), zap.String("venue", venue), zap.Int("rows", len(rows)))
	return rows, nil
}

// recoverMachine applies the fallback chain to one failed machine: the backup
// taken before re-extraction, then corrections, then the failure log.
func (r *Reconciler) recoverMachine(ctx context.Context, unit model.ExtractionUnit, f model.MachineFailure, backup []model.StagingRow, ur *UnitResult) error {
	log := r.log.With(zap.String("date", unit.Date), zap.String("venue", unit.Venue.Name), zap.String("machine", f.Machine))

	if prior := model.RowsForMachine(backup, f.Machine); len(prior) > 0 {
		if _, err := r.staging.RestoreRows(ctx, prior); err != nil {
			return eris.Wrapf(err, "reconcile: restore backup for %s", f.Machine)
		}
		ur.Restored += len(prior)
		metrics.MachineFallbacks.WithLabelValues("backup").Inc()
		log.Info("reconcile: machine restored from backup", zap.Int("rows", len(prior)))
		return nil
	}

	corrections, err := r.corrections.GetMachineCorrections(ctx, unit.Date, unit.Venue.Name, f.Machine, r.cfg.Source)
	if err != nil {
		return eris.Wrapf(err, "reconcile: corrections for %s", f.Machine)
	}
	if len(corrections) > 0 {
		rows := make([]model.StagingRow, 0, len(corrections))
		for _, c := range corrections {
			row := c.StagingRow
			row.Normalize()
			rows = append(rows, row)
		}
		if _, err := r.staging.RestoreRows(ctx, rows); err != nil {
			return eris.Wrapf(err, "reconcile: apply corrections for %s", f.Machine)
		}
		ur.Corrected += len(rows)
		metrics.MachineFallbacks.WithLabelValues("correction").Inc()
		log.Info("reconcile: machine filled from corrections", zap.Int("rows", len(rows)))
		return nil
	}

	if f.Date == "" {
		f.Date = unit.Date
	}
	if f.Venue == "" {
		f.Venue = unit.Venue.Name
	}
	if f.VenueCode == "" {
		f.VenueCode = unit.Venue.Code
	}
	f.Status = model.FailureStatusPending
	if _, err := r.failures.AddFailure(ctx, f); err != nil {
		return eris.Wrapf(err, "reconcile: log failure for %s", f.Machine)
	}
	ur.Logged++
	metrics.MachineFallbacks.WithLabelValues("failure_log").Inc()
	log.Warn("reconcile: machine failure logged", zap.String("error_kind", string(f.ErrorKind)))
	return nil
}

// syncUnit replaces the venue's warehouse slice when its row count differs
// from staging, or unconditionally when force is set.
func (r *Reconciler) syncUnit(ctx context.Context, unit model.ExtractionUnit, rows []model.StagingRow, force bool, ur *UnitResult) error {
	remote, err := r.warehouse.Count(ctx, unit.Date, unit.Venue.Name)
	if err != nil {
		return eris.Wrap(err, "reconcile: count warehouse rows")
	}
	if !force && remote == len(rows) {
		return nil
	}

	r.log.Info("reconcile: syncing venue",
		zap.String("date", unit.Date),
		zap.String("venue", unit.Venue.Name),
		zap.Int("staged", len(rows)),
		zap.Int("warehouse", remote),
	)
	key := warehouse.PartitionKey{Date: unit.Date, Venue: unit.Venue.Name}
	n, err := r.warehouse.Sync(ctx, key, rows, warehouse.ScopeVenue)
	if err != nil {
		return eris.Wrap(err, "reconcile: warehouse sync")
	}
	ur.RowsWritten = n
	ur.Synced = true
	return nil
}

// SyncDate reloads a whole date partition from every staged venue.
func (r *Reconciler) SyncDate(ctx context.Context, date string) (int64, error) {
	rows, err := r.staging.RowsForDate(ctx, date)
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: staged rows for %s", date)
	}
	if len(rows) == 0 {
		r.log.Info("reconcile: nothing staged for date", zap.String("date", date))
		return 0, nil
	}
	n, err := r.warehouse.Sync(ctx, warehouse.PartitionKey{Date: date}, rows, warehouse.ScopePartition)
	if err != nil {
		return 0, eris.Wrapf(err, "reconcile: sync partition %s", date)
	}
	return n, nil
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
