// Package scheduler fires configured jobs on cron triggers and runs them under
// the cross-process mutex. One Scheduler owns every trigger in the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/jobconfig"
	"github.com/sells-group/hallsync/internal/metrics"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/reconcile"
	"github.com/sells-group/hallsync/internal/warehouse"
)

// ErrBusy is returned when a job is already executing in this process.
var ErrBusy = errors.New("scheduler: a job is already running")

// Runner runs the reconciler.
type Runner interface {
	Run(ctx context.Context, req reconcile.Request, obs reconcile.Observer) (*reconcile.Result, error)
}

// Aggregator refreshes the warehouse stats for one date.
type Aggregator interface {
	RunAggregation(ctx context.Context, targetDate string) (*warehouse.AggregationResult, error)
}

// Locker is the cross-process mutex.
type Locker interface {
	Acquire(ctx context.Context) bool
	Release(ctx context.Context)
	Status(ctx context.Context) (*model.LockInfo, error)
}

// JobStore persists job definitions and run history.
type JobStore interface {
	Load(ctx context.Context) (*jobconfig.Document, error)
	AppendHistory(ctx context.Context, e model.HistoryEntry) error
	History(ctx context.Context, limit int) ([]model.HistoryEntry, error)
}

// Config holds what jobs need beyond their definitions.
type Config struct {
	Location *time.Location
	Venues   []model.Venue
}

// State is the progress of the job running in this process.
type State struct {
	Running   bool      `json:"running"`
	JobID     string    `json:"job_id,omitempty"`
	JobType   string    `json:"job_type,omitempty"`
	Manual    bool      `json:"manual,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler owns the cron triggers and the single in-process run slot.
type Scheduler struct {
	runner Runner
	agg    Aggregator
	lock   Locker
	jobs   JobStore
	cfg    Config
	now    func() time.Time
	log    *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	defs    []model.JobDefinition
	started bool
	baseCtx context.Context
	state   State
	stop    chan struct{}

	runMu sync.Mutex
	wg    sync.WaitGroup
}

// New creates a Scheduler. Nothing fires until Start.
func New(runner Runner, agg Aggregator, lock Locker, jobs JobStore, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		runner:  runner,
		agg:     agg,
		lock:    lock,
		jobs:    jobs,
		cfg:     cfg,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "scheduler")),
		baseCtx: context.Background(),
	}
}

// Start loads the job document and starts the triggers. Timer-fired runs use
// ctx. A storage error leaves the scheduler stopped. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	doc, err := s.jobs.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: load jobs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	c, err := s.buildCron(doc.Jobs)
	if err != nil {
		return err
	}
	s.baseCtx = ctx
	s.defs = doc.Jobs
	s.cron = c
	s.started = true
	c.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(doc.Jobs)), zap.Int("triggers", len(c.Entries())),
		zap.String("timezone", s.cfg.Location.String()))
	return nil
}

// Stop cancels every trigger, asks the current run to stop at the next unit
// boundary and waits for in-flight runs to finish. It is safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	s.StopCurrent()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// RegisterAll replaces the triggers with those of defs. Disabled jobs and
// disabled rules get no trigger.
func (s *Scheduler) RegisterAll(defs []model.JobDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.buildCron(defs)
	if err != nil {
		return err
	}
	old := s.cron
	s.defs = defs
	s.cron = c
	if s.started {
		c.Start()
	}
	if old != nil {
		old.Stop()
	}
	s.log.Info("triggers registered", zap.Int("jobs", len(defs)), zap.Int("triggers", len(c.Entries())))
	return nil
}

// Reload re-reads the job document and re-registers its triggers. On a
// storage error the current triggers stay in place.
func (s *Scheduler) Reload(ctx context.Context) error {
	doc, err := s.jobs.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "scheduler: reload jobs")
	}
	return s.RegisterAll(doc.Jobs)
}

// trigger is the cron job for one schedule rule.
type trigger struct {
	s          *Scheduler
	jobID      string
	scheduleID string
}

func (t trigger) Run() { t.s.fire(t.jobID, t.scheduleID) }

func (s *Scheduler) buildCron(defs []model.JobDefinition) (*cron.Cron, error) {
	c := cron.NewWithLocation(s.cfg.Location)
	c.ErrorLog = zap.NewStdLog(s.log)
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		for _, rule := range def.Schedules {
			if !rule.Enabled {
				continue
			}
			spec, err := rule.CronSpec()
			if err != nil {
				return nil, err
			}
			if err := c.AddJob(spec, trigger{s: s, jobID: def.ID, scheduleID: rule.ID}); err != nil {
				return nil, eris.Wrapf(err, "scheduler: register %s/%s", def.ID, rule.ID)
			}
			s.log.Debug("trigger registered", zap.String("job_id", def.ID), zap.String("rule", rule.Describe()))
		}
	}
	return c, nil
}

func (s *Scheduler) fire(jobID, scheduleID string) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	def, ok := findJob(s.defs, jobID)
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !ok {
		s.log.Warn("trigger for unknown job", zap.String("job_id", jobID))
		return
	}
	s.log.Info("trigger fired", zap.String("job_id", jobID), zap.String("schedule_id", scheduleID))
	if _, err := s.execute(ctx, def, scheduleID, false); err != nil && !errors.Is(err, ErrBusy) {
		s.log.Error("scheduled job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// RunManually executes jobID now, outside the timers, and waits for it.
func (s *Scheduler) RunManually(ctx context.Context, jobID string) (model.HistoryEntry, error) {
	def, err := s.job(ctx, jobID)
	if err != nil {
		return model.HistoryEntry{}, err
	}
	return s.execute(ctx, def, "", true)
}

// RunAsync starts a manual run in the background. It fails fast with ErrBusy
// when a job is already running here.
func (s *Scheduler) RunAsync(ctx context.Context, jobID string) error {
	def, err := s.job(ctx, jobID)
	if err != nil {
		return err
	}
	if s.CurrentJobID() != "" {
		return ErrBusy
	}
	s.mu.Lock()
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(context.WithoutCancel(ctx), def, "", true); err != nil && !errors.Is(err, ErrBusy) {
			s.log.Error("manual job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// StopCurrent asks the running job to stop before its next unit. It reports
// whether a job was running.
func (s *Scheduler) StopCurrent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Running || s.stop == nil {
		return false
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
		s.log.Info("stop requested", zap.String("job_id", s.state.JobID))
	}
	return true
}

// CurrentJobID is the id of the running job, or empty.
func (s *Scheduler) CurrentJobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Running {
		return ""
	}
	return s.state.JobID
}

// State returns a copy of the current progress.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Jobs returns the registered job definitions.
func (s *Scheduler) Jobs() []model.JobDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobDefinition, len(s.defs))
	copy(out, s.defs)
	return out
}

// NextRuns maps each job id to its earliest upcoming trigger after now.
func (s *Scheduler) NextRuns(now time.Time) map[string]time.Time {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	out := map[string]time.Time{}
	if c == nil {
		return out
	}
	for _, e := range c.Entries() {
		t, ok := e.Job.(trigger)
		if !ok {
			continue
		}
		next := e.Schedule.Next(now.In(s.cfg.Location))
		if cur, seen := out[t.jobID]; !seen || next.Before(cur) {
			out[t.jobID] = next
		}
	}
	return out
}

// LockStatus reports the mutex holder, or nil when free.
func (s *Scheduler) LockStatus(ctx context.Context) (*model.LockInfo, error) {
	return s.lock.Status(ctx)
}

// History returns up to limit recent runs, newest first.
func (s *Scheduler) History(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	return s.jobs.History(ctx, limit)
}

func (s *Scheduler) job(ctx context.Context, jobID string) (model.JobDefinition, error) {
	s.mu.Lock()
	def, ok := findJob(s.defs, jobID)
	loaded := s.defs != nil
	s.mu.Unlock()
	if ok {
		return def, nil
	}
	if !loaded {
		doc, err := s.jobs.Load(ctx)
		if err != nil {
			return model.JobDefinition{}, eris.Wrap(err, "scheduler: load jobs")
		}
		if def, ok := doc.Job(jobID); ok {
			return *def, nil
		}
	}
	return model.JobDefinition{}, eris.Wrapf(jobconfig.ErrJobNotFound, "scheduler: job %s", jobID)
}

func findJob(defs []model.JobDefinition, id string) (model.JobDefinition, bool) {
	for _, d := range defs {
		if d.ID == id {
			return d, true
		}
	}
	return model.JobDefinition{}, false
}

// execute is the one path every run takes, timer or manual: take the process
// slot, take the mutex, run, release, record history.
func (s *Scheduler) execute(ctx context.Context, def model.JobDefinition, scheduleID string, manual bool) (model.HistoryEntry, error) {
	log := s.log.With(zap.String("job_id", def.ID), zap.String("job_type", string(def.Type)), zap.Bool("manual", manual))
	entry := model.HistoryEntry{
		ID:           ulid.Make().String(),
		JobID:        def.ID,
		ScheduleID:   scheduleID,
		ScheduleName: def.Name,
		JobType:      def.Type,
		StartedAt:    s.now().UTC(),
		Manual:       manual,
	}

	if !s.runMu.TryLock() {
		entry.Status = model.HistorySkipped
		entry.Message = "another job is running in this process"
		log.Info("job skipped: process busy")
		s.record(ctx, &entry)
		return entry, ErrBusy
	}
	defer s.runMu.Unlock()

	if !s.lock.Acquire(ctx) {
		holder := "unknown"
		if info, err := s.lock.Status(ctx); err == nil && info != nil {
			holder = info.Environment
		}
		entry.Status = model.HistorySkipped
		entry.Message = fmt.Sprintf("lock held by %s", holder)
		log.Info("job skipped: lock held", zap.String("holder", holder))
		s.record(ctx, &entry)
		return entry, nil
	}
	defer s.lock.Release(context.WithoutCancel(ctx))

	stop := s.begin(def, manual, entry.StartedAt)
	metrics.RunningJobs.Set(1)
	defer metrics.RunningJobs.Set(0)
	log.Info("job started")

	var err error
	switch def.Type {
	case model.JobTypeExtract:
		err = s.runExtract(ctx, def, stop, &entry)
	case model.JobTypeAggregate:
		err = s.runAggregate(ctx, def, stop, &entry)
	default:
		err = eris.Errorf("scheduler: unknown job type %q", def.Type)
		entry.Message = err.Error()
	}

	if err != nil {
		entry.Status = model.HistoryFailed
		log.Error("job failed", zap.String("message", entry.Message), zap.Error(err))
	} else {
		entry.Status = model.HistorySuccess
		log.Info("job finished", zap.String("message", entry.Message))
	}
	s.finish(err)
	s.record(ctx, &entry)
	return entry, err
}

func (s *Scheduler) runExtract(ctx context.Context, def model.JobDefinition, stop <-chan struct{}, entry *model.HistoryEntry) error {
	dates := def.DateRange.Dates(s.now(), s.cfg.Location)
	res, err := s.runner.Run(ctx, reconcile.Request{
		Dates:   dates,
		Venues:  s.cfg.Venues,
		Options: def.ExtractOptions(),
		Stop:    stop,
	}, reconcile.ObserverFunc(s.progress))
	if res == nil {
		res = &reconcile.Result{}
	}
	entry.Details = map[string]any{
		"dates":   dates,
		"success": len(res.Success),
		"failed":  len(res.Failed),
		"skipped": len(res.Skipped),
	}

	switch {
	case errors.Is(err, reconcile.ErrStopped):
		entry.Message = "stopped: " + res.Summary()
		return err
	case err != nil:
		entry.Message = err.Error()
		return err
	}

	entry.Message = res.Summary()
	if def.RunFollowupAfter && len(res.Success) > 0 {
		rows, aerr := s.aggregate(ctx, dates, nil)
		if aerr != nil {
			s.log.Error("follow-up aggregation failed", zap.String("job_id", def.ID), zap.Error(aerr))
			entry.Message += "; follow-up aggregation failed: " + aerr.Error()
		} else {
			entry.Message += fmt.Sprintf("; follow-up aggregation refreshed %d rows", rows)
		}
	}
	return nil
}

func (s *Scheduler) runAggregate(ctx context.Context, def model.JobDefinition, stop <-chan struct{}, entry *model.HistoryEntry) error {
	dates := def.DateRange.Dates(s.now(), s.cfg.Location)
	rows, err := s.aggregate(ctx, dates, stop)
	entry.Details = map[string]any{"dates": dates, "rows": rows}
	if err != nil {
		entry.Message = err.Error()
		return err
	}
	entry.Message = fmt.Sprintf("aggregated %d rows over %d dates", rows, len(dates))
	return nil
}

// aggregate refreshes each date in order and stops at the first failure.
func (s *Scheduler) aggregate(ctx context.Context, dates []string, stop <-chan struct{}) (int64, error) {
	if s.agg == nil {
		return 0, eris.New("scheduler: no aggregator configured")
	}
	var total int64
	for i, d := range dates {
		if stop != nil {
			select {
			case <-stop:
				return total, eris.Wrapf(reconcile.ErrStopped, "scheduler: aggregation after %d/%d dates", i, len(dates))
			default:
			}
		}
		res, err := s.agg.RunAggregation(ctx, d)
		if err != nil {
			return total, eris.Wrapf(err, "scheduler: aggregate %s", d)
		}
		total += res.RowCount
		s.progress(reconcile.Progress{Completed: i + 1, Total: len(dates), Message: fmt.Sprintf("%s aggregated: %d rows", d, res.RowCount)})
	}
	return total, nil
}

func (s *Scheduler) begin(def model.JobDefinition, manual bool, started time.Time) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = make(chan struct{})
	s.state = State{
		Running:   true,
		JobID:     def.ID,
		JobType:   string(def.Type),
		Manual:    manual,
		StartedAt: started,
	}
	return s.stop
}

func (s *Scheduler) progress(p reconcile.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Completed = p.Completed
	s.state.Total = p.Total
	s.state.Message = p.Message
}

func (s *Scheduler) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Running = false
	s.state.LastError = ""
	if err != nil {
		s.state.LastError = err.Error()
	}
	s.stop = nil
}

func (s *Scheduler) record(ctx context.Context, entry *model.HistoryEntry) {
	entry.FinishedAt = s.now().UTC()
	metrics.JobRuns.WithLabelValues(string(entry.JobType), string(entry.Status)).Inc()
	if entry.Status != model.HistorySkipped {
		metrics.JobDuration.WithLabelValues(string(entry.JobType)).Observe(entry.Duration().Seconds())
	}
	if err := s.jobs.AppendHistory(context.WithoutCancel(ctx), *entry); err != nil {
		s.log.Error("record history", zap.String("job_id", entry.JobID), zap.Error(err))
	}
}
