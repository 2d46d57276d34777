package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/jobconfig"
	"github.com/sells-group/hallsync/internal/lock"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/objstore"
	"github.com/sells-group/hallsync/internal/reconcile"
	"github.com/sells-group/hallsync/internal/warehouse"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []reconcile.Request
	runFn func(ctx context.Context, req reconcile.Request, obs reconcile.Observer) (*reconcile.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, req reconcile.Request, obs reconcile.Observer) (*reconcile.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fn := f.runFn
	f.mu.Unlock()
	if fn == nil {
		return &reconcile.Result{}, nil
	}
	return fn(ctx, req, obs)
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeAggregator struct {
	mu    sync.Mutex
	dates []string
	err   error
}

func (f *fakeAggregator) RunAggregation(_ context.Context, targetDate string) (*warehouse.AggregationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dates = append(f.dates, targetDate)
	if f.err != nil {
		return nil, f.err
	}
	return &warehouse.AggregationResult{JobID: "agg-" + targetDate, TargetDate: targetDate, RowCount: 7}, nil
}

// flakyStore fails reads once broken is set.
type flakyStore struct {
	objstore.Store
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) Get(ctx context.Context, key string) (*objstore.Object, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return nil, errors.New("connection refused")
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) breakReads() {
	f.mu.Lock()
	f.broken = true
	f.mu.Unlock()
}

type harness struct {
	shared *objstore.Memory
	jobs   *flakyStore
	mutex  *lock.Mutex
	repo   *jobconfig.Repository
	runner *fakeRunner
	agg    *fakeAggregator
	sched  *Scheduler
}

var testNow = time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	shared := objstore.NewMemory()
	h := &harness{
		shared: shared,
		jobs:   &flakyStore{Store: shared},
		mutex:  lock.New(shared, lock.Config{Environment: "test"}),
		runner: &fakeRunner{},
		agg:    &fakeAggregator{},
	}
	h.repo = jobconfig.NewRepository(h.jobs, jobconfig.Options{})
	h.sched = New(h.runner, h.agg, h.mutex, h.repo, Config{
		Location: time.UTC,
		Venues:   []model.Venue{{Name: "Alpha", Code: "alpha", Priority: model.PriorityHigh, Active: true}},
	})
	h.sched.now = func() time.Time { return testNow }
	t.Cleanup(h.sched.Stop)
	return h
}

func (h *harness) history(t *testing.T) []model.HistoryEntry {
	t.Helper()
	entries, err := h.repo.History(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

func TestStartStop_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sched.Start(ctx))
	require.NoError(t, h.sched.Start(ctx))
	assert.Len(t, h.sched.Jobs(), 3)
	assert.Len(t, h.sched.NextRuns(testNow), 3)

	h.sched.Stop()
	h.sched.Stop()
}

func TestStart_StorageErrorFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.jobs.breakReads()

	err := h.sched.Start(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.sched.Jobs())
	assert.Empty(t, h.sched.NextRuns(testNow))
}

func TestNextRuns_UsesLocation(t *testing.T) {
	h := newHarness(t)
	jst := time.FixedZone("JST", 9*60*60)
	h.sched.cfg.Location = jst
	require.NoError(t, h.sched.Start(context.Background()))

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) // 21:00 JST
	next := h.sched.NextRuns(now)
	assert.True(t, next["priority_extract"].Equal(time.Date(2024, 1, 1, 23, 30, 0, 0, jst)))
	assert.True(t, next["normal_extract"].Equal(time.Date(2024, 1, 2, 0, 30, 0, 0, jst)))
	assert.True(t, next["aggregate"].Equal(time.Date(2024, 1, 2, 1, 0, 0, 0, jst)))
}

func TestRegisterAll_SkipsDisabled(t *testing.T) {
	h := newHarness(t)
	defs := jobconfig.DefaultJobs()
	defs[0].Enabled = false
	defs[1].Schedules[0].Enabled = false
	defs[2].Schedules = append(defs[2].Schedules, model.ScheduleRule{ID: "every6", Kind: model.ScheduleInterval, IntervalHours: 6, Enabled: true})

	require.NoError(t, h.sched.RegisterAll(defs))
	next := h.sched.NextRuns(testNow)
	require.Len(t, next, 1)
	assert.True(t, next["aggregate"].Equal(time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)), "earliest of the two aggregate rules")
}

func TestRegisterAll_RejectsBadRule(t *testing.T) {
	h := newHarness(t)
	defs := jobconfig.DefaultJobs()
	defs[0].Schedules[0].Hour = 25
	assert.Error(t, h.sched.RegisterAll(defs))
}

func TestRunManually_ExtractSuccess(t *testing.T) {
	h := newHarness(t)
	h.runner.runFn = func(_ context.Context, req reconcile.Request, obs reconcile.Observer) (*reconcile.Result, error) {
		obs.OnProgress(reconcile.Progress{Completed: 1, Total: 1, Message: "done"})
		return &reconcile.Result{Success: make([]reconcile.UnitResult, 1)}, nil
	}

	entry, err := h.sched.RunManually(context.Background(), "priority_extract")
	require.NoError(t, err)
	assert.Equal(t, model.HistorySuccess, entry.Status)
	assert.True(t, entry.Manual)
	assert.Equal(t, "success=1 failed=0 skipped=0", entry.Message)
	assert.NotEmpty(t, entry.ID)

	require.Len(t, h.runner.reqs, 1)
	req := h.runner.reqs[0]
	assert.Equal(t, []string{"2024-01-02"}, req.Dates)
	assert.Equal(t, model.FilterLate, req.Options.PriorityFilter)
	assert.True(t, req.Options.ContinueOnError)
	assert.Empty(t, h.agg.dates, "no follow-up configured")

	info, err := h.mutex.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info, "lock released after the run")

	state := h.sched.State()
	assert.False(t, state.Running)
	assert.Equal(t, 1, state.Completed)
	assert.Empty(t, h.sched.CurrentJobID())

	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, entry.ID, hist[0].ID)
}

func TestRunManually_FollowupFailureKeepsSuccess(t *testing.T) {
	h := newHarness(t)
	h.runner.runFn = func(context.Context, reconcile.Request, reconcile.Observer) (*reconcile.Result, error) {
		return &reconcile.Result{Success: make([]reconcile.UnitResult, 2)}, nil
	}
	h.agg.err = errors.New("mart locked")

	entry, err := h.sched.RunManually(context.Background(), "normal_extract")
	require.NoError(t, err)
	assert.Equal(t, model.HistorySuccess, entry.Status)
	assert.Contains(t, entry.Message, "follow-up aggregation failed")
	assert.Equal(t, []string{"2024-01-01"}, h.agg.dates)
}

func TestRunManually_FollowupRunsAfterSuccess(t *testing.T) {
	h := newHarness(t)
	h.runner.runFn = func(context.Context, reconcile.Request, reconcile.Observer) (*reconcile.Result, error) {
		return &reconcile.Result{Success: make([]reconcile.UnitResult, 1)}, nil
	}

	entry, err := h.sched.RunManually(context.Background(), "normal_extract")
	require.NoError(t, err)
	assert.Contains(t, entry.Message, "follow-up aggregation refreshed 7 rows")
}

func TestRunManually_NoFollowupWithoutSuccessfulUnits(t *testing.T) {
	h := newHarness(t)
	h.runner.runFn = func(context.Context, reconcile.Request, reconcile.Observer) (*reconcile.Result, error) {
		return &reconcile.Result{Skipped: make([]reconcile.UnitResult, 3)}, nil
	}

	entry, err := h.sched.RunManually(context.Background(), "normal_extract")
	require.NoError(t, err)
	assert.Equal(t, model.HistorySuccess, entry.Status)
	assert.Empty(t, h.agg.dates)
}

func TestRunManually_RunnerErrorFails(t *testing.T) {
	h := newHarness(t)
	h.runner.runFn = func(context.Context, reconcile.Request, reconcile.Observer) (*reconcile.Result, error) {
		return &reconcile.Result{Failed: make([]reconcile.UnitResult, 1)}, errors.New("venue blocked")
	}

	entry, err := h.sched.RunManually(context.Background(), "normal_extract")
	require.Error(t, err)
	assert.Equal(t, model.HistoryFailed, entry.Status)
	assert.Contains(t, entry.Message, "venue blocked")
	assert.Empty(t, h.agg.dates)
	assert.Equal(t, "venue blocked", h.sched.State().LastError)

	info, err := h.mutex.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestRunManually_LockHeldIsSkipped(t *testing.T) {
	h := newHarness(t)
	other := lock.New(h.shared, lock.Config{Environment: "production"})
	require.True(t, other.Acquire(context.Background()))

	entry, err := h.sched.RunManually(context.Background(), "normal_extract")
	require.NoError(t, err)
	assert.Equal(t, model.HistorySkipped, entry.Status)
	assert.Equal(t, "lock held by production", entry.Message)
	assert.Zero(t, h.runner.calls())

	info, err := h.mutex.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info, "the other holder keeps the lock")
	assert.Equal(t, "production", info.Environment)
}

func TestRunManually_AggregateJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.RegisterAll([]model.JobDefinition{{
		ID: "backfill", Name: "Backfill", Type: model.JobTypeAggregate, Enabled: true,
		DateRange: model.DateOffsets{From: 3, To: 1},
	}}))

	entry, err := h.sched.RunManually(context.Background(), "backfill")
	require.NoError(t, err)
	assert.Equal(t, model.HistorySuccess, entry.Status)
	assert.Equal(t, []string{"2023-12-30", "2023-12-31", "2024-01-01"}, h.agg.dates)
	assert.Equal(t, "aggregated 21 rows over 3 dates", entry.Message)
}

func TestRunManually_UnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.sched.RunManually(context.Background(), "nope")
	assert.ErrorIs(t, err, jobconfig.ErrJobNotFound)
	assert.ErrorIs(t, h.sched.RunAsync(context.Background(), "nope"), jobconfig.ErrJobNotFound)
}

// blockingRunner parks inside Run until the stop channel closes.
func blockingRunner(h *harness) chan struct{} {
	started := make(chan struct{})
	h.runner.runFn = func(ctx context.Context, req reconcile.Request, obs reconcile.Observer) (*reconcile.Result, error) {
		obs.OnProgress(reconcile.Progress{Completed: 1, Total: 4, Message: "first unit"})
		close(started)
		select {
		case <-req.Stop:
			return &reconcile.Result{Success: make([]reconcile.UnitResult, 1)}, reconcile.ErrStopped
		case <-ctx.Done():
			return &reconcile.Result{}, ctx.Err()
		}
	}
	return started
}

func TestStopCurrent_RecordsStopped(t *testing.T) {
	h := newHarness(t)
	started := blockingRunner(h)
	assert.False(t, h.sched.StopCurrent(), "nothing running yet")

	done := make(chan model.HistoryEntry, 1)
	go func() {
		entry, _ := h.sched.RunManually(context.Background(), "normal_extract")
		done <- entry
	}()
	<-started

	assert.Equal(t, "normal_extract", h.sched.CurrentJobID())
	state := h.sched.State()
	assert.True(t, state.Running)
	assert.Equal(t, 4, state.Total)

	assert.True(t, h.sched.StopCurrent())

	entry := <-done
	assert.Equal(t, model.HistoryFailed, entry.Status)
	assert.Equal(t, "stopped: success=1 failed=0 skipped=0", entry.Message)
	assert.Empty(t, h.agg.dates, "no follow-up after a stop")
}

func TestRunManually_BusyWhileRunning(t *testing.T) {
	h := newHarness(t)
	started := blockingRunner(h)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.sched.RunManually(context.Background(), "normal_extract")
	}()
	<-started

	entry, err := h.sched.RunManually(context.Background(), "aggregate")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, model.HistorySkipped, entry.Status)
	assert.ErrorIs(t, h.sched.RunAsync(context.Background(), "aggregate"), ErrBusy)

	h.sched.StopCurrent()
	<-done

	hist := h.history(t)
	require.Len(t, hist, 2)
	assert.Equal(t, "normal_extract", hist[0].JobID)
	assert.Equal(t, "aggregate", hist[1].JobID)
}

func TestRunAsync_CompletesBeforeStopReturns(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Start(context.Background()))
	started := blockingRunner(h)

	require.NoError(t, h.sched.RunAsync(context.Background(), "normal_extract"))
	<-started
	h.sched.Stop()

	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, model.HistoryFailed, hist[0].Status)
	assert.True(t, hist[0].Manual)
}

func TestReload_KeepsTriggersOnStorageError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sched.Start(ctx))

	_, err := h.repo.SetEnabled(ctx, "aggregate", false)
	require.NoError(t, err)
	require.NoError(t, h.sched.Reload(ctx))
	assert.Len(t, h.sched.NextRuns(testNow), 2)

	h.jobs.breakReads()
	require.Error(t, h.sched.Reload(ctx))
	assert.Len(t, h.sched.NextRuns(testNow), 2)
	assert.Len(t, h.sched.Jobs(), 3)
}

func TestFire_RunsScheduledJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Start(context.Background()))

	h.sched.fire("aggregate", "aggregate_daily")
	hist := h.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, "aggregate_daily", hist[0].ScheduleID)
	assert.False(t, hist[0].Manual)

	h.sched.Stop()
	h.sched.fire("aggregate", "aggregate_daily")
	assert.Len(t, h.history(t), 1, "stopped schedulers ignore late triggers")
}
