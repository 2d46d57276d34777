package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/extract"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/store"
	"github.com/sells-group/hallsync/internal/warehouse"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// --- Extractor Mock ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) ListMachines(ctx context.Context, date string, venue model.Venue) (*extract.MachineList, error) {
	args := m.Called(ctx, date, venue.Name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.MachineList), args.Error(1)
}

func (m *mockExtractor) Extract(ctx context.Context, date string, venue model.Venue) (*extract.Result, error) {
	args := m.Called(ctx, date, venue.Name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

// --- Warehouse Fake ---

type fakeWarehouse struct {
	mu      sync.Mutex
	rows    map[string]map[string][]model.StagingRow
	syncs   []warehouse.PartitionKey
	syncErr error
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{rows: map[string]map[string][]model.StagingRow{}}
}

func (w *fakeWarehouse) Count(_ context.Context, date, venue string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows[date][venue]), nil
}

func (w *fakeWarehouse) Sync(_ context.Context, key warehouse.PartitionKey, rows []model.StagingRow, scope warehouse.Scope) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.syncErr != nil {
		return 0, w.syncErr
	}
	w.syncs = append(w.syncs, key)
	if scope == warehouse.ScopePartition || w.rows[key.Date] == nil {
		w.rows[key.Date] = map[string][]model.StagingRow{}
	}
	if scope == warehouse.ScopeVenue {
		w.rows[key.Date][key.Venue] = nil
	}
	for _, r := range rows {
		w.rows[r.Date][r.Venue] = append(w.rows[r.Date][r.Venue], r)
	}
	return int64(len(rows)), nil
}

func (w *fakeWarehouse) venueRows(date, venue string) []model.StagingRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows[date][venue]
}

// --- Corrections Spy ---

type countingCorrections struct {
	Corrections
	calls int
}

func (c *countingCorrections) GetMachineCorrections(ctx context.Context, date, venue, machine, source string) ([]model.CorrectionRow, error) {
	c.calls++
	return c.Corrections.GetMachineCorrections(ctx, date, venue, machine, source)
}

// --- Helpers ---

var (
	alpha = model.Venue{Name: "Alpha", Code: "alpha", Priority: model.PriorityHigh, Active: true}
	beta  = model.Venue{Name: "Beta", Code: "beta", Priority: model.PriorityNormal, Active: true}
)

type harness struct {
	st    *store.SQLiteStore
	corr  *countingCorrections
	wh    *fakeWarehouse
	ex    *mockExtractor
	recon *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		st:   st,
		corr: &countingCorrections{Corrections: st},
		wh:   newFakeWarehouse(),
		ex:   &mockExtractor{},
	}
	h.recon = New(st, h.corr, st, h.wh, h.ex, Config{Source: "slorepo"})
	return h
}

func row(date, venue, machine string, number, diff int) model.StagingRow {
	r := model.StagingRow{
		Date: date, Venue: venue, Machine: machine, MachineNumber: number,
		Diff: diff, Games: 2000, Big: 5, Reg: 4, CombinedRate: "1/222", Source: "slorepo",
	}
	r.Normalize()
	return r
}

// fiveMachines returns one unit per machine model for five models.
func fiveMachines(date, venue string) []model.StagingRow {
	var rows []model.StagingRow
	for i := 1; i <= 5; i++ {
		rows = append(rows, row(date, venue, fmt.Sprintf("model-%d", i), 100+i, i*10))
	}
	return rows
}

func machineList(n int) *extract.MachineList {
	l := &extract.MachineList{Count: n}
	for i := 1; i <= n; i++ {
		l.Machines = append(l.Machines, extract.Machine{Name: fmt.Sprintf("model-%d", i), Encoded: fmt.Sprintf("model-%d", i)})
	}
	return l
}

func failure(date, venue, machine string) model.MachineFailure {
	return model.MachineFailure{
		Date: date, Venue: venue, Machine: machine,
		MachineURL: "https://example.test/" + machine, ErrorKind: model.ErrorKindTimeout,
		ErrorMessage: "navigation timed out", Status: model.FailureStatusPending,
	}
}

var twoDays = []string{"2024-01-01", "2024-01-02"}

// --- Tests ---

func TestRun_ExampleScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, d := range twoDays {
		for _, v := range []string{"Alpha", "Beta"} {
			h.ex.On("Extract", mock.Anything, d, v).Return(&extract.Result{Rows: fiveMachines(d, v)}, nil).Once()
		}
	}

	var events []Progress
	res, err := h.recon.Run(ctx, Request{
		Dates:  twoDays,
		Venues: []model.Venue{beta, alpha},
	}, ObserverFunc(func(p Progress) { events = append(events, p) }))
	require.NoError(t, err)

	assert.Len(t, res.Success, 4)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Skipped)
	for _, d := range twoDays {
		assert.Len(t, h.wh.venueRows(d, "Alpha"), 5)
		assert.Len(t, h.wh.venueRows(d, "Beta"), 5)
	}

	require.Len(t, events, 4)
	order := []string{"2024-01-01/Alpha", "2024-01-01/Beta", "2024-01-02/Alpha", "2024-01-02/Beta"}
	for i, p := range events {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 4, p.Total)
		assert.Equal(t, order[i], p.Unit.Date+"/"+p.Unit.Venue.Name)
	}
	h.ex.AssertNotCalled(t, "ListMachines", mock.Anything, mock.Anything, mock.Anything)
	h.ex.AssertExpectations(t)
}

func TestRun_SecondRunSkipsEveryUnit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, d := range twoDays {
		for _, v := range []string{"Alpha", "Beta"} {
			h.ex.On("Extract", mock.Anything, d, v).Return(&extract.Result{Rows: fiveMachines(d, v)}, nil).Once()
		}
	}
	req := Request{Dates: twoDays, Venues: []model.Venue{alpha, beta}}
	_, err := h.recon.Run(ctx, req, nil)
	require.NoError(t, err)
	before := h.wh.venueRows("2024-01-01", "Alpha")
	syncs := len(h.wh.syncs)

	h.ex.On("ListMachines", mock.Anything, mock.Anything, mock.Anything).Return(machineList(5), nil)
	res, err := h.recon.Run(ctx, req, nil)
	require.NoError(t, err)

	assert.Empty(t, res.Success)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Skipped, 4)
	for _, s := range res.Skipped {
		assert.Equal(t, ReasonCountMatches, s.Reason)
		assert.False(t, s.Synced)
	}
	assert.Len(t, h.wh.syncs, syncs, "no warehouse writes on the second run")
	assert.Equal(t, before, h.wh.venueRows("2024-01-01", "Alpha"))
	h.ex.AssertNumberOfCalls(t, "Extract", 4)
}

func TestRun_SkippedUnitStillRepairsWarehouse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.st.InsertRows(ctx, fiveMachines("2024-01-01", "Alpha"))
	require.NoError(t, err)
	h.ex.On("ListMachines", mock.Anything, "2024-01-01", "Alpha").Return(machineList(5), nil)

	res, err := h.recon.Run(ctx, Request{Dates: []string{"2024-01-01"}, Venues: []model.Venue{alpha}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.True(t, res.Skipped[0].Synced)
	assert.Len(t, h.wh.venueRows("2024-01-01", "Alpha"), 5)
	h.ex.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_FailedMachineRestoredFromBackup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := "2024-01-01"
	old := []model.StagingRow{row(d, "Alpha", "Juggler", 1, 100), row(d, "Alpha", "Hana", 2, -40)}
	_, err := h.st.InsertRows(ctx, old)
	require.NoError(t, err)

	h.ex.On("ListMachines", mock.Anything, d, "Alpha").Return(machineList(3), nil)
	h.ex.On("Extract", mock.Anything, d, "Alpha").Return(&extract.Result{
		Rows:     []model.StagingRow{row(d, "Alpha", "Juggler", 1, 150), row(d, "Alpha", "Newcomer", 3, 10)},
		Failures: []model.MachineFailure{failure(d, "Alpha", "Hana")},
	}, nil)

	res, err := h.recon.Run(ctx, Request{Dates: []string{d}, Venues: []model.Venue{alpha}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Success, 1)
	assert.Equal(t, 1, res.Success[0].Restored)

	staged, err := h.st.Rows(ctx, d, "Alpha")
	require.NoError(t, err)
	require.Len(t, staged, 3)
	assert.Equal(t, 150, staged[0].Diff, "fresh extraction wins for machines that succeeded")
	assert.Equal(t, -40, staged[1].Diff, "failed machine restored from backup")

	assert.Zero(t, h.corr.calls, "corrections are not consulted when a backup exists")
	failures, err := h.st.ListFailures(ctx, store.FailureFilter{})
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestRun_FailedMachineFilledFromCorrections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := "2024-01-01"
	_, err := h.st.AddCorrections(ctx, []model.CorrectionRow{
		{StagingRow: row(d, "Alpha", "Hana", 2, 75), Notes: "from the hall's board"},
	})
	require.NoError(t, err)

	h.ex.On("Extract", mock.Anything, d, "Alpha").Return(&extract.Result{
		Rows:     []model.StagingRow{row(d, "Alpha", "Juggler", 1, 150)},
		Failures: []model.MachineFailure{failure(d, "Alpha", "Hana")},
	}, nil)

	res, err := h.recon.Run(ctx, Request{Dates: []string{d}, Venues: []model.Venue{alpha}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Success, 1)
	assert.Equal(t, 1, res.Success[0].Corrected)
	assert.Equal(t, 1, h.corr.calls)

	staged, err := h.st.Rows(ctx, d, "Alpha")
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.Equal(t, "Hana", staged[1].Machine)
	assert.Equal(t, 75, staged[1].Diff)
	assert.Len(t, h.wh.venueRows(d, "Alpha"), 2)

	failures, err := h.st.ListFailures(ctx, store.FailureFilter{})
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestRun_UnrecoveredMachineIsLogged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := "2024-01-01"
	h.ex.On("Extract", mock.Anything, d, "Alpha").Return(&extract.Result{
		Rows:     []model.StagingRow{row(d, "Alpha", "Juggler", 1, 150)},
		Failures: []model.MachineFailure{failure(d, "Alpha", "Hana")},
	}, nil)

	res, err := h.recon.Run(ctx, Request{Dates: []string{d}, Venues: []model.Venue{alpha}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Success, 1)
	assert.Equal(t, 1, res.Success[0].Logged)

	failures, err := h.st.ListFailures(ctx, store.FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "Hana", failures[0].Machine)
	assert.Equal(t, "alpha", failures[0].VenueCode)
	assert.Equal(t, model.ErrorKindTimeout, failures[0].ErrorKind)
	assert.Equal(t, model.FailureStatusPending, failures[0].Status)
}

func TestRun_ContinueOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.On("Extract", mock.Anything, "2024-01-01", "Beta").Return(nil, context.DeadlineExceeded)
	for _, u := range [][2]string{{"2024-01-01", "Alpha"}, {"2024-01-02", "Alpha"}, {"2024-01-02", "Beta"}} {
		h.ex.On("Extract", mock.Anything, u[0], u[1]).Return(&extract.Result{Rows: fiveMachines(u[0], u[1])}, nil)
	}

	res, err := h.recon.Run(ctx, Request{
		Dates:   twoDays,
		Venues:  []model.Venue{alpha, beta},
		Options: model.ExtractOptions{ContinueOnError: true},
	}, nil)
	require.NoError(t, err)

	assert.Len(t, res.Success, 3)
	assert.Empty(t, res.Skipped)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "Beta", res.Failed[0].Unit.Venue.Name)
	assert.Equal(t, model.ErrorKindTimeout, res.Failed[0].ErrorKind)
	h.ex.AssertNumberOfCalls(t, "Extract", 4)

	failures, err := h.st.ListFailures(ctx, store.FailureFilter{Venue: "Beta"})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].VenueLevel())
}

func TestRun_AbortsWithoutContinueOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.On("Extract", mock.Anything, "2024-01-01", "Alpha").Return(&extract.Result{Rows: fiveMachines("2024-01-01", "Alpha")}, nil)
	h.ex.On("Extract", mock.Anything, "2024-01-01", "Beta").Return(nil, errors.New("boom"))

	res, err := h.recon.Run(ctx, Request{Dates: twoDays, Venues: []model.Venue{alpha, beta}}, nil)
	require.Error(t, err)
	assert.Len(t, res.Success, 1)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, model.ErrorKindUnknown, res.Failed[0].ErrorKind)
	h.ex.AssertNotCalled(t, "Extract", mock.Anything, "2024-01-02", mock.Anything)
}

func TestRun_StopBetweenUnits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.On("Extract", mock.Anything, "2024-01-01", "Alpha").Return(&extract.Result{Rows: fiveMachines("2024-01-01", "Alpha")}, nil)

	stop := make(chan struct{})
	res, err := h.recon.Run(ctx, Request{Dates: twoDays, Venues: []model.Venue{alpha, beta}, Stop: stop},
		ObserverFunc(func(Progress) { close(stop) }))
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, res.Total())
	h.ex.AssertNumberOfCalls(t, "Extract", 1)
}

func TestRun_ForceReextractsAndSyncs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := "2024-01-01"
	_, err := h.st.InsertRows(ctx, fiveMachines(d, "Alpha"))
	require.NoError(t, err)
	_, err = h.wh.Sync(ctx, warehouse.PartitionKey{Date: d, Venue: "Alpha"}, fiveMachines(d, "Alpha"), warehouse.ScopeVenue)
	require.NoError(t, err)

	fresh := fiveMachines(d, "Alpha")
	fresh[0].Diff = 999
	h.ex.On("Extract", mock.Anything, d, "Alpha").Return(&extract.Result{Rows: fresh}, nil)

	res, err := h.recon.Run(ctx, Request{
		Dates:   []string{d},
		Venues:  []model.Venue{alpha},
		Options: model.ExtractOptions{Force: true},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Success, 1)
	assert.True(t, res.Success[0].Synced)
	assert.Len(t, h.wh.syncs, 2)
	assert.Equal(t, 999, h.wh.venueRows(d, "Alpha")[0].Diff)
	h.ex.AssertNotCalled(t, "ListMachines", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_PriorityFilter(t *testing.T) {
	h := newHarness(t)
	h.ex.On("Extract", mock.Anything, "2024-01-01", "Alpha").Return(&extract.Result{Rows: fiveMachines("2024-01-01", "Alpha")}, nil)

	res, err := h.recon.Run(context.Background(), Request{
		Dates:   []string{"2024-01-01"},
		Venues:  []model.Venue{alpha, beta},
		Options: model.ExtractOptions{PriorityFilter: string(model.PriorityHigh)},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total())
	h.ex.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, "Beta")
}

func TestRun_WarehouseFailureFailsUnit(t *testing.T) {
	h := newHarness(t)
	h.wh.syncErr = errors.New("load job failed")
	h.ex.On("Extract", mock.Anything, "2024-01-01", "Alpha").Return(&extract.Result{Rows: fiveMachines("2024-01-01", "Alpha")}, nil)

	res, err := h.recon.Run(context.Background(), Request{
		Dates:   []string{"2024-01-01"},
		Venues:  []model.Venue{alpha},
		Options: model.ExtractOptions{ContinueOnError: true},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, "load job failed")

	staged, err := h.st.CountRows(context.Background(), "2024-01-01", "Alpha")
	require.NoError(t, err)
	assert.Equal(t, 5, staged, "staging keeps the rows for the next run")
}

func TestRun_SuccessResolvesVenueFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.st.AddFailure(ctx, model.MachineFailure{Date: "2024-01-01", Venue: "Alpha", ErrorKind: model.ErrorKindBlocked})
	require.NoError(t, err)
	h.ex.On("Extract", mock.Anything, "2024-01-01", "Alpha").Return(&extract.Result{Rows: fiveMachines("2024-01-01", "Alpha")}, nil)

	_, err = h.recon.Run(ctx, Request{Dates: []string{"2024-01-01"}, Venues: []model.Venue{alpha}}, nil)
	require.NoError(t, err)

	failures, err := h.st.ListFailures(ctx, store.FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, model.FailureStatusResolved, failures[0].Status)
	assert.Equal(t, model.ResolvedRescrape, failures[0].ResolvedMethod)
}

func TestSyncDate_ReloadsEveryVenue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := "2024-01-01"
	_, err := h.st.InsertRows(ctx, append(fiveMachines(d, "Alpha"), fiveMachines(d, "Beta")...))
	require.NoError(t, err)
	h.wh.rows[d] = map[string][]model.StagingRow{"Gone": {row(d, "Gone", "x", 1, 1)}}

	n, err := h.recon.SyncDate(ctx, d)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)

	venues := make([]string, 0, len(h.wh.rows[d]))
	for v := range h.wh.rows[d] {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	assert.Equal(t, []string{"Alpha", "Beta"}, venues)
}

func TestSyncDate_NothingStaged(t *testing.T) {
	h := newHarness(t)
	n, err := h.recon.SyncDate(context.Background(), "2024-01-01")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.wh.syncs)
}

func TestResultSummary(t *testing.T) {
	r := &Result{Success: make([]UnitResult, 2), Skipped: make([]UnitResult, 1)}
	assert.Equal(t, "success=2 failed=0 skipped=1", r.Summary())
	assert.Equal(t, 3, r.Total())
}
