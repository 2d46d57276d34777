package jobconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/objstore"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T, store objstore.Store, limit int) *Repository {
	t.Helper()
	r := NewRepository(store, Options{HistoryLimit: limit})
	r.now = func() time.Time { return fixedNow }
	return r
}

type brokenStore struct {
	objstore.Store
	getErr error
	putErr error
}

func (b *brokenStore) Get(ctx context.Context, key string) (*objstore.Object, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	return b.Store.Get(ctx, key)
}

func (b *brokenStore) Put(ctx context.Context, key string, data []byte, cond objstore.Condition) (string, error) {
	if b.putErr != nil {
		return "", b.putErr
	}
	return b.Store.Put(ctx, key, data, cond)
}

func TestLoad_MissingReturnsDefaultsWithoutWriting(t *testing.T) {
	store := objstore.NewMemory()
	r := newTestRepo(t, store, 0)

	doc, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, doc.Version)
	assert.Len(t, doc.Jobs, 3)
	assert.Empty(t, doc.History)

	exists, err := store.Exists(context.Background(), DefaultKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoad_StorageErrorFailsClosed(t *testing.T) {
	store := &brokenStore{Store: objstore.NewMemory(), getErr: errors.New("bucket unreachable")}
	r := newTestRepo(t, store, 0)

	_, err := r.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unreachable")
}

func TestLoad_CorruptDocument(t *testing.T) {
	store := objstore.NewMemory()
	_, err := store.Put(context.Background(), DefaultKey, []byte("{not json"), objstore.Condition{})
	require.NoError(t, err)

	_, err = newTestRepo(t, store, 0).Load(context.Background())
	assert.Error(t, err)
}

func TestLoad_UnknownVersion(t *testing.T) {
	store := objstore.NewMemory()
	_, err := store.Put(context.Background(), DefaultKey, []byte(`{"version": 9}`), objstore.Condition{})
	require.NoError(t, err)

	_, err = newTestRepo(t, store, 0).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported document version 9")
}

func TestSaveAndReload(t *testing.T) {
	store := objstore.NewMemory()
	r := newTestRepo(t, store, 0)
	ctx := context.Background()

	doc, err := r.Load(ctx)
	require.NoError(t, err)
	doc.Jobs[0].Enabled = false
	require.NoError(t, r.Save(ctx, doc))

	again, err := r.Load(ctx)
	require.NoError(t, err)
	assert.False(t, again.Jobs[0].Enabled)
	assert.Equal(t, fixedNow, again.UpdatedAt)
}

func TestSave_DetectsConcurrentWrite(t *testing.T) {
	store := objstore.NewMemory()
	r := newTestRepo(t, store, 0)
	ctx := context.Background()

	seed, err := r.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Save(ctx, seed))

	a, err := r.Load(ctx)
	require.NoError(t, err)
	b, err := r.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Save(ctx, a))
	assert.ErrorIs(t, r.Save(ctx, b), ErrConflict)
}

func TestSave_NewDocumentLosesToConcurrentCreate(t *testing.T) {
	store := objstore.NewMemory()
	r := newTestRepo(t, store, 0)
	ctx := context.Background()

	a, err := r.Load(ctx)
	require.NoError(t, err)
	b, err := r.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Save(ctx, a))
	assert.ErrorIs(t, r.Save(ctx, b), ErrConflict)
}

func TestSave_RejectsInvalidJobs(t *testing.T) {
	r := newTestRepo(t, objstore.NewMemory(), 0)
	doc := &Document{Jobs: []model.JobDefinition{
		{ID: "a", Type: model.JobTypeExtract},
		{ID: "a", Type: model.JobTypeExtract},
	}}
	assert.Error(t, r.Save(context.Background(), doc))
}

func TestAppendHistory_NewestFirstAndCapped(t *testing.T) {
	r := newTestRepo(t, objstore.NewMemory(), 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.AppendHistory(ctx, model.HistoryEntry{
			ID:     fmt.Sprintf("h%d", i),
			JobID:  "normal_extract",
			Status: model.HistorySuccess,
		}))
	}

	hist, err := r.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "h4", hist[0].ID)
	assert.Equal(t, "h2", hist[2].ID)

	limited, err := r.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAppendHistory_PropagatesStorageErrors(t *testing.T) {
	store := &brokenStore{Store: objstore.NewMemory(), putErr: errors.New("quota")}
	r := newTestRepo(t, store, 0)

	err := r.AppendHistory(context.Background(), model.HistoryEntry{ID: "x"})
	assert.Error(t, err)
}

func TestUpdateJob(t *testing.T) {
	r := newTestRepo(t, objstore.NewMemory(), 0)
	ctx := context.Background()

	job, err := r.SetEnabled(ctx, "aggregate", false)
	require.NoError(t, err)
	assert.False(t, job.Enabled)

	got, err := r.Job(ctx, "aggregate")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	_, err = r.SetEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = r.Job(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestUpdateJob_RejectsInvalidChange(t *testing.T) {
	r := newTestRepo(t, objstore.NewMemory(), 0)
	_, err := r.UpdateJob(context.Background(), "aggregate", func(j *model.JobDefinition) error {
		j.RunFollowupAfter = true
		return nil
	})
	assert.Error(t, err)
}

func TestLoad_MigratesV1AndPersists(t *testing.T) {
	store := objstore.NewMemory()
	v1 := `{
		"version": 1,
		"updatedAt": "2024-01-01T00:00:00Z",
		"schedules": [
			{"id": "priority_scrape", "name": "Priority", "cron": "30 23 * * *", "enabled": true,
			 "jobType": "scrape", "options": {"prioritizeHigh": true, "continueOnError": false}},
			{"id": "hourly", "name": "Hourly", "cron": "0 */4 * * *", "enabled": true, "jobType": "scrape",
			 "runDatamartAfter": true, "options": {}},
			{"id": "weird", "name": "Weird", "cron": "15 10 * * 1", "enabled": true, "jobType": "scrape", "options": {}},
			{"id": "datamart_update", "name": "Mart", "cron": "0 1 * * *", "enabled": false, "jobType": "datamart", "options": {}}
		],
		"history": [
			{"jobId": "priority_scrape", "jobName": "Priority", "status": "success", "message": "old"},
			{"jobId": "datamart_update", "jobName": "Mart", "status": "failed", "message": "new"}
		]
	}`
	_, err := store.Put(context.Background(), DefaultKey, []byte(v1), objstore.Condition{})
	require.NoError(t, err)

	r := newTestRepo(t, store, 0)
	doc, err := r.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Jobs, 4)

	p := doc.Jobs[0]
	assert.Equal(t, model.JobTypeExtract, p.Type)
	assert.Equal(t, "high", p.ExtractOptions().PriorityFilter)
	assert.False(t, p.ExtractOptions().ContinueOnError)
	assert.Equal(t, model.ScheduleRule{ID: "priority_scrape_rule", Kind: model.ScheduleDaily, Hour: 23, Minute: 30, Enabled: true}, p.Schedules[0])

	h := doc.Jobs[1]
	assert.Equal(t, model.ScheduleInterval, h.Schedules[0].Kind)
	assert.Equal(t, 4, h.Schedules[0].IntervalHours)
	assert.True(t, h.RunFollowupAfter)
	assert.True(t, h.ExtractOptions().ContinueOnError)

	w := doc.Jobs[2]
	assert.False(t, w.Schedules[0].Enabled)
	assert.Equal(t, 0, w.Schedules[0].Hour)

	m := doc.Jobs[3]
	assert.Equal(t, model.JobTypeAggregate, m.Type)
	assert.Nil(t, m.Extract)
	assert.False(t, m.Enabled)

	require.Len(t, doc.History, 2)
	assert.Equal(t, "new", doc.History[0].Message)
	assert.Equal(t, model.JobTypeAggregate, doc.History[0].JobType)

	obj, err := store.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	var stored versionProbe
	require.NoError(t, json.Unmarshal(obj.Data, &stored))
	assert.Equal(t, CurrentVersion, stored.Version)
}

func TestCronToRule(t *testing.T) {
	tests := []struct {
		expr string
		want model.ScheduleRule
	}{
		{"30 0 * * *", model.ScheduleRule{ID: "x_rule", Kind: model.ScheduleDaily, Hour: 0, Minute: 30, Enabled: true}},
		{"0 */6 * * *", model.ScheduleRule{ID: "x_rule", Kind: model.ScheduleInterval, IntervalHours: 6, Enabled: true}},
		{"15 */6 * * *", model.ScheduleRule{ID: "x_rule", Kind: model.ScheduleDaily}},
		{"0 25 * * *", model.ScheduleRule{ID: "x_rule", Kind: model.ScheduleDaily}},
		{"@daily", model.ScheduleRule{ID: "x_rule", Kind: model.ScheduleDaily}},
		{"", model.ScheduleRule{ID: "x_rule", Kind: model.ScheduleDaily}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, cronToRule("x", tt.expr))
		})
	}
}

func TestDefaultJobsAreValid(t *testing.T) {
	doc := defaultDocument(fixedNow)
	require.NoError(t, doc.Validate())

	normal, ok := doc.Job("normal_extract")
	require.True(t, ok)
	assert.True(t, normal.RunFollowupAfter)
	assert.Equal(t, "daily 00:30", normal.Schedules[0].Describe())

	priority, ok := doc.Job("priority_extract")
	require.True(t, ok)
	assert.Equal(t, model.FilterLate, priority.ExtractOptions().PriorityFilter)
}
