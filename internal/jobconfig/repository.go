package jobconfig

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/objstore"
)

// DefaultKey is the object key of the document.
const DefaultKey = "config/schedules.json"

var (
	// ErrJobNotFound is returned when a job id is not in the document.
	ErrJobNotFound = errors.New("jobconfig: job not found")
	// ErrConflict is returned by Save when the document changed since it was loaded.
	ErrConflict = errors.New("jobconfig: document modified concurrently")
)

const maxWriteAttempts = 5

// Options configures a Repository.
type Options struct {
	Key          string
	HistoryLimit int
}

// Repository loads and saves the job document.
type Repository struct {
	store objstore.Store
	key   string
	limit int
	now   func() time.Time
	log   *zap.Logger
}

// NewRepository returns a Repository over store.
func NewRepository(store objstore.Store, opts Options) *Repository {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Repository{
		store: store,
		key:   opts.Key,
		limit: opts.HistoryLimit,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "jobconfig"), zap.String("key", opts.Key)),
	}
}

// Load reads the document. A missing document yields the defaults without
// writing them. Older versions are migrated and written back immediately.
// Any storage error is returned; callers must not fall back to defaults.
func (r *Repository) Load(ctx context.Context) (*Document, error) {
	obj, err := r.store.Get(ctx, r.key)
	if errors.Is(err, objstore.ErrNotFound) {
		r.log.Info("no job document, using defaults")
		return defaultDocument(r.now()), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "jobconfig: load")
	}

	doc, migrated, err := decode(obj.Data, r.now())
	if err != nil {
		return nil, err
	}
	doc.etag = obj.ETag

	if migrated {
		r.log.Info("migrating job document", zap.Int("to_version", CurrentVersion), zap.Int("jobs", len(doc.Jobs)))
		if err := r.Save(ctx, doc); err != nil {
			return nil, eris.Wrap(err, "jobconfig: persist migrated document")
		}
	}
	return doc, nil
}

// Save writes doc if nobody else has written since it was loaded. A document
// that was never stored is created only if the key is still absent.
func (r *Repository) Save(ctx context.Context, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	doc.Version = CurrentVersion
	doc.UpdatedAt = r.now().UTC()
	if len(doc.History) > r.limit {
		doc.History = doc.History[:r.limit]
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "jobconfig: encode")
	}

	cond := objstore.Condition{IfMatch: doc.etag}
	if doc.etag == "" {
		cond = objstore.Condition{IfAbsent: true}
	}
	etag, err := r.store.Put(ctx, r.key, data, cond)
	if errors.Is(err, objstore.ErrPreconditionFailed) {
		return ErrConflict
	}
	if err != nil {
		return eris.Wrap(err, "jobconfig: save")
	}
	doc.etag = etag
	return nil
}

// update applies fn to a freshly loaded document and saves it, retrying when
// another writer got there first.
func (r *Repository) update(ctx context.Context, fn func(*Document) error) (*Document, error) {
	for attempt := 1; ; attempt++ {
		doc, err := r.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		err = r.Save(ctx, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxWriteAttempts {
			return nil, err
		}
		r.log.Debug("job document conflict, retrying", zap.Int("attempt", attempt))
	}
}

// AppendHistory records e as the newest history entry, pruning the oldest
// entries beyond the limit.
func (r *Repository) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	_, err := r.update(ctx, func(doc *Document) error {
		doc.pushHistory(e, r.limit)
		return nil
	})
	return err
}

// History returns up to limit entries, newest first.
func (r *Repository) History(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	doc, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(doc.History) > limit {
		return doc.History[:limit], nil
	}
	return doc.History, nil
}

// Job returns one job definition.
func (r *Repository) Job(ctx context.Context, id string) (*model.JobDefinition, error) {
	doc, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	job, ok := doc.Job(id)
	if !ok {
		return nil, eris.Wrapf(ErrJobNotFound, "jobconfig: %s", id)
	}
	return job, nil
}

// UpdateJob applies fn to the job with id and saves the document.
func (r *Repository) UpdateJob(ctx context.Context, id string, fn func(*model.JobDefinition) error) (*model.JobDefinition, error) {
	var updated model.JobDefinition
	_, err := r.update(ctx, func(doc *Document) error {
		job, ok := doc.Job(id)
		if !ok {
			return eris.Wrapf(ErrJobNotFound, "jobconfig: %s", id)
		}
		if err := fn(job); err != nil {
			return err
		}
		if job.ID != id {
			return eris.Errorf("jobconfig: job id cannot change from %s", id)
		}
		updated = *job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetEnabled toggles a job on or off.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) (*model.JobDefinition, error) {
	return r.UpdateJob(ctx, id, func(j *model.JobDefinition) error {
		j.Enabled = enabled
		return nil
	})
}
