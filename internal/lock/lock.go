// Package lock implements a cross-process mutex on top of the shared object store.
// The holder is recorded in a single object. Records older than the TTL are
// treated as abandoned and may be taken over.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/metrics"
	"github.com/sells-group/hallsync/internal/model"
	"github.com/sells-group/hallsync/internal/objstore"
)

// Defaults for the mutex object.
const (
	DefaultKey = "job.lock"
	DefaultTTL = 6 * time.Hour
)

// ErrNotAcquired is returned by WithLock when another holder owns the mutex.
var ErrNotAcquired = errors.New("lock: held by another process")

// Config identifies the mutex and its holder.
type Config struct {
	Key         string
	TTL         time.Duration
	Environment string
	JobMode     string
}

// Mutex is the cross-process mutual exclusion guard.
type Mutex struct {
	store objstore.Store
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

// New returns a Mutex over store. Empty config fields take the defaults.
func New(store objstore.Store, cfg Config) *Mutex {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Mutex{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "lock"), zap.String("key", cfg.Key)),
	}
}

// Acquire tries to take the mutex. It never returns an error: any failure to
// read or write the record counts as not acquired.
func (m *Mutex) Acquire(ctx context.Context) bool {
	ok := m.acquire(ctx)
	result := "contended"
	if ok {
		result = "acquired"
	}
	metrics.LockAttempts.WithLabelValues(result).Inc()
	return ok
}

func (m *Mutex) acquire(ctx context.Context) bool {
	payload, err := json.Marshal(model.LockRecord{
		StartedAt:   m.now().UTC(),
		Environment: m.cfg.Environment,
		JobMode:     m.cfg.JobMode,
	})
	if err != nil {
		m.log.Error("encode lock record", zap.Error(err))
		return false
	}

	obj, err := m.store.Get(ctx, m.cfg.Key)
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		return m.write(ctx, payload, objstore.Condition{IfAbsent: true})
	case err != nil:
		m.log.Error("read lock record", zap.Error(err))
		return false
	}

	info := m.describe(obj)
	if !info.IsExpired {
		m.log.Info("lock held",
			zap.String("holder_environment", info.Environment),
			zap.String("holder_job_mode", info.JobMode),
			zap.Duration("age", time.Duration(info.AgeMs)*time.Millisecond),
		)
		return false
	}

	m.log.Warn("taking over expired lock",
		zap.String("holder_environment", info.Environment),
		zap.Time("started_at", info.StartedAt),
		zap.Duration("ttl", m.cfg.TTL),
	)
	return m.write(ctx, payload, objstore.Condition{IfMatch: obj.ETag})
}

func (m *Mutex) write(ctx context.Context, payload []byte, cond objstore.Condition) bool {
	if _, err := m.store.Put(ctx, m.cfg.Key, payload, cond); err != nil {
		if errors.Is(err, objstore.ErrPreconditionFailed) {
			m.log.Info("lock taken concurrently")
		} else {
			m.log.Error("write lock record", zap.Error(err))
		}
		return false
	}
	m.log.Info("lock acquired", zap.String("environment", m.cfg.Environment))
	return true
}

// Release deletes the mutex record. Errors are logged, never returned.
func (m *Mutex) Release(ctx context.Context) {
	err := m.store.Delete(ctx, m.cfg.Key)
	switch {
	case err == nil:
		m.log.Info("lock released")
	case errors.Is(err, objstore.ErrNotFound):
		m.log.Debug("lock already released")
	default:
		m.log.Error("release lock", zap.Error(err))
	}
}

// Status returns the current holder, or nil when the mutex is free.
func (m *Mutex) Status(ctx context.Context) (*model.LockInfo, error) {
	obj, err := m.store.Get(ctx, m.cfg.Key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "lock: status")
	}
	info := m.describe(obj)
	return &info, nil
}

// WithLock runs fn while holding the mutex and always releases it afterwards,
// even when ctx is cancelled.
func (m *Mutex) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if !m.Acquire(ctx) {
		return ErrNotAcquired
	}
	defer m.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// describe decodes a record. An unreadable record falls back to the object's
// modification time so it still expires.
func (m *Mutex) describe(obj *objstore.Object) model.LockInfo {
	var rec model.LockRecord
	if err := json.Unmarshal(obj.Data, &rec); err != nil || rec.StartedAt.IsZero() {
		m.log.Warn("unreadable lock record", zap.ByteString("data", obj.Data))
		rec.StartedAt = obj.ModTime
	}
	age := m.now().Sub(rec.StartedAt)
	return model.LockInfo{
		LockRecord: rec,
		AgeMs:      age.Milliseconds(),
		IsExpired:  age > m.cfg.TTL,
	}
}
