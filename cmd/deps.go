package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/db"
	"github.com/sells-group/hallsync/internal/extract"
	"github.com/sells-group/hallsync/internal/jobconfig"
	"github.com/sells-group/hallsync/internal/lock"
	"github.com/sells-group/hallsync/internal/objstore"
	"github.com/sells-group/hallsync/internal/reconcile"
	"github.com/sells-group/hallsync/internal/store"
	"github.com/sells-group/hallsync/internal/warehouse"
)

// initStaging opens and migrates the local staging database.
func initStaging(ctx context.Context) (*store.SQLiteStore, error) {
	st, err := store.NewSQLite(cfg.Staging.Path)
	if err != nil {
		return nil, eris.Wrap(err, "open staging store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate staging store")
	}
	return st, nil
}

// initWarehouse connects to Postgres. Callers close the returned pool.
func initWarehouse(ctx context.Context) (*pgxpool.Pool, *warehouse.Warehouse, error) {
	if err := cfg.Validate("warehouse"); err != nil {
		return nil, nil, err
	}
	pool, err := db.Connect(ctx, cfg.Warehouse.DatabaseURL, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect warehouse")
	}
	wh, err := warehouse.New(pool, warehouse.ConfigFrom(cfg.Warehouse))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, wh, nil
}

// initObjects opens the shared object store backing the mutex and job document.
func initObjects(ctx context.Context) (objstore.Store, error) {
	if err := cfg.Validate("lock"); err != nil {
		return nil, err
	}
	objs, err := objstore.Open(ctx, cfg.ObjStore)
	if err != nil {
		return nil, eris.Wrap(err, "open object store")
	}
	return objs, nil
}

// newMutex builds the cross-process mutex. jobMode overrides the configured
// label when set.
func newMutex(objs objstore.Store, jobMode string) *lock.Mutex {
	if jobMode == "" {
		jobMode = cfg.Lock.JobMode
	}
	return lock.New(objs, lock.Config{
		Key:         cfg.Lock.Key,
		TTL:         cfg.Lock.TTL,
		Environment: cfg.Lock.Environment,
		JobMode:     jobMode,
	})
}

func newJobRepo(objs objstore.Store) *jobconfig.Repository {
	return jobconfig.NewRepository(objs, jobconfig.Options{
		Key:          cfg.Scheduler.ConfigKey,
		HistoryLimit: cfg.Scheduler.HistoryLimit,
	})
}

// newExtractor starts the browser and wraps it in the slorepo extractor.
func newExtractor() (*extract.Slorepo, error) {
	browser, err := extract.NewBrowser(extract.BrowserConfig{
		RemoteURL: cfg.Extractor.RemoteURL,
		UserAgent: cfg.Extractor.UserAgent,
	})
	if err != nil {
		return nil, eris.Wrap(err, "start browser")
	}
	return extract.NewSlorepo(browser, extract.SlorepoConfigFrom(cfg.Extractor, cfg.Reconcile.Source)), nil
}

// syncEnv holds the staging store and warehouse. It is enough for commands
// that move staged rows without extracting.
type syncEnv struct {
	Staging    *store.SQLiteStore
	Pool       *pgxpool.Pool
	Warehouse  *warehouse.Warehouse
	Reconciler *reconcile.Reconciler
}

// Close releases the warehouse pool and the staging database.
func (e *syncEnv) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.Staging != nil {
		_ = e.Staging.Close()
	}
}

func initSync(ctx context.Context) (*syncEnv, error) {
	st, err := initStaging(ctx)
	if err != nil {
		return nil, err
	}
	pool, wh, err := initWarehouse(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rec := reconcile.New(st, st, st, wh, nil, reconcile.ConfigFrom(cfg))
	return &syncEnv{Staging: st, Pool: pool, Warehouse: wh, Reconciler: rec}, nil
}

// reconcileEnv adds the extractor to syncEnv. Callers should defer env.Close().
type reconcileEnv struct {
	syncEnv
	Extractor *extract.Slorepo
}

// Close stops the browser before closing the stores.
func (e *reconcileEnv) Close() {
	if e.Extractor != nil {
		if err := e.Extractor.Close(); err != nil {
			zap.L().Warn("close extractor", zap.Error(err))
		}
	}
	e.syncEnv.Close()
}

func initReconcile(ctx context.Context, mode string) (*reconcileEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	se, err := initSync(ctx)
	if err != nil {
		return nil, err
	}
	ex, err := newExtractor()
	if err != nil {
		se.Close()
		return nil, err
	}
	se.Reconciler = reconcile.New(se.Staging, se.Staging, se.Staging, se.Warehouse, ex, reconcile.ConfigFrom(cfg))

	zap.L().Info("reconcile environment ready",
		zap.String("staging", cfg.Staging.Path),
		zap.Int("venues", len(cfg.Venues)),
		zap.Duration("unit_timeout", time.Duration(cfg.Extractor.TimeoutSecs)*time.Second),
	)
	return &reconcileEnv{syncEnv: *se, Extractor: ex}, nil
}
