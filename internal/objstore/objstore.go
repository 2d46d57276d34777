// Package objstore is a small key/value blob store shared by every process.
// Writes can be made conditional so that callers can implement
// compare-and-swap on a single key.
package objstore

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hallsync/internal/config"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("objstore: not found")
	// ErrPreconditionFailed is returned when a conditional write loses.
	ErrPreconditionFailed = errors.New("objstore: precondition failed")
)

// Object is a stored blob and its version tag.
type Object struct {
	Data    []byte
	ETag    string
	ModTime time.Time
}

// Condition guards a write. The zero value writes unconditionally.
type Condition struct {
	// IfAbsent writes only if the key does not exist.
	IfAbsent bool
	// IfMatch writes only if the current version tag equals this value.
	IfMatch string
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, data []byte, cond Condition) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.ObjStoreConfig) (Store, error) {
	switch cfg.Driver {
	case "s3", "":
		return NewS3(ctx, cfg)
	case "dynamodb":
		return NewDynamoDB(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	}
	return nil, eris.Errorf("objstore: unknown driver %q", cfg.Driver)
}
