package objstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hallsync/internal/config"
)

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	etag, err := m.Put(ctx, "k", []byte("v1"), Condition{})
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	obj, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(obj.Data))
	assert.Equal(t, etag, obj.ETag)
	assert.False(t, obj.ModTime.IsZero())

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, "k"))
	assert.ErrorIs(t, m.Delete(ctx, "k"), ErrNotFound)

	ok, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_IfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Put(ctx, "k", []byte("a"), Condition{IfAbsent: true})
	require.NoError(t, err)

	_, err = m.Put(ctx, "k", []byte("b"), Condition{IfAbsent: true})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	obj, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "a", string(obj.Data))
}

func TestMemory_IfMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Put(ctx, "k", []byte("a"), Condition{IfMatch: "1"})
	assert.ErrorIs(t, err, ErrPreconditionFailed, "missing key never matches")

	etag, err := m.Put(ctx, "k", []byte("a"), Condition{})
	require.NoError(t, err)

	next, err := m.Put(ctx, "k", []byte("b"), Condition{IfMatch: etag})
	require.NoError(t, err)
	assert.NotEqual(t, etag, next)

	_, err = m.Put(ctx, "k", []byte("c"), Condition{IfMatch: etag})
	assert.ErrorIs(t, err, ErrPreconditionFailed, "stale etag loses")
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Put(ctx, "k", []byte("abc"), Condition{})
	require.NoError(t, err)

	obj, err := m.Get(ctx, "k")
	require.NoError(t, err)
	obj.Data[0] = 'z'

	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again.Data))
}

func TestMemory_ConcurrentIfAbsentHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Put(ctx, "lock", []byte("x"), Condition{IfAbsent: true}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), config.ObjStoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(context.Background(), config.ObjStoreConfig{Driver: "gcs"})
	assert.Error(t, err)
}
