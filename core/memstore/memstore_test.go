package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/occtx/occtx/core/changeset"
	"github.com/occtx/occtx/core/resource"
	"github.com/occtx/occtx/core/transaction"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	return New("test", zap.NewNop())
}

func handle(id uint64) transaction.Handle {
	return transaction.Handle{WriteID: id, ReadSnapshot: id - 1, Status: transaction.StatusActive}
}

// TestStore_ChangeSetEmptyAfterBind: immediately after bind, the change set
// is empty even when the previous transaction left fingerprints behind.
func TestStore_ChangeSetEmptyAfterBind(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Bind(handle(1)))
	require.NoError(t, s.Put("a", []byte("1")))
	require.Equal(t, 1, s.ChangeSet().Len())

	ok, err := s.Rollback(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Bind(handle(2)))
	require.Equal(t, 0, s.ChangeSet().Len())
}

// TestStore_ChangeSetCardinality: N writes over K distinct keys yield exactly
// K fingerprints.
func TestStore_ChangeSetCardinality(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Bind(handle(1)))
	for _, key := range []string{"a", "b", "a", "c", "b", "a"} {
		require.NoError(t, s.Put(key, []byte("v")))
	}
	require.Equal(t, 3, s.ChangeSet().Len())
	require.True(t, s.ChangeSet().Contains(changeset.Key("test/a")))
}

// TestStore_RebindKeepsChangeSet: write K, rebind with a refreshed handle,
// change set still equals {K} and the buffered write survives.
func TestStore_RebindKeepsChangeSet(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Bind(handle(1)))
	require.NoError(t, s.Put("k", []byte("v1")))

	refreshed := handle(1)
	refreshed.ReadSnapshot = 5
	require.NoError(t, s.Rebind(refreshed))

	cs := s.ChangeSet()
	require.Equal(t, 1, cs.Len())
	require.True(t, cs.Contains(changeset.Key("test/k")))

	v, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestStore_RebindRequiresBound(t *testing.T) {
	s := setupStore(t)
	require.ErrorIs(t, s.Rebind(handle(1)), resource.ErrNotBound)
	require.ErrorIs(t, s.Put("k", []byte("v")), resource.ErrNotBound)
}

// TestStore_CommitLifecycle runs bind -> put -> prepare -> postCommit and
// checks the data lands and the bookkeeping clears.
func TestStore_CommitLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(handle(1)))
	require.NoError(t, s.Put("k", []byte("v")))

	ok, err := s.Prepare(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resource.StatePrepared, s.State())

	s.PostCommit(ctx)
	require.Equal(t, resource.StateCommitted, s.State())

	v, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

// TestStore_RollbackAfterPrepare: a prepared transaction must be fully
// undone, restoring overwritten values and removing fresh inserts.
func TestStore_RollbackAfterPrepare(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	// Seed a committed value via a first transaction.
	require.NoError(t, s.Bind(handle(1)))
	require.NoError(t, s.Put("seed", []byte("old")))
	ok, err := s.Prepare(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	s.PostCommit(ctx)

	// Second transaction overwrites, inserts and deletes, prepares, then the
	// coordinator aborts.
	require.NoError(t, s.Bind(handle(2)))
	require.NoError(t, s.Put("seed", []byte("new")))
	require.NoError(t, s.Put("fresh", []byte("x")))
	require.NoError(t, s.Delete("seed2"))
	ok, err = s.Prepare(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Rollback(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resource.StateRolledBack, s.State())

	v, err := s.Get("seed")
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v, "overwritten value must be restored")
	_, err = s.Get("fresh")
	require.ErrorIs(t, err, ErrKeyNotFound, "fresh insert must be gone")
}

// TestStore_RollbackBeforePrepare discards buffered writes without prepare
// ever having run.
func TestStore_RollbackBeforePrepare(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(handle(1)))
	require.NoError(t, s.Put("k", []byte("v")))

	ok, err := s.Rollback(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Bind(handle(2)))
	_, err = s.Get("k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestStore_BufferedReadsAndTombstones: Get reads through the transaction's
// own buffer, and a buffered delete hides the committed value.
func TestStore_BufferedReadsAndTombstones(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(handle(1)))
	require.NoError(t, s.Put("k", []byte("v")))
	ok, err := s.Prepare(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	s.PostCommit(ctx)

	require.NoError(t, s.Bind(handle(2)))
	v, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, s.Delete("k"))
	_, err = s.Get("k")
	require.ErrorIs(t, err, ErrKeyNotFound, "own tombstone hides committed value")
}

// TestStore_PrepareHonorsDeadline: an expired context is a fault, not a
// durable prepare.
func TestStore_PrepareHonorsDeadline(t *testing.T) {
	s := setupStore(t)
	require.NoError(t, s.Bind(handle(1)))
	require.NoError(t, s.Put("k", []byte("v")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := s.Prepare(ctx)
	require.Error(t, err)
	require.False(t, ok)
}

func TestStore_DiagnosticName(t *testing.T) {
	require.Equal(t, "memstore/test", setupStore(t).DiagnosticName())
}
