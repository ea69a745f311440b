// Package memstore is a small transactional in-memory key-value store
// implementing the TransactionalResource contract end to end: writes are
// buffered per transaction, fingerprinted for conflict detection, staged on
// prepare and undone on rollback. It backs the tests and the demo binary; it
// keeps nothing on disk and is not a storage engine.
package memstore

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/occtx/occtx/core/changeset"
	"github.com/occtx/occtx/core/resource"
	"github.com/occtx/occtx/core/transaction"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

// write is one buffered mutation. A nil value with tombstone set deletes.
type write struct {
	value     []byte
	tombstone bool
}

// undoEntry remembers the committed-map state a prepare overwrote.
type undoEntry struct {
	key     string
	value   []byte
	existed bool
}

// Store is an in-memory KV store bound to at most one transaction at a time.
// Reads and writes may come from concurrent goroutines of that transaction;
// sharing one Store across concurrent transactions is unsupported.
type Store struct {
	name string
	log  *zap.Logger
	sm   resource.StateMachine

	mu        sync.RWMutex
	committed map[string][]byte
	buffer    map[string]write
	undo      []undoEntry
	tracker   *changeset.Tracker
	handle    transaction.Handle
}

var _ resource.TransactionalResource = (*Store)(nil)

// New returns an empty store. The name must be unique among the resources of
// one registry; it qualifies fingerprints and diagnostics.
func New(name string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		name:      name,
		log:       log,
		committed: make(map[string][]byte),
		buffer:    make(map[string]write),
		tracker:   changeset.NewTracker(),
	}
}

// Bind starts a new transaction, discarding any buffered writes and
// fingerprints left behind by the previous one.
func (s *Store) Bind(h transaction.Handle) error {
	if err := s.sm.ToBound(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	s.buffer = make(map[string]write)
	s.undo = nil
	s.tracker.Reset()
	return nil
}

// Rebind swaps in a refreshed handle. Buffered writes and the change set
// survive untouched.
func (s *Store) Rebind(h transaction.Handle) error {
	if s.sm.State() != resource.StateBound {
		return resource.ErrNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	return nil
}

// Put buffers a write for the active transaction.
func (s *Store) Put(key string, value []byte) error {
	if s.sm.State() != resource.StateBound {
		return resource.ErrNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer[key] = write{value: append([]byte(nil), value...)}
	s.tracker.Record(s.fingerprint(key))
	return nil
}

// Delete buffers a deletion for the active transaction.
func (s *Store) Delete(key string) error {
	if s.sm.State() != resource.StateBound {
		return resource.ErrNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer[key] = write{tombstone: true}
	s.tracker.Record(s.fingerprint(key))
	return nil
}

// Get reads through the transaction's buffer into the committed data.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.buffer[key]; ok {
		if w.tombstone {
			return nil, ErrKeyNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	if v, ok := s.committed[key]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, ErrKeyNotFound
}

// ChangeSet returns the fingerprints of every key written since Bind.
func (s *Store) ChangeSet() *changeset.Set {
	return s.tracker.Snapshot()
}

// Prepare stages the buffered writes into the committed map, keeping an undo
// log so Rollback can restore the pre-transaction state if the coordinator's
// verdict goes the other way.
func (s *Store) Prepare(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.sm.To(resource.StatePrepared); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.buffer {
		prev, existed := s.committed[key]
		s.undo = append(s.undo, undoEntry{key: key, value: prev, existed: existed})
		if w.tombstone {
			delete(s.committed, key)
		} else {
			s.committed[key] = w.value
		}
	}
	s.buffer = make(map[string]write)
	return true, nil
}

// PostCommit drops the per-transaction bookkeeping. The data is already in
// place from Prepare.
func (s *Store) PostCommit(ctx context.Context) {
	if err := s.sm.To(resource.StateCommitted); err != nil {
		s.log.Error("post-commit in unexpected state",
			zap.String("resource", s.DiagnosticName()),
			zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = nil
	s.log.Debug("transaction committed",
		zap.String("resource", s.DiagnosticName()),
		zap.Uint64("txn_id", s.handle.WriteID))
}

// Rollback discards buffered writes and, when Prepare already ran, replays
// the undo log to restore the committed map. The store holds everything in
// memory, so a rollback always comes back clean.
func (s *Store) Rollback(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.sm.To(resource.StateRolledBack); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.undo) - 1; i >= 0; i-- {
		e := s.undo[i]
		if e.existed {
			s.committed[e.key] = e.value
		} else {
			delete(s.committed, e.key)
		}
	}
	s.undo = nil
	s.buffer = make(map[string]write)
	return true, nil
}

// DiagnosticName identifies the store in logs and metrics.
func (s *Store) DiagnosticName() string {
	return "memstore/" + s.name
}

// State exposes the lifecycle state for tests and diagnostics.
func (s *Store) State() resource.State {
	return s.sm.State()
}

// fingerprint qualifies a key with the store name so two stores writing the
// same key string do not collide in the coordinator's conflict check.
func (s *Store) fingerprint(key string) changeset.Key {
	return changeset.Key(s.name + "/" + key)
}
