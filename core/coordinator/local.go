package coordinator

import (
	"context"
	"sync"

	"github.com/occtx/occtx/core/changeset"
	"github.com/occtx/occtx/core/transaction"
)

// Local is an in-process Client for tests and single-process embedding. It
// hands out monotonic write ids and detects write-write conflicts by scanning
// the change sets of transactions that committed after the claimant's read
// snapshot. It keeps every committed change set forever and offers no
// durability or failover, so it is not a substitute for a real coordinator.
type Local struct {
	mu         sync.Mutex
	nextID     uint64
	inProgress map[uint64]struct{}
	pending    map[uint64]*changeset.Set // change sets seen at CheckConflicts time
	committed  []committedTxn
}

type committedTxn struct {
	writeID uint64
	changes *changeset.Set
}

// NewLocal returns an empty local coordinator.
func NewLocal() *Local {
	return &Local{
		inProgress: make(map[uint64]struct{}),
		pending:    make(map[uint64]*changeset.Set),
	}
}

// Start issues a handle whose read snapshot covers everything committed so
// far and excludes every still-running transaction.
func (c *Local) Start(ctx context.Context) (transaction.Handle, error) {
	if err := ctx.Err(); err != nil {
		return transaction.Handle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	inProgress := make([]uint64, 0, len(c.inProgress))
	for other := range c.inProgress {
		inProgress = append(inProgress, other)
	}
	c.inProgress[id] = struct{}{}

	return transaction.Handle{
		WriteID:      id,
		ReadSnapshot: id - 1,
		InProgress:   inProgress,
		Status:       transaction.StatusActive,
	}, nil
}

// CheckConflicts scans committed transactions outside the handle's visibility
// window for overlapping fingerprints. The change set is retained so Commit
// can re-check against transactions that commit in between.
func (c *Local) CheckConflicts(ctx context.Context, h transaction.Handle, changes *changeset.Set) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inProgress[h.WriteID]; !ok {
		return false, ErrUnknownTransaction
	}
	c.pending[h.WriteID] = changes
	return !c.overlapsLocked(h, changes), nil
}

// Commit re-runs the conflict check under the lock and, when clean, makes the
// transaction's change set visible to later snapshots.
func (c *Local) Commit(ctx context.Context, h transaction.Handle) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inProgress[h.WriteID]; !ok {
		return false, ErrUnknownTransaction
	}
	changes := c.pending[h.WriteID]
	if changes == nil {
		changes = changeset.NewSet()
	}
	if c.overlapsLocked(h, changes) {
		return false, nil
	}
	c.committed = append(c.committed, committedTxn{writeID: h.WriteID, changes: changes})
	delete(c.inProgress, h.WriteID)
	delete(c.pending, h.WriteID)
	return true, nil
}

// Abort forgets the transaction. Idempotent.
func (c *Local) Abort(ctx context.Context, h transaction.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inProgress, h.WriteID)
	delete(c.pending, h.WriteID)
	return nil
}

func (c *Local) overlapsLocked(h transaction.Handle, changes *changeset.Set) bool {
	for _, txn := range c.committed {
		if h.IsVisible(txn.writeID) {
			continue
		}
		for _, k := range changes.Keys() {
			if txn.changes.Contains(k) {
				return true
			}
		}
	}
	return false
}
