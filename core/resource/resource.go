// Package resource defines the contract a data store implements to take part
// in coordinator-driven optimistic transactions, together with the lifecycle
// state machine every implementation must obey.
package resource

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/atomic"

	"github.com/occtx/occtx/core/changeset"
	"github.com/occtx/occtx/core/transaction"
)

// --- Error Definitions ---

var (
	ErrIllegalTransition = errors.New("illegal resource state transition")
	ErrNotBound          = errors.New("resource is not bound to a transaction")
	ErrAlreadyBound      = errors.New("resource is already bound to a transaction")
)

// State is the per-resource lifecycle tag within one transaction.
type State int32

const (
	StateUnbound    State = iota // No transaction installed
	StateBound                   // Handle installed, accepting writes
	StatePrepared                // Local prepare succeeded, awaiting global verdict
	StateCommitted               // PostCommit ran, transaction finished
	StateRolledBack              // Rollback verified clean
	StateFailed                  // Unexpected fault or unclean rollback, operator attention needed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBound:
		return "BOUND"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// terminal reports whether a fresh bind is legal from s.
func (s State) terminal() bool {
	return s == StateUnbound || s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// TransactionalResource is implemented by any store that wants its writes
// covered by a coordinator-driven optimistic transaction. One instance serves
// one in-flight transaction at a time; pool or instantiate per transaction.
//
// Call order within a transaction: Bind exactly once before any read or
// write; Prepare at most once, only after Bind; PostCommit at most once, only
// after Prepare returned true and the coordinator confirmed the commit;
// Rollback at most once, when Prepare was never called, returned false, or
// the coordinator reported abort. Prepare and Rollback are mutually exclusive
// terminal actions for one transaction.
type TransactionalResource interface {
	// Bind installs the handle for a new transaction, discarding any change
	// set and buffered mutation state left behind by the previous one.
	Bind(h transaction.Handle) error

	// Rebind replaces the held handle with a refreshed one (for example the
	// coordinator moved the visibility bounds). It must not touch the change
	// set or any buffered mutation state.
	Rebind(h transaction.Handle) error

	// ChangeSet returns an immutable snapshot of every fingerprint written
	// since the last Bind. The snapshot must be complete: a missing
	// fingerprint can let a conflicting transaction commit. Extra
	// fingerprints only cost spurious aborts and are allowed.
	ChangeSet() *changeset.Set

	// Prepare persists the transaction's buffered writes so they survive
	// until the global verdict. True means durable and ready to commit;
	// false vetoes the commit and is ordinary control flow, not an error.
	// An error is reserved for unexpected faults and is treated by callers
	// exactly like false plus a diagnostic. The caller must still invoke
	// Rollback after a false or an error.
	Prepare(ctx context.Context) (bool, error)

	// PostCommit runs best-effort cleanup once the coordinator has confirmed
	// the whole transaction committed. The verdict is already final, so
	// nothing this method does can change the outcome; faults are logged by
	// the caller and never escalated.
	PostCommit(ctx context.Context)

	// Rollback undoes any buffered or durable effect of this transaction.
	// True means verifiably nothing remains and the transaction can be made
	// visible to others as a no-op. False means residue survived, manual or
	// async cleanup is required and the resource is left in StateFailed.
	Rollback(ctx context.Context) (bool, error)

	// DiagnosticName is a stable identifier for logs and metrics. Pure.
	DiagnosticName() string
}

// StateMachine enforces the legal lifecycle transitions so concrete
// resources embed it instead of re-deriving the rules. Transitions are
// monotonic within a transaction: once past StateBound there is no way back
// except through a fresh bind from a terminal state.
type StateMachine struct {
	state atomic.Int32
}

// State returns the current lifecycle state.
func (m *StateMachine) State() State {
	return State(m.state.Load())
}

// ToBound is the fresh-bind transition. Legal only from StateUnbound or a
// terminal state.
func (m *StateMachine) ToBound() error {
	for {
		cur := m.state.Load()
		if !State(cur).terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrAlreadyBound, State(cur), StateBound)
		}
		if m.state.CompareAndSwap(cur, int32(StateBound)) {
			return nil
		}
	}
}

// To performs any non-bind transition, validating it against the lifecycle:
// Bound -> Prepared | RolledBack, Prepared -> Committed | RolledBack, and
// any state -> Failed.
func (m *StateMachine) To(next State) error {
	for {
		cur := State(m.state.Load())
		if !legal(cur, next) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, next)
		}
		if m.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

// Fail unconditionally marks the resource failed for operator visibility.
func (m *StateMachine) Fail() {
	m.state.Store(int32(StateFailed))
}

func legal(from, to State) bool {
	switch to {
	case StateFailed:
		return true
	case StatePrepared:
		return from == StateBound
	case StateCommitted:
		return from == StatePrepared
	case StateRolledBack:
		// Bound covers both prepare-never-called and prepare-returned-false;
		// Prepared covers a coordinator abort after a successful prepare;
		// Failed covers a retried rollback finally coming back clean.
		return from == StateBound || from == StatePrepared || from == StateFailed
	default:
		return false
	}
}
