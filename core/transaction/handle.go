// Package transaction defines the transaction handle issued by the commit
// coordinator and the lifecycle enums shared across the participant side.
package transaction

import "fmt"

// Status represents the coordinator-side state of a transaction. Only the
// coordinator transitions a transaction between statuses; participants treat
// the handle they hold as read-only.
type Status int

const (
	StatusActive     Status = iota // Transaction is open, operations are being applied
	StatusCommitting               // Coordinator is running the final conflict check
	StatusCommitted                // Effects are globally visible
	StatusAborting                 // Coordinator decided abort, cleanup in progress
	StatusInvalid                  // Cleanup failed on at least one participant, manual intervention required
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitting:
		return "COMMITTING"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborting:
		return "ABORTING"
	case StatusInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Handle identifies one transaction to every participant. It is an immutable
// value: the coordinator hands out a whole new Handle when visibility bounds
// change, and participants replace their held copy wholesale on rebind rather
// than mutating fields in place.
type Handle struct {
	// WriteID is the opaque monotonic identifier under which this
	// transaction's writes will become visible.
	WriteID uint64
	// ReadSnapshot is the upper bound of the visibility window: writes by
	// transactions with an id above it are invisible to this transaction.
	ReadSnapshot uint64
	// InProgress lists transaction ids at or below ReadSnapshot that were
	// still uncommitted when the handle was issued and are therefore
	// excluded from the visibility window.
	InProgress []uint64
	// Status is the coordinator's view of the transaction at issue time.
	Status Status
}

// IsVisible reports whether a write stamped with writeID falls inside this
// handle's visibility window.
func (h Handle) IsVisible(writeID uint64) bool {
	if writeID > h.ReadSnapshot {
		return false
	}
	for _, id := range h.InProgress {
		if id == writeID {
			return false
		}
	}
	return true
}

// WithStatus returns a copy of the handle carrying the given status. The
// receiver is unchanged.
func (h Handle) WithStatus(s Status) Handle {
	h.Status = s
	h.InProgress = append([]uint64(nil), h.InProgress...)
	return h
}
