// Package coordinator defines the client surface of the external commit
// coordinator: the authority that issues transaction handles, performs global
// conflict detection and renders the final commit or abort verdict. This
// module only consumes the interface; the coordinator itself lives elsewhere.
package coordinator

import (
	"context"
	"errors"

	"github.com/occtx/occtx/core/changeset"
	"github.com/occtx/occtx/core/transaction"
)

var (
	ErrUnknownTransaction = errors.New("transaction is not known to the coordinator")
)

// Client talks to the commit coordinator on behalf of one process.
type Client interface {
	// Start asks the coordinator for a new transaction handle.
	Start(ctx context.Context) (transaction.Handle, error)

	// CheckConflicts reports true iff no transaction that committed inside
	// the handle's visibility window wrote any fingerprint in the given set.
	CheckConflicts(ctx context.Context, h transaction.Handle, changes *changeset.Set) (bool, error)

	// Commit atomically makes the transaction's effects visible. False means
	// a conflict was detected at the last moment and the caller must roll
	// back its resources.
	Commit(ctx context.Context, h transaction.Handle) (bool, error)

	// Abort tells the coordinator the transaction will never commit.
	Abort(ctx context.Context, h transaction.Handle) error
}
