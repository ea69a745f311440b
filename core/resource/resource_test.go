package resource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStateMachine_HappyCommitPath walks the commit lifecycle:
// UNBOUND -> BOUND -> PREPARED -> COMMITTED, then a fresh bind.
func TestStateMachine_HappyCommitPath(t *testing.T) {
	var sm StateMachine
	require.Equal(t, StateUnbound, sm.State())

	require.NoError(t, sm.ToBound())
	require.Equal(t, StateBound, sm.State())

	require.NoError(t, sm.To(StatePrepared))
	require.NoError(t, sm.To(StateCommitted))

	// Committed is terminal, so the next transaction can bind.
	require.NoError(t, sm.ToBound())
	require.Equal(t, StateBound, sm.State())
}

// TestStateMachine_RollbackPaths verifies rollback is reachable both before
// prepare and after a successful prepare (coordinator abort).
func TestStateMachine_RollbackPaths(t *testing.T) {
	var sm StateMachine
	require.NoError(t, sm.ToBound())
	require.NoError(t, sm.To(StateRolledBack), "rollback with prepare never called")

	require.NoError(t, sm.ToBound())
	require.NoError(t, sm.To(StatePrepared))
	require.NoError(t, sm.To(StateRolledBack), "rollback after prepared, coordinator aborted")
}

// TestStateMachine_IllegalTransitions pins the monotonicity rules: no double
// bind, no prepare before bind, no re-entering Bound after Prepared, no
// double prepare.
func TestStateMachine_IllegalTransitions(t *testing.T) {
	var sm StateMachine

	require.ErrorIs(t, sm.To(StatePrepared), ErrIllegalTransition, "prepare before bind")
	require.ErrorIs(t, sm.To(StateCommitted), ErrIllegalTransition)

	require.NoError(t, sm.ToBound())
	require.ErrorIs(t, sm.ToBound(), ErrAlreadyBound, "bind while bound")

	require.NoError(t, sm.To(StatePrepared))
	require.ErrorIs(t, sm.To(StatePrepared), ErrIllegalTransition, "double prepare")
	require.ErrorIs(t, sm.ToBound(), ErrAlreadyBound, "bind while prepared")

	require.NoError(t, sm.To(StateCommitted))
	require.ErrorIs(t, sm.To(StateRolledBack), ErrIllegalTransition, "rollback after committed")
}

// TestStateMachine_FailureHandling verifies Fail is reachable from anywhere,
// allows a fresh bind, and that a retried rollback can clear it.
func TestStateMachine_FailureHandling(t *testing.T) {
	var sm StateMachine
	require.NoError(t, sm.ToBound())
	require.NoError(t, sm.To(StatePrepared))

	sm.Fail()
	require.Equal(t, StateFailed, sm.State())

	// A registry-driven rollback retry that finally succeeds.
	require.NoError(t, sm.To(StateRolledBack))

	sm.Fail()
	require.NoError(t, sm.ToBound(), "failed is terminal, next transaction may bind")
}

func TestStateString(t *testing.T) {
	require.Equal(t, "UNBOUND", StateUnbound.String())
	require.Equal(t, "ROLLED_BACK", StateRolledBack.String())
	require.Equal(t, "State(42)", State(42).String())
}
