package signal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/stepflow-io/stepflow/pkg/domain/errors"
)

func TestSignalStatusMapping(t *testing.T) {
	cases := []struct {
		sig      Signal
		expected Status
	}{
		{Success(State{}), StatusSuccess},
		{Skip(State{}), StatusSkip},
		{Suspend(State{}), StatusSuspend},
		{Waiting(State{}), StatusWaiting},
		{AwaitingCallback(State{}), StatusAwaitingCallback},
		{Failed(errors.New("boom"), nil), StatusFailed},
		{Abort(State{}), StatusAborted},
		{Complete(State{}), StatusComplete},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, tc.sig.Status())
	}
}

func TestIsContinuable(t *testing.T) {
	assert.True(t, Success(State{}).IsContinuable())
	assert.True(t, Skip(State{}).IsContinuable())

	assert.False(t, Suspend(State{}).IsContinuable())
	assert.False(t, Waiting(State{}).IsContinuable())
	assert.False(t, AwaitingCallback(State{}).IsContinuable())
	assert.False(t, Failed(errors.New("boom"), nil).IsContinuable())
	assert.False(t, Abort(State{}).IsContinuable())
	assert.False(t, Complete(State{}).IsContinuable())
}

func TestOverallStatus(t *testing.T) {
	assert.Equal(t, StatusComplete, Success(State{}).OverallStatus(true))
	assert.Equal(t, StatusSuccess, Success(State{}).OverallStatus(false))
	assert.Equal(t, StatusSkip, Skip(State{}).OverallStatus(true))
	assert.Equal(t, StatusFailed, Failed(errors.New("x"), nil).OverallStatus(true))
}

func TestFailureState(t *testing.T) {
	state := FailureState(errors.New("upstream exploded"), map[string]any{"attempt": 2})
	assert.Equal(t, "upstream exploded", state[KeyError])
	assert.Equal(t, "*errors.errorString", state[KeyErrorClass])
	assert.Equal(t, map[string]any{"attempt": 2}, state[KeyErrorDetails])
}

func TestFailureStateCodedError(t *testing.T) {
	err := domainerrors.New(domainerrors.CodeDatabaseError, "store", "write failed", nil)
	state := FailureState(err, nil)
	assert.Equal(t, "DATABASE_ERROR", state[KeyErrorClass])
	assert.NotContains(t, state, KeyErrorDetails)
}

func TestMap(t *testing.T) {
	sig := Success(State{"a": 1})
	mapped, err := sig.Map(func(s State) State {
		s = s.Clone()
		s["b"] = 2
		return s
	})
	require.NoError(t, err)
	assert.Equal(t, KindSuccess, mapped.Kind)
	assert.Equal(t, 2, mapped.State["b"])
	assert.NotContains(t, sig.State, "b")
}

func TestMapFailedWithoutState(t *testing.T) {
	sig := Signal{Kind: KindFailed}
	_, err := sig.Map(func(s State) State { return s })
	require.Error(t, err)
}

func TestCloneNil(t *testing.T) {
	var s State
	clone := s.Clone()
	require.NotNil(t, clone)
	clone["k"] = "v"
	assert.Nil(t, s)
}
