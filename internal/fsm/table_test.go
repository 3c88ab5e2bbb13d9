package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableIsTotal(t *testing.T) {
	for _, s := range States() {
		require.True(t, Known(s), "state %s missing from table", s)
		for _, next := range LegalNextStates(s) {
			assert.True(t, Known(next), "%s -> %s targets unknown state", s, next)
		}
	}
	assert.Len(t, table, len(States()))
}

func TestEveryNonTerminalStateCanFail(t *testing.T) {
	for _, s := range States() {
		if IsTerminal(s) {
			continue
		}
		assert.True(t, CanTransition(s, Error), "%s must allow ERROR", s)
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := map[State]bool{Completed: true, SpecRejected: true, QAFailed: true, Error: true}
	for _, s := range States() {
		assert.Equal(t, terminal[s], IsTerminal(s), "IsTerminal(%s)", s)
	}
	assert.False(t, IsTerminal(State("NOPE")))
}

func TestRevisionLoopEdge(t *testing.T) {
	assert.True(t, CanTransition(AwaitingSpecApproval, Planning))
	assert.False(t, CanTransition(AwaitingPRApproval, Planning))
}

func TestLegalNextStatesReturnsCopy(t *testing.T) {
	next := LegalNextStates(Pending)
	next[0] = Completed
	assert.Equal(t, Planning, LegalNextStates(Pending)[0])
	assert.Nil(t, LegalNextStates(State("NOPE")))
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" qa_failed ")
	require.NoError(t, err)
	assert.Equal(t, QAFailed, s)

	_, err = ParseState("shipping")
	assert.ErrorIs(t, err, ErrUndefinedState)
}
