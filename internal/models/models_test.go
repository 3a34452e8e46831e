package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateJSON(t *testing.T) {
	for _, state := range []State{StateWaiting, StateServed, StateAbandoned, StateRescheduled} {
		data, err := json.Marshal(state)
		require.NoError(t, err)

		var decoded State
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, state, decoded)
	}

	var bad State
	assert.Error(t, json.Unmarshal([]byte(`"espera"`), &bad))
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateServed.Terminal())
	assert.True(t, StateAbandoned.Terminal())
	assert.False(t, StateWaiting.Terminal())
	assert.False(t, StateRescheduled.Terminal())
}

func TestParsePriorityAliases(t *testing.T) {
	cases := map[string]Priority{
		"high":  PriorityHigh,
		"Alta":  PriorityHigh,
		"media": PriorityMedium,
		" Baja": PriorityLow,
	}
	for input, want := range cases {
		got, err := ParsePriority(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestEventType(t *testing.T) {
	assert.Equal(t, "ticket.issued", Event{ToState: StateWaiting}.Type())
	assert.Equal(t, "ticket.served", Event{FromState: StateWaiting, ToState: StateServed}.Type())
}
