package snet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonCodes(t *testing.T) {
	for r := Timeout; r <= Unknown; r++ {
		assert.Equal(t, r, ReasonFromCode(r.Code()))
	}
	assert.Equal(t, byte('3'), ServerClosing.Code())
	assert.Equal(t, Unknown, ReasonFromCode('9'))
	assert.Equal(t, Unknown, ReasonFromCode('/'))
	assert.Equal(t, Unknown, ReasonFromCode('x'))
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "ClientLeft", ClientLeft.String())
	assert.Equal(t, "DisconnectReason(9)", DisconnectReason(9).String())
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateActive.Terminal())
	assert.False(t, StateClosing.Terminal())
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateFailedToStart.Terminal())
	assert.Equal(t, "AwaitingGreeting", StateAwaitingGreeting.String())
}
