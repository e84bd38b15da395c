package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []CallStatus{CallStatusDeclined, CallStatusBusy, CallStatusMissed, CallStatusEnded} {
		assert.True(t, status.Terminal(), string(status))
	}
	for _, status := range []CallStatus{CallStatusCalling, CallStatusRinging, CallStatusAccepted, CallStatusConnected} {
		assert.False(t, status.Terminal(), string(status))
	}
}

func TestTransitions(t *testing.T) {
	allowed := []struct{ from, to CallStatus }{
		{CallStatusCalling, CallStatusRinging},
		{CallStatusCalling, CallStatusMissed},
		{CallStatusCalling, CallStatusBusy},
		{CallStatusCalling, CallStatusDeclined},
		{CallStatusCalling, CallStatusEnded},
		{CallStatusRinging, CallStatusAccepted},
		{CallStatusRinging, CallStatusDeclined},
		{CallStatusRinging, CallStatusMissed},
		{CallStatusAccepted, CallStatusConnected},
		{CallStatusAccepted, CallStatusEnded},
		{CallStatusConnected, CallStatusEnded},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to CallStatus }{
		{CallStatusCalling, CallStatusConnected}, // no skipping the handshake
		{CallStatusCalling, CallStatusAccepted},
		{CallStatusRinging, CallStatusConnected},
		{CallStatusConnected, CallStatusDeclined},
		{CallStatusConnected, CallStatusMissed},
		{CallStatusEnded, CallStatusCalling}, // terminal rows are immutable
		{CallStatusDeclined, CallStatusEnded},
		{CallStatusMissed, CallStatusRinging},
		{CallStatusBusy, CallStatusEnded},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPeerAndInvolves(t *testing.T) {
	call := &Call{Caller: "alice", Receiver: "bob"}
	assert.Equal(t, "bob", call.Peer("alice"))
	assert.Equal(t, "alice", call.Peer("bob"))
	assert.True(t, call.Involves("alice"))
	assert.True(t, call.Involves("bob"))
	assert.False(t, call.Involves("charlie"))
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.NotEqual(t, PairKey("alice", "bob"), PairKey("alice", "charlie"))
}
