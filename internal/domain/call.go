package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the authoritative status of a call
type CallStatus string

const (
	CallStatusCalling   CallStatus = "calling"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusConnected CallStatus = "connected"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusBusy      CallStatus = "busy"
	CallStatusMissed    CallStatus = "missed"
	CallStatusEnded     CallStatus = "ended"
)

// Terminal reports whether no further transition can occur from s
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusDeclined, CallStatusBusy, CallStatusMissed, CallStatusEnded:
		return true
	}
	return false
}

// allowedTransitions is the authoritative transition table. Terminal
// statuses have no outgoing edges; a call row is immutable once terminal.
var allowedTransitions = map[CallStatus][]CallStatus{
	CallStatusCalling: {
		CallStatusRinging,
		CallStatusDeclined,
		CallStatusBusy,
		CallStatusMissed,
		CallStatusEnded,
	},
	CallStatusRinging: {
		CallStatusAccepted,
		CallStatusDeclined,
		CallStatusBusy,
		CallStatusMissed,
		CallStatusEnded,
	},
	CallStatusAccepted: {
		CallStatusConnected,
		CallStatusEnded,
	},
	CallStatusConnected: {
		CallStatusEnded,
	},
}

// CanTransition reports whether moving from one status to another is allowed
func CanTransition(from, to CallStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Call represents one logical call attempt between two users
type Call struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	RoomID    uuid.UUID  `json:"room_id" db:"room_id"`
	Caller    string     `json:"caller" db:"caller"`
	Receiver  string     `json:"receiver" db:"receiver"`
	Status    CallStatus `json:"status" db:"status"`
	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	Duration  int        `json:"duration,omitempty" db:"duration"` // seconds of connected time
}

// Peer returns the other participant from the perspective of username
func (c *Call) Peer(username string) string {
	if c.Caller == username {
		return c.Receiver
	}
	return c.Caller
}

// Involves reports whether username is a participant in the call
func (c *Call) Involves(username string) bool {
	return c.Caller == username || c.Receiver == username
}
