package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SignalType identifies the kind of negotiation message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Signal is one negotiation message relayed between the two legs of a call.
// Append-only; Seq is assigned by the relay backend at append time and is
// strictly increasing within a call.
type Signal struct {
	CallID    uuid.UUID       `json:"call_id" db:"call_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Sender    string          `json:"sender" db:"sender"`
	Receiver  string          `json:"receiver" db:"receiver"`
	Type      SignalType      `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
