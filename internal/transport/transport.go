// Package transport abstracts the peer-to-peer media connection so the
// call coordinator can be tested against a fake and the production
// build can swap ICE stacks without touching call logic.
package transport

// ConnectionState mirrors the peer connection lifecycle the
// coordinator reacts to
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Description is a session description exchanged during negotiation.
// SDP payloads pass through the relay opaque; only Type is inspected.
type Description struct {
	Type string `json:"type"` // offer or answer
	SDP  string `json:"sdp"`
}

// Candidate is one ICE candidate exchanged during negotiation
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Transport is one peer media connection. Implementations are not
// reusable: after Close a new Transport must be created for the next
// connection attempt.
type Transport interface {
	// CreateOffer produces the local offer and starts ICE gathering
	CreateOffer() (*Description, error)
	// CreateAnswer applies the remote offer and produces the answer
	CreateAnswer(remote *Description) (*Description, error)
	// SetRemoteDescription applies the remote answer
	SetRemoteDescription(remote *Description) error
	// AddICECandidate applies a remote candidate. Safe to call any
	// time after the remote description is set.
	AddICECandidate(c *Candidate) error

	// OnICECandidate registers the callback for locally gathered
	// candidates. Must be set before CreateOffer/CreateAnswer.
	OnICECandidate(func(*Candidate))
	// OnConnectionStateChange registers the state callback
	OnConnectionStateChange(func(ConnectionState))
	// OnAudio registers the callback for received audio packets
	OnAudio(func(payload []byte))

	Close() error
}

// Factory creates transports; the coordinator needs a fresh one per
// connection attempt
type Factory interface {
	New() (Transport, error)
}
