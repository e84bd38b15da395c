package call

import (
	"github.com/google/uuid"

	"voicelink/internal/domain"
	"voicelink/internal/transport"
)

// View is the session-local lifecycle state. It tracks the authoritative
// Call status but also covers display-only bookkeeping: a caller shows
// "ringing" as soon as the callee's client picks the call up, without
// the Call row ever holding that transition on the caller's behalf.
type View int

const (
	ViewIdle View = iota
	ViewCalling
	ViewRinging
	ViewAccepted
	ViewConnected
)

func (v View) String() string {
	switch v {
	case ViewIdle:
		return "idle"
	case ViewCalling:
		return "calling"
	case ViewRinging:
		return "ringing"
	case ViewAccepted:
		return "accepted"
	case ViewConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// event is one unit of work for the session loop. Exactly one of the
// fields below is set; the loop dispatches on the concrete type.
type event interface{ isEvent() }

// cmd carries a user command into the loop and its result back out
type cmd struct {
	kind   cmdKind
	target string // initiate only
	muted  bool   // setMute only
	reply  chan error
}

type cmdKind int

const (
	cmdInitiate cmdKind = iota
	cmdAccept
	cmdDecline
	cmdEnd
	cmdSetMute
)

func (*cmd) isEvent() {}

// callUpdate is a change notification for a call involving this user
type callUpdate struct {
	call *domain.Call
}

func (*callUpdate) isEvent() {}

// signalArrived is one relayed negotiation message addressed to this user
type signalArrived struct {
	sig *domain.Signal
}

func (*signalArrived) isEvent() {}

// transportState is a connection state change from the media transport.
// gen identifies which transport instance emitted it so callbacks from
// an already-replaced connection are ignored.
type transportState struct {
	state transport.ConnectionState
	gen   int
}

func (*transportState) isEvent() {}

// localCandidate is an ICE candidate gathered by the local transport
type localCandidate struct {
	candidate *transport.Candidate
	gen       int
}

func (*localCandidate) isEvent() {}

// ringTimeout fires when an outgoing call has gone unanswered too long
type ringTimeout struct {
	callID uuid.UUID
}

func (*ringTimeout) isEvent() {}

// snapshotReq reads the session state without racing the loop
type snapshotReq struct {
	reply chan Snapshot
}

func (*snapshotReq) isEvent() {}

// Snapshot is a point-in-time view of the session for the ops surface
type Snapshot struct {
	View  string       `json:"view"`
	Muted bool         `json:"muted"`
	Call  *domain.Call `json:"call,omitempty"`
}
