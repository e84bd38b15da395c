package call

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/transport"
	apperrors "voicelink/pkg/errors"
)

// role says which half of the offer/answer handshake this leg runs.
// The callee opens the exchange with the offer once it accepts; the
// caller responds with the answer.
type role int

const (
	roleCaller role = iota
	roleCallee
)

// negotiator drives one offer/answer exchange over one transport.
// A new negotiator is created per connection attempt; candidates that
// arrive before the remote description is set are buffered and applied
// once it lands.
type negotiator struct {
	role      role
	transport transport.Transport
	gen       int
	log       *zap.Logger

	remoteSet bool
	pending   []*transport.Candidate
}

func newNegotiator(r role, t transport.Transport, gen int, log *zap.Logger) *negotiator {
	return &negotiator{role: r, transport: t, gen: gen, log: log}
}

// start begins the handshake. The callee creates and sends the offer;
// the caller has nothing to do until the offer arrives.
func (n *negotiator) start(ctx context.Context, s *Session) error {
	if n.role != roleCallee {
		return nil
	}
	offer, err := n.transport.CreateOffer()
	if err != nil {
		return apperrors.NegotiationError(err)
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return apperrors.NegotiationError(err)
	}
	return s.relay.Send(ctx, s.call.ID, s.username, s.call.Peer(s.username), domain.SignalTypeOffer, payload)
}

// handleSignal applies one remote negotiation message
func (n *negotiator) handleSignal(ctx context.Context, s *Session, sig *domain.Signal) error {
	switch sig.Type {
	case domain.SignalTypeOffer:
		if n.role != roleCaller {
			return apperrors.NegotiationError(apperrors.InvalidStateError("offer received by offering side"))
		}
		var desc transport.Description
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			return apperrors.NegotiationError(err)
		}
		answer, err := n.transport.CreateAnswer(&desc)
		if err != nil {
			return apperrors.NegotiationError(err)
		}
		n.remoteReady()
		payload, err := json.Marshal(answer)
		if err != nil {
			return apperrors.NegotiationError(err)
		}
		return s.relay.Send(ctx, s.call.ID, s.username, s.call.Peer(s.username), domain.SignalTypeAnswer, payload)

	case domain.SignalTypeAnswer:
		if n.role != roleCallee {
			return apperrors.NegotiationError(apperrors.InvalidStateError("answer received by answering side"))
		}
		var desc transport.Description
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			return apperrors.NegotiationError(err)
		}
		if err := n.transport.SetRemoteDescription(&desc); err != nil {
			return apperrors.NegotiationError(err)
		}
		n.remoteReady()
		return nil

	case domain.SignalTypeCandidate:
		var cand transport.Candidate
		if err := json.Unmarshal(sig.Payload, &cand); err != nil {
			return apperrors.NegotiationError(err)
		}
		if !n.remoteSet {
			n.pending = append(n.pending, &cand)
			return nil
		}
		if err := n.transport.AddICECandidate(&cand); err != nil {
			return apperrors.NegotiationError(err)
		}
		return nil
	}
	return apperrors.NegotiationError(apperrors.InvalidStateError("unknown signal type " + string(sig.Type)))
}

// remoteReady flushes candidates buffered before the remote description
// existed. Individual candidate failures are survivable; the transport
// only needs one working pair.
func (n *negotiator) remoteReady() {
	n.remoteSet = true
	for _, cand := range n.pending {
		if err := n.transport.AddICECandidate(cand); err != nil {
			n.log.Debug("buffered candidate rejected", zap.Error(err))
		}
	}
	n.pending = nil
}

// sendLocalCandidate relays one locally gathered candidate to the peer
func (n *negotiator) sendLocalCandidate(ctx context.Context, s *Session, cand *transport.Candidate) error {
	payload, err := json.Marshal(cand)
	if err != nil {
		return apperrors.NegotiationError(err)
	}
	return s.relay.Send(ctx, s.call.ID, s.username, s.call.Peer(s.username), domain.SignalTypeCandidate, payload)
}

func (n *negotiator) close() {
	if n.transport != nil {
		n.transport.Close()
	}
}
