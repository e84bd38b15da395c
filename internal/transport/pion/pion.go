// Package pion implements transport.Transport on pion/webrtc with an
// audio-only sendrecv transceiver.
package pion

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"voicelink/internal/transport"
)

// Factory builds peer connections from a shared webrtc.API
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *zap.Logger
}

// NewFactory prepares a webrtc API with opus registered and generous
// ICE timeouts. The default disconnected timeout of 5s is too short
// for NAT rebinding; 30s lets ICE recover before the call drops.
func NewFactory(stunServers []string, log *zap.Logger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &Factory{api: api, iceServers: servers, log: log}, nil
}

// New creates a fresh peer connection for one connection attempt
func (f *Factory) New() (transport.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &Transport{pc: pc, log: f.log}

	// Always add the audio m-line so offers carry ICE credentials
	// even before local capture is wired up.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	pc.OnTrack(t.handleTrack)
	return t, nil
}

// Transport is one pion peer connection
type Transport struct {
	pc  *webrtc.PeerConnection
	log *zap.Logger

	onAudio func([]byte)
}

// CreateOffer produces the local offer and starts ICE gathering
func (t *Transport) CreateOffer() (*transport.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &transport.Description{Type: "offer", SDP: offer.SDP}, nil
}

// CreateAnswer applies the remote offer and produces the answer
func (t *Transport) CreateAnswer(remote *transport.Description) (*transport.Description, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remote.SDP,
	}); err != nil {
		return nil, fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return &transport.Description{Type: "answer", SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote answer
func (t *Transport) SetRemoteDescription(remote *transport.Description) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remote.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate applies a remote candidate
func (t *Transport) AddICECandidate(c *transport.Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// OnICECandidate registers the callback for locally gathered candidates
func (t *Transport) OnICECandidate(cb func(*transport.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		cand := &transport.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		cb(cand)
	})
}

// OnConnectionStateChange registers the state callback
func (t *Transport) OnConnectionStateChange(cb func(transport.ConnectionState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		cb(mapState(s))
	})
}

// OnAudio registers the callback for received audio packets
func (t *Transport) OnAudio(cb func([]byte)) {
	t.onAudio = cb
}

// Close closes the peer connection
func (t *Transport) Close() error {
	return t.pc.Close()
}

// handleTrack pumps inbound RTP payloads to the audio callback
func (t *Transport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Debug("audio track read ended", zap.Error(err))
			}
			return
		}
		if t.onAudio != nil {
			t.onAudio(pkt.Payload)
		}
	}
}

func mapState(s webrtc.PeerConnectionState) transport.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return transport.StateNew
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return transport.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return transport.StateFailed
	default:
		return transport.StateClosed
	}
}
