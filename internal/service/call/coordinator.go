// Package call is the call session coordinator: a single event loop per
// local user that owns the call lifecycle from idle through connected to
// terminated. All relay notifications, timer ticks, transport callbacks,
// and user commands are serialized onto one queue; the loop is the only
// writer of session state and the sole authority on status transitions
// for calls it participates in.
package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository"
	"voicelink/internal/service/presence"
	"voicelink/internal/service/recording"
	"voicelink/internal/service/signal"
	"voicelink/internal/transport"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/metrics"
)

const eventBuffer = 64

// Notifier pushes an incoming-call alert to the receiver's devices.
// Best effort; failures never affect the call.
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, receiver, caller string, callID uuid.UUID) error
}

// Config assembles a session's collaborators
type Config struct {
	Username      string
	RingTimeout   time.Duration
	MaxReconnects int

	Backend    repository.Backend
	Presence   *presence.Service
	Relay      *signal.Relay
	Recorder   *recording.Recorder // nil disables recording
	Transports transport.Factory
	Archive    repository.ArchiveRepository // nil disables history archiving
	Notifier   Notifier                     // nil disables push

	// OnTerminated is invoked after cleanup with the final call row and
	// the fatal cause, if any. Runs on the session loop; keep it short.
	OnTerminated func(call *domain.Call, cause error)

	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Session coordinates the calls of one local user
type Session struct {
	username      string
	ringTimeout   time.Duration
	maxReconnects int

	backend    repository.Backend
	presence   *presence.Service
	relay      *signal.Relay
	recorder   *recording.Recorder
	transports transport.Factory
	archive    repository.ArchiveRepository
	notifier   Notifier
	onTerm     func(*domain.Call, error)
	metrics    *metrics.Metrics
	log        *zap.Logger

	events chan event
	runCtx context.Context

	// Loop-owned state; never touched outside the Run goroutine.
	view         View
	call         *domain.Call
	claimedPeer  bool
	neg          *negotiator
	reconn       *reconnector
	signalCancel context.CancelFunc
	ringTimer    *time.Timer
	transportGen int
	connectedAt  time.Time
	muted        bool
}

// NewSession creates a session in the idle state
func NewSession(cfg Config) *Session {
	return &Session{
		username:      cfg.Username,
		ringTimeout:   cfg.RingTimeout,
		maxReconnects: cfg.MaxReconnects,
		backend:       cfg.Backend,
		presence:      cfg.Presence,
		relay:         cfg.Relay,
		recorder:      cfg.Recorder,
		transports:    cfg.Transports,
		archive:       cfg.Archive,
		notifier:      cfg.Notifier,
		onTerm:        cfg.OnTerminated,
		metrics:       cfg.Metrics,
		log:           cfg.Log.With(zap.String("username", cfg.Username)),
		events:        make(chan event, eventBuffer),
		reconn:        newReconnector(cfg.MaxReconnects),
	}
}

// Run processes events until ctx is cancelled. Blocks; run it on its
// own goroutine. An active call is ended and cleaned up on shutdown.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx

	calls, err := s.backend.Watch.WatchCalls(ctx, s.username)
	if err != nil {
		return apperrors.RelayError(err)
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case call, ok := <-calls:
			if !ok {
				s.shutdown()
				return nil
			}
			s.handleCallUpdate(ctx, call)
		case ev := <-s.events:
			s.dispatch(ctx, ev)
		}
	}
}

// Initiate starts a call to target. Returns once the call row exists
// and the target was claimed, or with the availability error.
func (s *Session) Initiate(ctx context.Context, target string) error {
	return s.do(ctx, &cmd{kind: cmdInitiate, target: target, reply: make(chan error, 1)})
}

// Accept answers the incoming call
func (s *Session) Accept(ctx context.Context) error {
	return s.do(ctx, &cmd{kind: cmdAccept, reply: make(chan error, 1)})
}

// Decline rejects the incoming call
func (s *Session) Decline(ctx context.Context) error {
	return s.do(ctx, &cmd{kind: cmdDecline, reply: make(chan error, 1)})
}

// End hangs up. Idempotent; a no-op when no call is active.
func (s *Session) End(ctx context.Context) error {
	return s.do(ctx, &cmd{kind: cmdEnd, reply: make(chan error, 1)})
}

// SetMute toggles the session-local microphone mute flag. Display
// bookkeeping only; no call transition.
func (s *Session) SetMute(ctx context.Context, muted bool) error {
	return s.do(ctx, &cmd{kind: cmdSetMute, muted: muted, reply: make(chan error, 1)})
}

// Snapshot returns the current session state
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	req := &snapshotReq{reply: make(chan Snapshot, 1)}
	select {
	case s.events <- req:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Session) do(ctx context.Context, c *cmd) error {
	select {
	case s.events <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dispatch(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case *cmd:
		switch e.kind {
		case cmdInitiate:
			e.reply <- s.handleInitiate(ctx, e.target)
		case cmdAccept:
			e.reply <- s.handleAccept(ctx)
		case cmdDecline:
			e.reply <- s.handleDecline(ctx)
		case cmdEnd:
			e.reply <- s.handleEnd(ctx)
		case cmdSetMute:
			s.muted = e.muted
			e.reply <- nil
		}
	case *callUpdate:
		s.handleCallUpdate(ctx, e.call)
	case *signalArrived:
		s.handleSignal(ctx, e.sig)
	case *transportState:
		s.handleTransportState(ctx, e)
	case *localCandidate:
		s.handleLocalCandidate(ctx, e)
	case *ringTimeout:
		s.handleRingTimeout(ctx, e)
	case *snapshotReq:
		snap := Snapshot{View: s.view.String(), Muted: s.muted}
		if s.call != nil {
			c := *s.call
			snap.Call = &c
		}
		e.reply <- snap
	}
}

func (s *Session) isCaller() bool {
	return s.call != nil && s.call.Caller == s.username
}

// handleInitiate drives idle -> calling. The self claim comes first so
// a user cannot double-book themselves; the target claim is an atomic
// conditional set, and losing it means an immediate busy outcome. The
// target is claimed before the row is written, so a published calling
// row always carries a held claim and the callee's defensive claim can
// never race it away. Attempts that fail before ringing are recorded
// directly as terminal rows and never published as answerable calls.
func (s *Session) handleInitiate(ctx context.Context, target string) error {
	if s.view != ViewIdle {
		return apperrors.InvalidStateError("cannot initiate while " + s.view.String())
	}
	if target == s.username {
		return apperrors.InvalidStateError("cannot call yourself")
	}

	claimed, err := s.presence.Claim(ctx, s.username)
	if err != nil {
		return apperrors.RelayError(err)
	}
	if !claimed {
		return apperrors.New(apperrors.ErrCodeSelfBusy, "already in a call")
	}

	available, err := s.presence.Available(ctx, target)
	if err != nil {
		s.releaseSelf(ctx)
		return apperrors.RelayError(err)
	}
	if !available {
		return s.recordFailedAttempt(ctx, target, domain.CallStatusMissed,
			apperrors.UserUnavailableError(target))
	}

	claimed, err = s.presence.Claim(ctx, target)
	if err != nil {
		s.releaseSelf(ctx)
		return apperrors.RelayError(err)
	}
	if !claimed {
		return s.recordFailedAttempt(ctx, target, domain.CallStatusBusy,
			apperrors.UserBusyError(target))
	}
	s.claimedPeer = true

	room, err := s.backend.Rooms.Ensure(ctx, s.username, target)
	if err != nil {
		s.releaseClaims(ctx, target)
		return apperrors.RelayError(err)
	}

	call := &domain.Call{
		ID:        uuid.New(),
		RoomID:    room.ID,
		Caller:    s.username,
		Receiver:  target,
		Status:    domain.CallStatusCalling,
		StartedAt: time.Now(),
	}
	if err := s.backend.Calls.Create(ctx, call); err != nil {
		s.releaseClaims(ctx, target)
		return apperrors.RelayError(err)
	}
	s.call = call
	s.view = ViewCalling
	s.reconn = newReconnector(s.maxReconnects)
	s.metrics.CallStarted()

	s.watchSignals(call.ID)
	s.startRingTimer(call.ID)

	if s.notifier != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.notifier.NotifyIncomingCall(pctx, target, s.username, call.ID); err != nil {
				s.log.Debug("incoming-call push failed", zap.Error(err))
			}
		}()
	}

	s.log.Info("call initiated",
		zap.String("call_id", call.ID.String()),
		zap.String("receiver", target))
	return nil
}

func (s *Session) handleAccept(ctx context.Context) error {
	if s.view != ViewRinging || s.isCaller() {
		return apperrors.InvalidStateError("no incoming call to accept")
	}
	if err := s.backend.Calls.UpdateStatus(ctx, s.call.ID, domain.CallStatusAccepted); err != nil {
		return apperrors.RelayError(err)
	}
	s.stopRingTimer()
	s.view = ViewAccepted

	if err := s.startNegotiation(roleCallee); err != nil {
		s.finishCall(ctx, domain.CallStatusEnded, 0, err)
		return err
	}
	if err := s.neg.start(ctx, s); err != nil {
		s.finishCall(ctx, domain.CallStatusEnded, 0, err)
		return err
	}

	s.log.Info("call accepted", zap.String("call_id", s.call.ID.String()))
	return nil
}

func (s *Session) handleDecline(ctx context.Context) error {
	if s.view != ViewRinging || s.isCaller() {
		return apperrors.InvalidStateError("no incoming call to decline")
	}
	s.log.Info("call declined", zap.String("call_id", s.call.ID.String()))
	s.finishCall(ctx, domain.CallStatusDeclined, 0, nil)
	return nil
}

func (s *Session) handleEnd(ctx context.Context) error {
	if s.call == nil {
		return nil
	}
	duration := 0
	if s.view == ViewConnected {
		duration = int(time.Since(s.connectedAt).Seconds())
	}
	s.log.Info("call ended locally",
		zap.String("call_id", s.call.ID.String()),
		zap.Int("duration", duration))
	s.finishCall(ctx, domain.CallStatusEnded, duration, nil)
	return nil
}

// handleCallUpdate reacts to relay change notifications for calls
// involving this user: our own call moving forward, or a fresh
// incoming call.
func (s *Session) handleCallUpdate(ctx context.Context, call *domain.Call) {
	if s.call != nil && call.ID == s.call.ID {
		s.call = call
		switch {
		case call.Status == domain.CallStatusRinging && s.isCaller() && s.view == ViewCalling:
			// Display bookkeeping only; the authoritative transition
			// was written by the callee.
			s.view = ViewRinging
		case call.Status == domain.CallStatusAccepted && s.isCaller() && (s.view == ViewCalling || s.view == ViewRinging):
			s.stopRingTimer()
			s.view = ViewAccepted
			if err := s.startNegotiation(roleCaller); err != nil {
				s.finishCall(ctx, domain.CallStatusEnded, 0, err)
			}
		case call.Status.Terminal():
			s.log.Info("call reached terminal status remotely",
				zap.String("call_id", call.ID.String()),
				zap.String("status", string(call.Status)))
			s.cleanup(ctx, call, s.terminalCause(call.Status))
		}
		return
	}

	if call.Receiver != s.username || call.Status != domain.CallStatusCalling {
		return
	}

	if s.view != ViewIdle {
		// Already engaged; reply busy without touching our own call.
		if err := s.backend.Calls.End(ctx, call.ID, domain.CallStatusBusy, 0); err != nil {
			s.log.Warn("failed to reply busy", zap.Error(err))
		}
		return
	}

	// Engage as the callee. The caller already claimed our busy flag;
	// claim again defensively and ignore the result. The ring timer
	// runs on this side too: a caller that dies after writing the row
	// must not hold us ringing and busy forever.
	s.call = call
	s.view = ViewRinging
	s.reconn = newReconnector(s.maxReconnects)
	if _, err := s.presence.Claim(ctx, s.username); err != nil {
		s.log.Warn("failed to confirm busy claim", zap.Error(err))
	}
	if err := s.backend.Calls.UpdateStatus(ctx, call.ID, domain.CallStatusRinging); err != nil {
		s.log.Warn("failed to mark ringing", zap.Error(err))
	}
	s.watchSignals(call.ID)
	s.startRingTimer(call.ID)
	s.metrics.CallStarted()
	s.log.Info("incoming call",
		zap.String("call_id", call.ID.String()),
		zap.String("caller", call.Caller))
}

func (s *Session) handleSignal(ctx context.Context, sig *domain.Signal) {
	if s.call == nil || sig.CallID != s.call.ID {
		return
	}

	// The offer can outrun the accepted notification: signals and call
	// updates arrive on independent channels. Treat it as the accept.
	if s.neg == nil {
		if sig.Type == domain.SignalTypeOffer && s.isCaller() && (s.view == ViewCalling || s.view == ViewRinging) {
			s.stopRingTimer()
			s.view = ViewAccepted
			if err := s.startNegotiation(roleCaller); err != nil {
				s.finishCall(ctx, domain.CallStatusEnded, 0, err)
				return
			}
		} else {
			s.log.Debug("dropping signal with no active negotiation",
				zap.String("type", string(sig.Type)))
			return
		}
	}

	if err := s.neg.handleSignal(ctx, s, sig); err != nil {
		// Recoverable per the error taxonomy; connectivity failures
		// surface through the transport state instead.
		s.log.Warn("negotiation signal failed",
			zap.String("type", string(sig.Type)),
			zap.Error(err))
	}
}

func (s *Session) handleTransportState(ctx context.Context, ev *transportState) {
	if s.neg == nil || ev.gen != s.neg.gen || s.call == nil {
		return
	}

	switch ev.state {
	case transport.StateConnected:
		switch s.view {
		case ViewAccepted:
			if err := s.backend.Calls.UpdateStatus(ctx, s.call.ID, domain.CallStatusConnected); err != nil {
				s.log.Warn("failed to mark connected", zap.Error(err))
			}
			s.view = ViewConnected
			s.connectedAt = time.Now()
			s.reconn.reset()
			// The caller's leg owns the Recording row; one writer per call.
			if s.recorder != nil && s.isCaller() {
				if err := s.recorder.Begin(ctx, s.call.ID); err != nil {
					s.log.Warn("failed to start recording", zap.Error(err))
				}
			}
			s.log.Info("call connected", zap.String("call_id", s.call.ID.String()))
		case ViewConnected:
			// Re-negotiation succeeded; the attempt budget refills.
			s.reconn.reset()
			s.log.Info("call reconnected", zap.String("call_id", s.call.ID.String()))
		}

	case transport.StateDisconnected, transport.StateFailed:
		if s.view != ViewConnected {
			if ev.state == transport.StateFailed && s.view == ViewAccepted {
				cause := apperrors.NegotiationError(apperrors.InvalidStateError("transport failed before connecting"))
				s.finishCall(ctx, domain.CallStatusEnded, 0, cause)
			}
			return
		}
		s.attemptReconnect(ctx)
	}
}

// attemptReconnect re-runs the full offer/answer handshake on a fresh
// transport, re-using the call. Exhausting the bound ends the call.
func (s *Session) attemptReconnect(ctx context.Context) {
	if !s.reconn.tryAttempt() {
		s.metrics.RecordReconnectExhausted()
		duration := int(time.Since(s.connectedAt).Seconds())
		s.finishCall(ctx, domain.CallStatusEnded, duration,
			apperrors.ConnectivityLostError(s.maxReconnects))
		return
	}
	s.metrics.RecordReconnectAttempt()
	s.log.Info("reconnecting",
		zap.String("call_id", s.call.ID.String()),
		zap.Int("attempt", s.reconn.attempts))

	r := roleCaller
	if !s.isCaller() {
		r = roleCallee
	}
	if err := s.startNegotiation(r); err != nil {
		duration := int(time.Since(s.connectedAt).Seconds())
		s.finishCall(ctx, domain.CallStatusEnded, duration, err)
		return
	}
	if err := s.neg.start(ctx, s); err != nil {
		duration := int(time.Since(s.connectedAt).Seconds())
		s.finishCall(ctx, domain.CallStatusEnded, duration, err)
	}
}

func (s *Session) handleLocalCandidate(ctx context.Context, ev *localCandidate) {
	if s.neg == nil || ev.gen != s.neg.gen || s.call == nil {
		return
	}
	if err := s.neg.sendLocalCandidate(ctx, s, ev.candidate); err != nil {
		s.log.Warn("failed to relay local candidate", zap.Error(err))
	}
}

func (s *Session) handleRingTimeout(ctx context.Context, ev *ringTimeout) {
	if s.call == nil || s.call.ID != ev.callID {
		return
	}
	// Both sides bound the ring: the caller's timer covers an absent
	// callee, the callee's covers a caller that died after publishing.
	if s.view != ViewCalling && s.view != ViewRinging {
		return
	}
	s.log.Info("call unanswered", zap.String("call_id", s.call.ID.String()))
	s.finishCall(ctx, domain.CallStatusMissed, 0,
		apperrors.New(apperrors.ErrCodeUserUnavailable, "call not answered"))
}

// startNegotiation builds a fresh transport and negotiator, replacing
// any previous one
func (s *Session) startNegotiation(r role) error {
	t, err := s.transports.New()
	if err != nil {
		return apperrors.MediaFailureError(err)
	}
	s.transportGen++
	gen := s.transportGen

	t.OnICECandidate(func(c *transport.Candidate) {
		s.enqueue(&localCandidate{candidate: c, gen: gen})
	})
	t.OnConnectionStateChange(func(state transport.ConnectionState) {
		s.enqueue(&transportState{state: state, gen: gen})
	})
	if s.recorder != nil {
		t.OnAudio(s.recorder.Capture)
	}

	if s.neg != nil {
		s.neg.close()
	}
	s.neg = newNegotiator(r, t, gen, s.log)
	return nil
}

// enqueue pushes an event from a foreign goroutine onto the loop,
// dropping it if the session is shutting down and the queue is full
func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.runCtx.Done():
	}
}

func (s *Session) watchSignals(callID uuid.UUID) {
	sctx, cancel := context.WithCancel(s.runCtx)
	s.signalCancel = cancel
	go func() {
		err := s.relay.Deliver(sctx, callID, s.username, func(sig *domain.Signal) {
			s.enqueue(&signalArrived{sig: sig})
		})
		if err != nil && sctx.Err() == nil {
			s.log.Warn("signal delivery stopped", zap.Error(err))
		}
	}()
}

func (s *Session) startRingTimer(callID uuid.UUID) {
	s.ringTimer = time.AfterFunc(s.ringTimeout, func() {
		s.enqueue(&ringTimeout{callID: callID})
	})
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) releaseSelf(ctx context.Context) {
	if err := s.presence.Release(ctx, s.username); err != nil {
		s.log.Warn("failed to release busy flag", zap.Error(err))
	}
}

func (s *Session) releaseClaims(ctx context.Context, peer string) {
	s.releaseSelf(ctx)
	if s.claimedPeer {
		if err := s.presence.Release(ctx, peer); err != nil {
			s.log.Warn("failed to release peer busy flag", zap.Error(err))
		}
		s.claimedPeer = false
	}
}

// recordFailedAttempt writes an attempt that died before ringing as an
// already-terminal row. The row lands in history and notifies watchers,
// but no subscriber ever sees it in an answerable state.
func (s *Session) recordFailedAttempt(ctx context.Context, target string, status domain.CallStatus, cause error) error {
	room, err := s.backend.Rooms.Ensure(ctx, s.username, target)
	if err != nil {
		s.releaseSelf(ctx)
		return apperrors.RelayError(err)
	}
	now := time.Now()
	call := &domain.Call{
		ID:        uuid.New(),
		RoomID:    room.ID,
		Caller:    s.username,
		Receiver:  target,
		Status:    status,
		StartedAt: now,
		EndedAt:   &now,
	}
	if err := s.backend.Calls.Create(ctx, call); err != nil {
		s.releaseSelf(ctx)
		return apperrors.RelayError(err)
	}
	s.call = call
	s.metrics.CallStarted()
	s.log.Info("call attempt failed",
		zap.String("call_id", call.ID.String()),
		zap.String("receiver", target),
		zap.String("status", string(status)))
	s.cleanup(ctx, call, cause)
	return cause
}

// finishCall writes the terminal status and runs cleanup. Used by the
// leg driving the termination; the peer cleans up when it observes the
// terminal row.
func (s *Session) finishCall(ctx context.Context, status domain.CallStatus, duration int, cause error) {
	if s.call == nil {
		return
	}
	if err := s.backend.Calls.End(ctx, s.call.ID, status, duration); err != nil {
		s.log.Warn("failed to end call",
			zap.String("status", string(status)),
			zap.Error(err))
	}
	final := *s.call
	final.Status = status
	final.Duration = duration
	s.cleanup(ctx, &final, cause)
}

// terminalCause maps a remotely written terminal status to the error
// surfaced locally, if any
func (s *Session) terminalCause(status domain.CallStatus) error {
	if !s.isCaller() {
		return nil
	}
	switch status {
	case domain.CallStatusDeclined:
		return apperrors.New(apperrors.ErrCodeUserUnavailable, "call declined")
	case domain.CallStatusBusy:
		return apperrors.UserBusyError(s.call.Receiver)
	case domain.CallStatusMissed:
		return apperrors.New(apperrors.ErrCodeUserUnavailable, "call not answered")
	}
	return nil
}

// cleanup releases everything a call holds and returns the session to
// idle. Safe to run once per call; every step is idempotent, so the
// leg that ends the call and the leg that observes the terminal row
// perform the same sequence. A call must never leave a user
// permanently busy.
func (s *Session) cleanup(ctx context.Context, final *domain.Call, cause error) {
	s.stopRingTimer()
	if s.signalCancel != nil {
		s.signalCancel()
		s.signalCancel = nil
	}

	if s.recorder != nil && s.recorder.Active() {
		if err := s.recorder.Finish(ctx); err != nil {
			// Non-fatal; the call is already over.
			s.log.Warn("recording finalization failed", zap.Error(err))
		}
	}

	if err := s.relay.Purge(ctx, final.ID); err != nil {
		s.log.Warn("failed to purge signals", zap.Error(err))
	}

	s.releaseSelf(ctx)
	if s.claimedPeer {
		if err := s.presence.Release(ctx, final.Peer(s.username)); err != nil {
			s.log.Warn("failed to release peer busy flag", zap.Error(err))
		}
	}

	if s.neg != nil {
		s.neg.close()
		s.neg = nil
	}

	if s.archive != nil && s.isCaller() {
		if err := s.archive.Archive(ctx, final); err != nil {
			s.log.Warn("failed to archive call", zap.Error(err))
		}
	}

	s.metrics.CallFinished(string(final.Status), time.Duration(final.Duration)*time.Second)
	if s.onTerm != nil {
		s.onTerm(final, cause)
	}

	s.call = nil
	s.claimedPeer = false
	s.view = ViewIdle
	s.muted = false
}

// shutdown ends any active call before the loop exits
func (s *Session) shutdown() {
	if s.call == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	duration := 0
	if s.view == ViewConnected {
		duration = int(time.Since(s.connectedAt).Seconds())
	}
	s.finishCall(ctx, domain.CallStatusEnded, duration, nil)
}
