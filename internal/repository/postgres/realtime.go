package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicelink/internal/domain"
)

const (
	realtimeWriteTimeout = 10 * time.Second
	realtimePingInterval = 30 * time.Second
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
)

// changeEvent is one record change pushed by the realtime gateway
type changeEvent struct {
	Topic  string          `json:"topic"`
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// subscribeFrame is the client -> gateway subscription request
type subscribeFrame struct {
	Action string `json:"action"` // subscribe, unsubscribe
	Topic  string `json:"topic"`
}

// Realtime is a websocket client for the change feed the gateway tails
// from the database. One connection multiplexes any number of topics;
// the read loop fans events out to per-topic subscriber channels. The
// connection reconnects with backoff and resubscribes on its own.
type Realtime struct {
	url string
	log *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]map[int]chan json.RawMessage
	nextSub int
	closed  bool
}

// NewRealtime connects to the realtime gateway at url
func NewRealtime(ctx context.Context, url string, log *zap.Logger) (*Realtime, error) {
	rt := &Realtime{
		url:  url,
		log:  log,
		subs: make(map[string]map[int]chan json.RawMessage),
	}
	conn, err := rt.dial(ctx)
	if err != nil {
		return nil, err
	}
	rt.conn = conn
	go rt.readLoop(ctx)
	go rt.pingLoop(ctx)
	return rt, nil
}

func (rt *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rt.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime gateway: %w", err)
	}
	return conn, nil
}

// Close shuts the connection down and closes all subscriber channels
func (rt *Realtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	for _, subs := range rt.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	rt.subs = make(map[string]map[int]chan json.RawMessage)
	if rt.conn != nil {
		return rt.conn.Close()
	}
	return nil
}

// subscribe registers a channel for topic and tells the gateway
func (rt *Realtime) subscribe(topic string) (int, chan json.RawMessage, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return 0, nil, fmt.Errorf("realtime connection is closed")
	}

	ch := make(chan json.RawMessage, 64)
	if rt.subs[topic] == nil {
		rt.subs[topic] = make(map[int]chan json.RawMessage)
	}
	id := rt.nextSub
	rt.nextSub++
	rt.subs[topic][id] = ch

	if len(rt.subs[topic]) == 1 && rt.conn != nil {
		if err := rt.send(&subscribeFrame{Action: "subscribe", Topic: topic}); err != nil {
			delete(rt.subs[topic], id)
			return 0, nil, err
		}
	}
	return id, ch, nil
}

// unsubscribe removes a channel and drops the topic when it was the last
func (rt *Realtime) unsubscribe(topic string, id int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	if subs, ok := rt.subs[topic]; ok {
		if ch, ok := subs[id]; ok {
			delete(subs, id)
			close(ch)
		}
		if len(subs) == 0 {
			delete(rt.subs, topic)
			if rt.conn != nil {
				_ = rt.send(&subscribeFrame{Action: "unsubscribe", Topic: topic})
			}
		}
	}
}

// send writes one frame; caller holds mu
func (rt *Realtime) send(frame *subscribeFrame) error {
	rt.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
	return rt.conn.WriteJSON(frame)
}

// readLoop reads change events and fans them out until ctx is done,
// reconnecting with exponential backoff on read errors
func (rt *Realtime) readLoop(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		rt.mu.Lock()
		conn := rt.conn
		closed := rt.closed
		rt.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		var event changeEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return
			}
			rt.log.Warn("realtime read failed, reconnecting",
				zap.Error(err),
				zap.Duration("delay", delay))
			rt.reconnect(ctx, &delay)
			continue
		}
		delay = reconnectBaseDelay

		rt.mu.Lock()
		for _, ch := range rt.subs[event.Topic] {
			select {
			case ch <- event.Record:
			default:
				// Slow subscriber; drop rather than stall the feed.
			}
		}
		rt.mu.Unlock()
	}
}

// reconnect re-dials and resubscribes every active topic
func (rt *Realtime) reconnect(ctx context.Context, delay *time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(*delay):
	}
	if *delay < reconnectMaxDelay {
		*delay *= 2
	}

	conn, err := rt.dial(ctx)
	if err != nil {
		rt.log.Warn("realtime reconnect failed", zap.Error(err))
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		conn.Close()
		return
	}
	if rt.conn != nil {
		rt.conn.Close()
	}
	rt.conn = conn
	for topic := range rt.subs {
		if err := rt.send(&subscribeFrame{Action: "subscribe", Topic: topic}); err != nil {
			rt.log.Warn("realtime resubscribe failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

// pingLoop keeps the connection alive
func (rt *Realtime) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(realtimePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			if rt.closed {
				rt.mu.Unlock()
				return
			}
			if rt.conn != nil {
				rt.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout))
				_ = rt.conn.WriteMessage(websocket.PingMessage, nil)
			}
			rt.mu.Unlock()
		}
	}
}

// Watcher implements repository.Watcher over the realtime change feed
type Watcher struct {
	realtime *Realtime
	calls    *CallRepository
	signals  *SignalRepository
	log      *zap.Logger
}

// NewWatcher creates a new Watcher
func NewWatcher(realtime *Realtime, calls *CallRepository, signals *SignalRepository, log *zap.Logger) *Watcher {
	return &Watcher{realtime: realtime, calls: calls, signals: signals, log: log}
}

func callTopic(username string) string { return fmt.Sprintf("calls:%s", username) }

func signalTopic(callID uuid.UUID, username string) string {
	return fmt.Sprintf("signals:%s:%s", callID, username)
}

// WatchCalls streams call changes involving username. The user's
// non-terminal call, if any, is replayed first: a subscriber arriving
// after the row was written must still observe the incoming call.
func (w *Watcher) WatchCalls(ctx context.Context, username string) (<-chan *domain.Call, error) {
	id, records, err := w.realtime.subscribe(callTopic(username))
	if err != nil {
		return nil, err
	}

	active, err := w.calls.ActiveForUser(ctx, username)
	if err != nil {
		w.realtime.unsubscribe(callTopic(username), id)
		return nil, err
	}

	out := make(chan *domain.Call, 64)
	go func() {
		defer close(out)
		defer w.realtime.unsubscribe(callTopic(username), id)

		if active != nil {
			select {
			case out <- active:
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case record, ok := <-records:
				if !ok {
					return
				}
				var call domain.Call
				if err := json.Unmarshal(record, &call); err != nil {
					w.log.Warn("failed to unmarshal call change",
						zap.String("username", username),
						zap.Error(err))
					continue
				}
				select {
				case out <- &call:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// WatchSignals streams signals for the call addressed to username in
// sequence order. Subscribes before reading the backlog so nothing can
// slip between the two; sequence numbers dedupe the overlap.
func (w *Watcher) WatchSignals(ctx context.Context, callID uuid.UUID, username string) (<-chan *domain.Signal, error) {
	id, records, err := w.realtime.subscribe(signalTopic(callID, username))
	if err != nil {
		return nil, err
	}

	backlog, err := w.signals.After(ctx, callID, 0)
	if err != nil {
		w.realtime.unsubscribe(signalTopic(callID, username), id)
		return nil, err
	}

	out := make(chan *domain.Signal, 64)
	go func() {
		defer close(out)
		defer w.realtime.unsubscribe(signalTopic(callID, username), id)

		var lastSeq int64
		for _, sig := range backlog {
			if sig.Receiver != username {
				continue
			}
			select {
			case out <- sig:
				lastSeq = sig.Seq
			case <-ctx.Done():
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case record, ok := <-records:
				if !ok {
					return
				}
				var sig domain.Signal
				if err := json.Unmarshal(record, &sig); err != nil {
					w.log.Warn("failed to unmarshal signal change",
						zap.String("call_id", callID.String()),
						zap.Error(err))
					continue
				}
				if sig.Seq <= lastSeq {
					continue // already delivered from the backlog
				}
				select {
				case out <- &sig:
					lastSeq = sig.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
