// Package memory is an in-process relay backend. It backs unit tests and
// single-machine runs; semantics (atomic busy claim, per-call signal
// sequencing, watch fan-out) match the redis and postgres backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicelink/internal/domain"
	"voicelink/internal/repository"
	apperrors "voicelink/pkg/errors"
)

const watchBuffer = 256

// Store holds all records behind one mutex
type Store struct {
	mu         sync.Mutex
	users      map[string]*domain.User
	rooms      map[string]*domain.Room
	calls      map[uuid.UUID]*domain.Call
	signals    map[uuid.UUID][]*domain.Signal
	seqs       map[uuid.UUID]int64
	recordings map[uuid.UUID]*domain.Recording

	callWatchers   map[int]*callWatcher
	signalWatchers map[int]*signalWatcher
	nextWatcher    int
}

type callWatcher struct {
	username string
	ch       chan *domain.Call
}

type signalWatcher struct {
	callID   uuid.UUID
	username string
	ch       chan *domain.Signal
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		users:          make(map[string]*domain.User),
		rooms:          make(map[string]*domain.Room),
		calls:          make(map[uuid.UUID]*domain.Call),
		signals:        make(map[uuid.UUID][]*domain.Signal),
		seqs:           make(map[uuid.UUID]int64),
		recordings:     make(map[uuid.UUID]*domain.Recording),
		callWatchers:   make(map[int]*callWatcher),
		signalWatchers: make(map[int]*signalWatcher),
	}
}

// Backend returns the store's repositories as a swappable backend
func (s *Store) Backend() repository.Backend {
	return repository.Backend{
		Users:      &userRepo{s},
		Rooms:      &roomRepo{s},
		Calls:      &callRepo{s},
		Signals:    &signalRepo{s},
		Recordings: &recordingRepo{s},
		Watch:      &watcher{s},
	}
}

// notifyCall fans a call change out to interested watchers. Caller holds mu.
func (s *Store) notifyCall(call *domain.Call) {
	for _, w := range s.callWatchers {
		if call.Involves(w.username) {
			select {
			case w.ch <- cloneCall(call):
			default:
				// Slow watcher; drop rather than block the store.
			}
		}
	}
}

// notifySignal fans a new signal out to its receiver's watchers. Caller holds mu.
func (s *Store) notifySignal(sig *domain.Signal) {
	for _, w := range s.signalWatchers {
		if w.callID == sig.CallID && w.username == sig.Receiver {
			select {
			case w.ch <- cloneSignal(sig):
			default:
			}
		}
	}
}

func cloneCall(c *domain.Call) *domain.Call {
	out := *c
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneSignal(sig *domain.Signal) *domain.Signal {
	out := *sig
	out.Payload = append([]byte(nil), sig.Payload...)
	return &out
}

func cloneUser(u *domain.User) *domain.User {
	out := *u
	return &out
}

// userRepo implements repository.UserRepository

type userRepo struct{ s *Store }

func (r *userRepo) Upsert(_ context.Context, user *domain.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[user.Username] = cloneUser(user)
	return nil
}

func (r *userRepo) Get(_ context.Context, username string) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[username]
	if !ok {
		return nil, apperrors.UserNotFoundError()
	}
	return cloneUser(u), nil
}

func (r *userRepo) Heartbeat(_ context.Context, username string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[username]
	if !ok {
		u = &domain.User{Username: username}
		r.s.users[username] = u
	}
	u.Online = true
	u.LastSeen = time.Now()
	return nil
}

func (r *userRepo) SetOnline(_ context.Context, username string, online bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[username]
	if !ok {
		u = &domain.User{Username: username}
		r.s.users[username] = u
	}
	u.Online = online
	if online {
		u.LastSeen = time.Now()
	} else {
		u.Busy = false
	}
	return nil
}

func (r *userRepo) ClaimBusy(_ context.Context, username string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[username]
	if !ok {
		return false, apperrors.UserNotFoundError()
	}
	if u.Busy {
		return false, nil
	}
	u.Busy = true
	u.Online = true
	return true, nil
}

func (r *userRepo) ReleaseBusy(_ context.Context, username string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[username]; ok {
		u.Busy = false
	}
	return nil
}

func (r *userRepo) ExpireStale(_ context.Context, window time.Duration) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	expired := 0
	for _, u := range r.s.users {
		if u.Online && u.LastSeen.Before(cutoff) {
			u.Online = false
			u.Busy = false
			expired++
		}
	}
	return expired, nil
}

// roomRepo implements repository.RoomRepository

type roomRepo struct{ s *Store }

func (r *roomRepo) Ensure(_ context.Context, a, b string) (*domain.Room, error) {
	key := domain.PairKey(a, b)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if room, ok := r.s.rooms[key]; ok {
		out := *room
		return &out, nil
	}
	room := &domain.Room{
		ID:        uuid.New(),
		PairKey:   key,
		CreatedAt: time.Now(),
	}
	r.s.rooms[key] = room
	out := *room
	return &out, nil
}

// callRepo implements repository.CallRepository

type callRepo struct{ s *Store }

func (r *callRepo) Create(_ context.Context, call *domain.Call) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := cloneCall(call)
	r.s.calls[call.ID] = stored
	r.s.notifyCall(stored)
	return nil
}

func (r *callRepo) Get(_ context.Context, id uuid.UUID) (*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	call, ok := r.s.calls[id]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return cloneCall(call), nil
}

func (r *callRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.CallStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	call, ok := r.s.calls[id]
	if !ok {
		return apperrors.CallNotFoundError()
	}
	if call.Status == status {
		return nil
	}
	if !domain.CanTransition(call.Status, status) {
		return apperrors.InvalidStateError("illegal call transition " + string(call.Status) + " -> " + string(status))
	}
	call.Status = status
	r.s.notifyCall(call)
	return nil
}

func (r *callRepo) End(_ context.Context, id uuid.UUID, status domain.CallStatus, duration int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	call, ok := r.s.calls[id]
	if !ok {
		return apperrors.CallNotFoundError()
	}
	if call.Status.Terminal() {
		return nil
	}
	if !status.Terminal() || !domain.CanTransition(call.Status, status) {
		return apperrors.InvalidStateError("illegal call transition " + string(call.Status) + " -> " + string(status))
	}
	now := time.Now()
	call.Status = status
	call.EndedAt = &now
	call.Duration = duration
	r.s.notifyCall(call)
	return nil
}

func (r *callRepo) ActiveForUser(_ context.Context, username string) (*domain.Call, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, call := range r.s.calls {
		if call.Involves(username) && !call.Status.Terminal() {
			return cloneCall(call), nil
		}
	}
	return nil, nil
}

// signalRepo implements repository.SignalRepository

type signalRepo struct{ s *Store }

func (r *signalRepo) Append(_ context.Context, sig *domain.Signal) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.seqs[sig.CallID]++
	sig.Seq = r.s.seqs[sig.CallID]
	sig.CreatedAt = time.Now()
	stored := cloneSignal(sig)
	r.s.signals[sig.CallID] = append(r.s.signals[sig.CallID], stored)
	r.s.notifySignal(stored)
	return nil
}

func (r *signalRepo) After(_ context.Context, callID uuid.UUID, seq int64) ([]*domain.Signal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Signal
	for _, sig := range r.s.signals[callID] {
		if sig.Seq > seq {
			out = append(out, cloneSignal(sig))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *signalRepo) Purge(_ context.Context, callID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.signals, callID)
	delete(r.s.seqs, callID)
	return nil
}

// Count returns the number of stored signals for a call. Test helper.
func (s *Store) Count(callID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals[callID])
}

// recordingRepo implements repository.RecordingRepository

type recordingRepo struct{ s *Store }

func (r *recordingRepo) Create(_ context.Context, rec *domain.Recording) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored := *rec
	r.s.recordings[rec.CallID] = &stored
	return nil
}

func (r *recordingRepo) Update(_ context.Context, rec *domain.Recording) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.recordings[rec.CallID]; !ok {
		return apperrors.CallNotFoundError()
	}
	stored := *rec
	r.s.recordings[rec.CallID] = &stored
	return nil
}

func (r *recordingRepo) Get(_ context.Context, callID uuid.UUID) (*domain.Recording, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recordings[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	out := *rec
	return &out, nil
}

// watcher implements repository.Watcher

type watcher struct{ s *Store }

func (w *watcher) WatchCalls(ctx context.Context, username string) (<-chan *domain.Call, error) {
	live := make(chan *domain.Call, watchBuffer)
	w.s.mu.Lock()
	// Snapshot the user's non-terminal call under the same lock that
	// registers the watcher, so a subscriber arriving after the row was
	// written still observes the incoming call.
	var active *domain.Call
	for _, call := range w.s.calls {
		if call.Involves(username) && !call.Status.Terminal() {
			active = cloneCall(call)
			break
		}
	}
	id := w.s.nextWatcher
	w.s.nextWatcher++
	w.s.callWatchers[id] = &callWatcher{username: username, ch: live}
	w.s.mu.Unlock()

	out := make(chan *domain.Call, watchBuffer)
	go func() {
		defer close(out)
		defer func() {
			w.s.mu.Lock()
			delete(w.s.callWatchers, id)
			w.s.mu.Unlock()
		}()

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
			case call := <-live:
				select {
				case out <- call:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (w *watcher) WatchSignals(ctx context.Context, callID uuid.UUID, username string) (<-chan *domain.Signal, error) {
	live := make(chan *domain.Signal, watchBuffer)
	w.s.mu.Lock()
	// Copy the backlog under the lock, deliver it outside: pushing into
	// the subscriber's channel while holding mu would freeze the store
	// once the backlog outgrows the channel buffer. Registration and
	// the snapshot share one critical section, so live signals can only
	// carry sequence numbers past the snapshot.
	var backlog []*domain.Signal
	for _, sig := range w.s.signals[callID] {
		if sig.Receiver == username {
			backlog = append(backlog, cloneSignal(sig))
		}
	}
	id := w.s.nextWatcher
	w.s.nextWatcher++
	w.s.signalWatchers[id] = &signalWatcher{callID: callID, username: username, ch: live}
	w.s.mu.Unlock()

	out := make(chan *domain.Signal, watchBuffer)
	go func() {
		defer close(out)
		defer func() {
			w.s.mu.Lock()
			delete(w.s.signalWatchers, id)
			w.s.mu.Unlock()
		}()

		var lastSeq int64
		for _, sig := range backlog {
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
			case sig := <-live:
				if sig.Seq <= lastSeq {
					continue
				}
				select {
				case out <- sig:
					lastSeq = sig.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
