// Package repository defines the capability interfaces the call coordinator
// needs from the relay store. Concrete backends (redis, postgres, memory)
// implement all of them; consumers depend only on the slices they use, so
// the relay technology can be swapped without touching the coordinator.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"voicelink/internal/domain"
)

// UserRepository manages presence records
type UserRepository interface {
	// Upsert creates or replaces the user's presence record
	Upsert(ctx context.Context, user *domain.User) error
	// Get returns the user's presence record, or pkg/errors USER_NOT_FOUND
	Get(ctx context.Context, username string) (*domain.User, error)
	// Heartbeat refreshes last_seen and the online flag
	Heartbeat(ctx context.Context, username string) error
	// SetOnline sets the online flag; going offline also clears busy
	SetOnline(ctx context.Context, username string, online bool) error
	// ClaimBusy atomically sets busy where not already busy.
	// Returns false without error when the user was already busy.
	ClaimBusy(ctx context.Context, username string) (bool, error)
	// ReleaseBusy clears the busy flag; a no-op if not busy
	ReleaseBusy(ctx context.Context, username string) error
	// ExpireStale marks users offline whose last_seen is older than window,
	// returning how many were expired
	ExpireStale(ctx context.Context, window time.Duration) (int, error)
}

// RoomRepository manages the one-room-per-pair invariant
type RoomRepository interface {
	// Ensure returns the room for the unordered pair (a, b), creating it
	// idempotently on first use
	Ensure(ctx context.Context, a, b string) (*domain.Room, error)
}

// CallRepository manages call rows
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	// UpdateStatus moves the call to status. Backends reject transitions
	// not allowed by domain.CanTransition and writes to terminal rows.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus) error
	// End moves the call to a terminal status, stamping ended_at and duration
	End(ctx context.Context, id uuid.UUID, status domain.CallStatus, duration int) error
	// ActiveForUser returns the user's call in a non-terminal status, or nil
	ActiveForUser(ctx context.Context, username string) (*domain.Call, error)
}

// SignalRepository manages the append-only negotiation log
type SignalRepository interface {
	// Append stores the signal and assigns its per-call sequence number
	Append(ctx context.Context, sig *domain.Signal) error
	// After returns signals for the call with Seq > seq, in Seq order
	After(ctx context.Context, callID uuid.UUID, seq int64) ([]*domain.Signal, error)
	// Purge deletes all signals for the call. Idempotent.
	Purge(ctx context.Context, callID uuid.UUID) error
}

// RecordingRepository manages recording rows
type RecordingRepository interface {
	Create(ctx context.Context, rec *domain.Recording) error
	Update(ctx context.Context, rec *domain.Recording) error
	Get(ctx context.Context, callID uuid.UUID) (*domain.Recording, error)
}

// Watcher delivers change notifications from the relay store.
// Channels close when ctx is done.
type Watcher interface {
	// WatchCalls streams inserts and updates of calls involving username
	WatchCalls(ctx context.Context, username string) (<-chan *domain.Call, error)
	// WatchSignals streams signals for the call addressed to username,
	// in non-decreasing Seq order, including any backlog present at
	// subscribe time
	WatchSignals(ctx context.Context, callID uuid.UUID, username string) (<-chan *domain.Signal, error)
}

// ArchiveRepository stores terminal calls for history queries.
// Optional; backends that do not archive return a nil implementation.
type ArchiveRepository interface {
	Archive(ctx context.Context, call *domain.Call) error
	History(ctx context.Context, username string, limit int) ([]*domain.Call, error)
}

// Backend aggregates the repositories one relay backend provides,
// so the daemon can swap backends with a single assignment
type Backend struct {
	Users      UserRepository
	Rooms      RoomRepository
	Calls      CallRepository
	Signals    SignalRepository
	Recordings RecordingRepository
	Watch      Watcher
}
