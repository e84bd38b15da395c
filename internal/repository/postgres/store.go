// Package postgres is a relay backend over a SQL store fronted by a
// realtime gateway. Rows live in postgres via pgx; change notifications
// arrive over a websocket change feed (see realtime.go), mirroring the
// store-plus-subscription service the system was designed against.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicelink/internal/domain"
	apperrors "voicelink/pkg/errors"
)

// UserRepository implements repository.UserRepository on postgres
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Upsert creates or replaces the user's presence record
func (r *UserRepository) Upsert(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (username, online, busy, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username)
		DO UPDATE SET online = $2, busy = $3, last_seen = $4
	`

	_, err := r.pool.Exec(ctx, query, user.Username, user.Online, user.Busy, user.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// Get returns the user's presence record
func (r *UserRepository) Get(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT username, online, busy, last_seen
		FROM users
		WHERE username = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&user.Username,
		&user.Online,
		&user.Busy,
		&user.LastSeen,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.UserNotFoundError()
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Heartbeat refreshes last_seen and the online flag
func (r *UserRepository) Heartbeat(ctx context.Context, username string) error {
	query := `
		INSERT INTO users (username, online, busy, last_seen)
		VALUES ($1, true, false, NOW())
		ON CONFLICT (username)
		DO UPDATE SET online = true, last_seen = NOW()
	`

	_, err := r.pool.Exec(ctx, query, username)
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// SetOnline sets the online flag; going offline also clears busy
func (r *UserRepository) SetOnline(ctx context.Context, username string, online bool) error {
	if online {
		return r.Heartbeat(ctx, username)
	}

	query := `
		UPDATE users
		SET online = false, busy = false
		WHERE username = $1
	`

	_, err := r.pool.Exec(ctx, query, username)
	if err != nil {
		return fmt.Errorf("failed to set user offline: %w", err)
	}
	return nil
}

// ClaimBusy atomically marks the user busy. The conditional UPDATE is a
// single statement, so two concurrent claims cannot both succeed.
func (r *UserRepository) ClaimBusy(ctx context.Context, username string) (bool, error) {
	query := `
		UPDATE users
		SET busy = true
		WHERE username = $1 AND online AND NOT busy
	`

	tag, err := r.pool.Exec(ctx, query, username)
	if err != nil {
		return false, fmt.Errorf("failed to claim busy flag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseBusy clears the busy flag
func (r *UserRepository) ReleaseBusy(ctx context.Context, username string) error {
	query := `
		UPDATE users
		SET busy = false
		WHERE username = $1
	`

	_, err := r.pool.Exec(ctx, query, username)
	if err != nil {
		return fmt.Errorf("failed to release busy flag: %w", err)
	}
	return nil
}

// ExpireStale marks users offline whose last heartbeat is older than window
func (r *UserRepository) ExpireStale(ctx context.Context, window time.Duration) (int, error) {
	query := `
		UPDATE users
		SET online = false, busy = false
		WHERE online AND last_seen < NOW() - $1::interval
	`

	tag, err := r.pool.Exec(ctx, query, window.String())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale users: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RoomRepository implements repository.RoomRepository on postgres
type RoomRepository struct {
	pool *pgxpool.Pool
}

// NewRoomRepository creates a new RoomRepository
func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

// Ensure returns the room for the unordered pair, creating it idempotently.
// The unique index on pair_key makes concurrent first calls converge on
// one row.
func (r *RoomRepository) Ensure(ctx context.Context, a, b string) (*domain.Room, error) {
	pairKey := domain.PairKey(a, b)

	query := `
		INSERT INTO rooms (id, pair_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (pair_key) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, uuid.New(), pairKey); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	room := &domain.Room{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, pair_key, created_at FROM rooms WHERE pair_key = $1`, pairKey,
	).Scan(&room.ID, &room.PairKey, &room.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

// CallRepository implements repository.CallRepository on postgres
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create stores a new call row
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (id, room_id, caller, receiver, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.RoomID,
		call.Caller,
		call.Receiver,
		call.Status,
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// Get retrieves a call by ID
func (r *CallRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT id, room_id, caller, receiver, status, started_at, ended_at, duration
		FROM calls
		WHERE id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&call.ID,
		&call.RoomID,
		&call.Caller,
		&call.Receiver,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// UpdateStatus moves the call to status. The WHERE clause restricts the
// write to rows in a status the transition table allows, so a stale
// writer updates nothing instead of corrupting a terminal row.
func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if !domain.CanTransition(current.Status, status) {
		return apperrors.InvalidStateError(
			fmt.Sprintf("illegal call transition %s -> %s", current.Status, status))
	}

	query := `
		UPDATE calls
		SET status = $2
		WHERE id = $1 AND status = $3
	`

	tag, err := r.pool.Exec(ctx, query, id, status, current.Status)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race against the other leg; re-read and re-validate.
		return r.UpdateStatus(ctx, id, status)
	}
	return nil
}

// End moves the call to a terminal status, stamping ended_at and duration.
// A repeated End on an already-terminal row is a no-op.
func (r *CallRepository) End(ctx context.Context, id uuid.UUID, status domain.CallStatus, duration int) error {
	if !status.Terminal() {
		return apperrors.InvalidStateError(fmt.Sprintf("%s is not a terminal status", status))
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	if !domain.CanTransition(current.Status, status) {
		return apperrors.InvalidStateError(
			fmt.Sprintf("illegal call transition %s -> %s", current.Status, status))
	}

	query := `
		UPDATE calls
		SET status = $2, ended_at = NOW(), duration = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := r.pool.Exec(ctx, query, id, status, duration, current.Status)
	if err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.End(ctx, id, status, duration)
	}
	return nil
}

// ActiveForUser returns the user's non-terminal call, or nil
func (r *CallRepository) ActiveForUser(ctx context.Context, username string) (*domain.Call, error) {
	query := `
		SELECT id, room_id, caller, receiver, status, started_at, ended_at, duration
		FROM calls
		WHERE (caller = $1 OR receiver = $1)
		  AND status NOT IN ('declined', 'busy', 'missed', 'ended')
		ORDER BY started_at DESC
		LIMIT 1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&call.ID,
		&call.RoomID,
		&call.Caller,
		&call.Receiver,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active call: %w", err)
	}
	return call, nil
}

// SignalRepository implements repository.SignalRepository on postgres.
// The bigserial row id doubles as the sequence: globally monotonic, so
// per-call order is preserved.
type SignalRepository struct {
	pool *pgxpool.Pool
}

// NewSignalRepository creates a new SignalRepository
func NewSignalRepository(pool *pgxpool.Pool) *SignalRepository {
	return &SignalRepository{pool: pool}
}

// Append stores the signal and assigns its sequence number
func (r *SignalRepository) Append(ctx context.Context, sig *domain.Signal) error {
	query := `
		INSERT INTO signals (call_id, sender, receiver, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING seq, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		sig.CallID,
		sig.Sender,
		sig.Receiver,
		sig.Type,
		sig.Payload,
	).Scan(&sig.Seq, &sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

// After returns signals with Seq > seq in sequence order
func (r *SignalRepository) After(ctx context.Context, callID uuid.UUID, seq int64) ([]*domain.Signal, error) {
	query := `
		SELECT call_id, seq, sender, receiver, type, payload, created_at
		FROM signals
		WHERE call_id = $1 AND seq > $2
		ORDER BY seq ASC
	`

	rows, err := r.pool.Query(ctx, query, callID, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*domain.Signal
	for rows.Next() {
		sig := &domain.Signal{}
		err := rows.Scan(
			&sig.CallID,
			&sig.Seq,
			&sig.Sender,
			&sig.Receiver,
			&sig.Type,
			&sig.Payload,
			&sig.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// Purge deletes all signals for the call. Deleting zero rows is not an
// error, so a repeated purge is a no-op.
func (r *SignalRepository) Purge(ctx context.Context, callID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM signals WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("failed to purge signals: %w", err)
	}
	return nil
}

// RecordingRepository implements repository.RecordingRepository on postgres
type RecordingRepository struct {
	pool *pgxpool.Pool
}

// NewRecordingRepository creates a new RecordingRepository
func NewRecordingRepository(pool *pgxpool.Pool) *RecordingRepository {
	return &RecordingRepository{pool: pool}
}

// Create stores a new recording row
func (r *RecordingRepository) Create(ctx context.Context, rec *domain.Recording) error {
	query := `
		INSERT INTO recordings (call_id, storage_path, size, duration, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	_, err := r.pool.Exec(ctx, query,
		rec.CallID,
		rec.StoragePath,
		rec.Size,
		rec.Duration,
		rec.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	return nil
}

// Update replaces the mutable fields of the recording row
func (r *RecordingRepository) Update(ctx context.Context, rec *domain.Recording) error {
	query := `
		UPDATE recordings
		SET storage_path = $2, size = $3, duration = $4, status = $5
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query,
		rec.CallID,
		rec.StoragePath,
		rec.Size,
		rec.Duration,
		rec.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to update recording: %w", err)
	}
	return nil
}

// Get retrieves the recording for a call
func (r *RecordingRepository) Get(ctx context.Context, callID uuid.UUID) (*domain.Recording, error) {
	query := `
		SELECT call_id, storage_path, size, duration, status, created_at
		FROM recordings
		WHERE call_id = $1
	`

	rec := &domain.Recording{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&rec.CallID,
		&rec.StoragePath,
		&rec.Size,
		&rec.Duration,
		&rec.Status,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}
