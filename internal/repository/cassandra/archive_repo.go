// Package cassandra archives finished calls for history queries.
// Rows are bucketed by month so partitions stay bounded no matter how
// long a user keeps calling.
package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"voicelink/internal/domain"
)

// historyLookbackMonths bounds how far History walks back through buckets
const historyLookbackMonths = 12

// ArchiveRepository handles terminal-call storage in Cassandra
type ArchiveRepository struct {
	session *gocql.Session
}

// NewArchiveRepository creates a new ArchiveRepository
func NewArchiveRepository(session *gocql.Session) *ArchiveRepository {
	return &ArchiveRepository{session: session}
}

// bucket maps a timestamp to its YYYYMM partition bucket
func bucket(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

// Archive writes one row per participant so either side can page its
// own history without a secondary index
func (r *ArchiveRepository) Archive(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls_by_user (
			username, bucket, started_at, call_id, peer,
			direction, status, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	b := bucket(call.StartedAt)
	rows := []struct {
		username, peer, direction string
	}{
		{call.Caller, call.Receiver, "outgoing"},
		{call.Receiver, call.Caller, "incoming"},
	}

	for _, row := range rows {
		err := r.session.Query(query,
			row.username,
			b,
			call.StartedAt,
			call.ID,
			row.peer,
			row.direction,
			string(call.Status),
			call.Duration,
		).WithContext(ctx).Exec()
		if err != nil {
			return fmt.Errorf("failed to archive call: %w", err)
		}
	}

	return nil
}

// History returns the user's most recent calls, newest first, walking
// back one monthly bucket at a time until limit is reached
func (r *ArchiveRepository) History(ctx context.Context, username string, limit int) ([]*domain.Call, error) {
	query := `
		SELECT call_id, started_at, peer, direction, status, duration
		FROM calls_by_user
		WHERE username = ? AND bucket = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	var calls []*domain.Call
	current := time.Now()

	for months := 0; months < historyLookbackMonths && len(calls) < limit; months++ {
		iter := r.session.Query(query, username, bucket(current), limit-len(calls)).
			WithContext(ctx).Iter()

		var (
			callID    gocql.UUID
			startedAt time.Time
			peer      string
			direction string
			status    string
			duration  int
		)
		for iter.Scan(&callID, &startedAt, &peer, &direction, &status, &duration) {
			call := &domain.Call{
				ID:        uuid.UUID(callID),
				Status:    domain.CallStatus(status),
				StartedAt: startedAt,
				Duration:  duration,
			}
			if direction == "outgoing" {
				call.Caller = username
				call.Receiver = peer
			} else {
				call.Caller = peer
				call.Receiver = username
			}
			calls = append(calls, call)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to fetch call history: %w", err)
		}

		current = current.AddDate(0, -1, 0)
	}

	return calls, nil
}
