package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"voicelink/internal/repository"
)

// NewBackend bundles the postgres repositories as a swappable relay backend
func NewBackend(pool *pgxpool.Pool, realtime *Realtime, log *zap.Logger) repository.Backend {
	signals := NewSignalRepository(pool)
	calls := NewCallRepository(pool)
	return repository.Backend{
		Users:      NewUserRepository(pool),
		Rooms:      NewRoomRepository(pool),
		Calls:      calls,
		Signals:    signals,
		Recordings: NewRecordingRepository(pool),
		Watch:      NewWatcher(realtime, calls, signals, log),
	}
}
