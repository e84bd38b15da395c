package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicelink/internal/repository"
)

// NewBackend bundles the redis repositories as a swappable relay backend
func NewBackend(client *redis.Client, staleness time.Duration, log *zap.Logger) repository.Backend {
	signals := NewSignalRepository(client)
	calls := NewCallRepository(client)
	return repository.Backend{
		Users:      NewPresenceRepository(client, staleness),
		Rooms:      NewRoomRepository(client),
		Calls:      calls,
		Signals:    signals,
		Recordings: NewRecordingRepository(client),
		Watch:      NewWatcher(client, calls, signals, log),
	}
}
