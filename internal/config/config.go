// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"voicelink/pkg/env"
)

// Fixed protocol parameters. These are shared contracts between peers,
// not tunables: changing one side without the other breaks call setup.
const (
	// HeartbeatInterval is how often presence is refreshed
	HeartbeatInterval = 30 * time.Second
	// StalenessWindow is how long after the last heartbeat a user
	// still counts as online
	StalenessWindow = 5 * time.Minute
	// RingTimeout is how long an unanswered outgoing call rings
	// before it is marked missed
	RingTimeout = 30 * time.Second
	// MaxReconnectAttempts bounds automatic reconnection after a
	// connection drop mid-call
	MaxReconnectAttempts = 5
)

// Config holds all daemon configuration
type Config struct {
	Env      string
	Username string
	Port     int

	// RelayBackend selects the signaling store: "redis" or "postgres"
	RelayBackend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	// RealtimeURL is the websocket change-feed gateway for the
	// postgres backend
	RealtimeURL string

	CassandraHosts    []string
	CassandraKeyspace string
	ArchiveEnabled    bool

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseSSL    bool
	MinIOBucket    string

	// STUNServers seed ICE gathering
	STUNServers []string

	RecordingEnabled bool
}

// Load reads configuration from the environment with sane local defaults
func Load() *Config {
	return &Config{
		Env:      env.GetString("ENV", "development"),
		Username: env.MustGetString("VOICELINK_USERNAME"),
		Port:     env.GetInt("PORT", 8080),

		RelayBackend: env.GetString("RELAY_BACKEND", "redis"),

		RedisAddr:     env.GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:       env.GetInt("REDIS_DB", 0),
		RedisPoolSize: env.GetInt("REDIS_POOL_SIZE", 10),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetString("DB_PORT", "5432"),
		DBUser:     env.GetString("DB_USER", "voicelink"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:     env.GetString("DB_NAME", "voicelink"),
		DBSSLMode:  env.GetString("DB_SSLMODE", "disable"),

		RealtimeURL: env.GetString("REALTIME_URL", "ws://localhost:4000/realtime"),

		CassandraHosts:    strings.Split(env.GetString("CASSANDRA_HOSTS", "localhost"), ","),
		CassandraKeyspace: env.GetString("CASSANDRA_KEYSPACE", "voicelink"),
		ArchiveEnabled:    env.GetBool("ARCHIVE_ENABLED", false),

		MinIOEndpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey: env.GetString("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
		MinIOUseSSL:    env.GetBool("MINIO_USE_SSL", false),
		MinIOBucket:    env.GetString("MINIO_BUCKET", "voicelink-recordings"),

		STUNServers: strings.Split(env.GetString("STUN_SERVERS", "stun:stun.l.google.com:19302"), ","),

		RecordingEnabled: env.GetBool("RECORDING_ENABLED", true),
	}
}

// DBConnectionString returns the postgres connection string
func (c *Config) DBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
