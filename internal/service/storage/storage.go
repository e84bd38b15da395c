// Package storage uploads finished recordings to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Uploader stores recording blobs. The recorder depends on this, not
// on MinIO, so tests can swap in a fake.
type Uploader interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error)
	Remove(ctx context.Context, objectName string) error
}

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerHalfOpen
	CircuitBreakerOpen
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxFailures  int
	Timeout      time.Duration
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns default circuit breaker settings
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		Timeout:      30 * time.Second,
		ResetTimeout: 30 * time.Second,
	}
}

// MinioConfig holds object storage connection settings
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinioUploader implements Uploader on MinIO with a circuit breaker so
// a dead storage endpoint fails fast instead of stalling call cleanup
type MinioUploader struct {
	client *minio.Client
	bucket string
	config *CircuitBreakerConfig
	log    *zap.Logger

	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int
	lastFailure time.Time
}

// NewMinioUploader creates the uploader and ensures the bucket exists
func NewMinioUploader(ctx context.Context, cfg *MinioConfig, log *zap.Logger) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioUploader{
		client: client,
		bucket: cfg.Bucket,
		config: DefaultCircuitBreakerConfig(),
		state:  CircuitBreakerClosed,
		log:    log,
	}, nil
}

// Upload stores one object and returns its storage path
func (u *MinioUploader) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error) {
	if err := u.allow(); err != nil {
		return "", err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, u.config.Timeout)
	defer cancel()

	_, err := u.client.PutObject(uploadCtx, u.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		u.onFailure(err)
		return "", fmt.Errorf("upload failed: %w", err)
	}

	u.onSuccess()
	return fmt.Sprintf("%s/%s", u.bucket, objectName), nil
}

// Remove deletes one object, used to clean up after aborted uploads
func (u *MinioUploader) Remove(ctx context.Context, objectName string) error {
	if err := u.allow(); err != nil {
		return err
	}

	if err := u.client.RemoveObject(ctx, u.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		u.onFailure(err)
		return fmt.Errorf("delete failed: %w", err)
	}

	u.onSuccess()
	return nil
}

// allow checks the circuit breaker, moving open to half-open after the
// reset timeout so one probe request can test recovery
func (u *MinioUploader) allow() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == CircuitBreakerOpen {
		if time.Since(u.lastFailure) < u.config.ResetTimeout {
			return errors.New("circuit breaker is open")
		}
		u.state = CircuitBreakerHalfOpen
	}
	return nil
}

func (u *MinioUploader) onSuccess() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures = 0
	u.state = CircuitBreakerClosed
	u.lastFailure = time.Time{}
}

func (u *MinioUploader) onFailure(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures++
	u.lastFailure = time.Now()
	u.log.Warn("storage operation failed",
		zap.Error(err),
		zap.Int("failures", u.failures))

	if u.failures >= u.config.MaxFailures {
		u.state = CircuitBreakerOpen
		u.log.Warn("storage circuit breaker opened", zap.Int("failures", u.failures))
	}
}

// State returns the current circuit breaker state
func (u *MinioUploader) State() CircuitBreakerState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}
