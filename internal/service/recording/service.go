// Package recording manages the call recording lifecycle: capture
// audio into a buffer during the call, then hand the whole blob to
// object storage in a single shot when the call ends.
package recording

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository"
	"voicelink/internal/service/storage"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/metrics"
)

// Recorder buffers audio for at most one call at a time
type Recorder struct {
	recordings repository.RecordingRepository
	uploader   storage.Uploader
	metrics    *metrics.Metrics
	log        *zap.Logger

	mu        sync.Mutex
	callID    uuid.UUID
	buf       *bytes.Buffer
	startedAt time.Time
	active    bool
}

// NewRecorder creates a new Recorder
func NewRecorder(
	recordings repository.RecordingRepository,
	uploader storage.Uploader,
	m *metrics.Metrics,
	log *zap.Logger,
) *Recorder {
	return &Recorder{
		recordings: recordings,
		uploader:   uploader,
		metrics:    m,
		log:        log,
	}
}

// Begin opens a recording for the call and creates its row in the
// recording state. Fails if another recording is in progress.
func (r *Recorder) Begin(ctx context.Context, callID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return apperrors.InvalidStateError("a recording is already in progress")
	}

	rec := &domain.Recording{
		CallID:    callID,
		Status:    domain.RecordingStatusRecording,
		CreatedAt: time.Now(),
	}
	if err := r.recordings.Create(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStorage, "failed to create recording row", err)
	}

	r.callID = callID
	r.buf = &bytes.Buffer{}
	r.startedAt = time.Now()
	r.active = true

	r.log.Info("recording started", zap.String("call_id", callID.String()))
	return nil
}

// Capture appends one audio chunk to the active recording. Chunks
// arriving when no recording is active are dropped silently; the
// transport can deliver a few trailing packets after Finish.
func (r *Recorder) Capture(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.buf.Write(chunk)
}

// Active reports whether a recording is in progress
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Finish closes the recording and uploads the buffered audio in one
// shot. The row moves to completed on success or failed on upload
// error; either way the buffer is released and the recorder is ready
// for the next call. No retry: a failed upload stays failed.
func (r *Recorder) Finish(ctx context.Context) error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil
	}
	callID := r.callID
	buf := r.buf
	duration := int(time.Since(r.startedAt).Seconds())
	r.buf = nil
	r.active = false
	r.mu.Unlock()

	objectName := fmt.Sprintf("%s/%s.opus", time.Now().Format("2006-01-02"), callID)
	size := int64(buf.Len())

	path, uploadErr := r.uploader.Upload(ctx, objectName, buf, size, "audio/opus")

	rec := &domain.Recording{
		CallID:    callID,
		Size:      size,
		Duration:  duration,
		CreatedAt: time.Now(),
	}
	if uploadErr != nil {
		rec.Status = domain.RecordingStatusFailed
		r.metrics.RecordRecordingUpload("failed")
		r.log.Error("recording upload failed",
			zap.String("call_id", callID.String()),
			zap.Error(uploadErr))
	} else {
		rec.Status = domain.RecordingStatusCompleted
		rec.StoragePath = path
		r.metrics.RecordRecordingUpload("completed")
		r.log.Info("recording uploaded",
			zap.String("call_id", callID.String()),
			zap.String("path", path),
			zap.Int64("size", size))
	}

	if err := r.recordings.Update(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStorage, "failed to update recording row", err)
	}
	if uploadErr != nil {
		return apperrors.UploadError(uploadErr)
	}
	return nil
}

// Abort discards the active recording without uploading, marking the
// row failed. Used when the call tears down abnormally.
func (r *Recorder) Abort(ctx context.Context) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	callID := r.callID
	duration := int(time.Since(r.startedAt).Seconds())
	r.buf = nil
	r.active = false
	r.mu.Unlock()

	rec := &domain.Recording{
		CallID:    callID,
		Duration:  duration,
		Status:    domain.RecordingStatusFailed,
		CreatedAt: time.Now(),
	}
	if err := r.recordings.Update(ctx, rec); err != nil {
		r.log.Warn("failed to mark aborted recording", zap.Error(err))
	}
	r.metrics.RecordRecordingUpload("aborted")
	r.log.Info("recording aborted", zap.String("call_id", callID.String()))
}
