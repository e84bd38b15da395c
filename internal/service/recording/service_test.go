package recording

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/repository/memory"
	apperrors "voicelink/pkg/errors"
	"voicelink/pkg/metrics"
)

// fakeUploader captures the uploaded blob or fails on demand
type fakeUploader struct {
	data    []byte
	object  string
	fail    bool
	uploads int
}

func (f *fakeUploader) Upload(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (string, error) {
	f.uploads++
	if f.fail {
		return "", errors.New("storage unreachable")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	f.data = data
	f.object = objectName
	return "recordings/" + objectName, nil
}

func (f *fakeUploader) Remove(_ context.Context, _ string) error { return nil }

func newRecorder(store *memory.Store, uploader *fakeUploader) *Recorder {
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "recording_test")
	return NewRecorder(store.Backend().Recordings, uploader, m, zap.NewNop())
}

func TestBeginCaptureFinish(t *testing.T) {
	store := memory.New()
	uploader := &fakeUploader{}
	rec := newRecorder(store, uploader)
	ctx := context.Background()
	callID := uuid.New()

	require.NoError(t, rec.Begin(ctx, callID))
	assert.True(t, rec.Active())

	row, err := store.Backend().Recordings.Get(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusRecording, row.Status)

	rec.Capture([]byte("chunk-1"))
	rec.Capture([]byte("chunk-2"))

	require.NoError(t, rec.Finish(ctx))
	assert.False(t, rec.Active())
	assert.Equal(t, []byte("chunk-1chunk-2"), uploader.data)

	row, err = store.Backend().Recordings.Get(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusCompleted, row.Status)
	assert.Equal(t, "recordings/"+uploader.object, row.StoragePath)
	assert.Equal(t, int64(len("chunk-1chunk-2")), row.Size)
}

func TestFinishUploadFailureMarksFailed(t *testing.T) {
	store := memory.New()
	uploader := &fakeUploader{fail: true}
	rec := newRecorder(store, uploader)
	ctx := context.Background()
	callID := uuid.New()

	require.NoError(t, rec.Begin(ctx, callID))
	rec.Capture([]byte("audio"))

	err := rec.Finish(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUpload))

	row, getErr := store.Backend().Recordings.Get(ctx, callID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.RecordingStatusFailed, row.Status)
	assert.Empty(t, row.StoragePath)

	// Single shot: the failed upload is not retried
	assert.Equal(t, 1, uploader.uploads)
}

func TestOnlyOneRecordingAtATime(t *testing.T) {
	store := memory.New()
	rec := newRecorder(store, &fakeUploader{})
	ctx := context.Background()

	require.NoError(t, rec.Begin(ctx, uuid.New()))

	err := rec.Begin(ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestCaptureAfterFinishIsDropped(t *testing.T) {
	store := memory.New()
	uploader := &fakeUploader{}
	rec := newRecorder(store, uploader)
	ctx := context.Background()

	require.NoError(t, rec.Begin(ctx, uuid.New()))
	rec.Capture([]byte("kept"))
	require.NoError(t, rec.Finish(ctx))

	// Trailing packets after teardown must not panic or leak
	rec.Capture([]byte("dropped"))
	assert.Equal(t, []byte("kept"), uploader.data)
}

func TestFinishWithoutBeginIsNoop(t *testing.T) {
	store := memory.New()
	uploader := &fakeUploader{}
	rec := newRecorder(store, uploader)

	require.NoError(t, rec.Finish(context.Background()))
	assert.Zero(t, uploader.uploads)
}

func TestAbortMarksFailedWithoutUpload(t *testing.T) {
	store := memory.New()
	uploader := &fakeUploader{}
	rec := newRecorder(store, uploader)
	ctx := context.Background()
	callID := uuid.New()

	require.NoError(t, rec.Begin(ctx, callID))
	rec.Capture([]byte("audio"))
	rec.Abort(ctx)

	assert.False(t, rec.Active())
	assert.Zero(t, uploader.uploads)

	row, err := store.Backend().Recordings.Get(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusFailed, row.Status)
}
