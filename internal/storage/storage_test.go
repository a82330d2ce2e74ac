package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logship/internal/models"
	"logship/internal/sink"
)

func batchOf(key string, messages ...string) *sink.Batch {
	envs := make([]*models.Envelope, len(messages))
	for i, m := range messages {
		envs[i] = models.NewEnvelope(models.NewLogEvent(models.LevelWarn, "db", m), nil)
	}
	return sink.NewBatch(key, envs)
}

func TestWriteAndReadBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	s := New("store", Options{Fsync: FsyncAlways})
	require.NoError(t, s.Init(context.Background()))

	h, err := s.Open(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), h, batchOf(dir, "one", "two")))
	require.NoError(t, s.Write(context.Background(), h, batchOf(dir, "three")))
	require.NoError(t, h.Close())

	events, err := ReadEvents(dir)
	require.NoError(t, err)
	require.Len(t, events, 3)

	var msgs []string
	for _, ev := range events {
		msgs = append(msgs, ev.Message)
		assert.Equal(t, models.LevelWarn, ev.Level)
	}
	assert.ElementsMatch(t, []string{"one", "two", "three"}, msgs)
}

func TestEventKeyOrdersByTime(t *testing.T) {
	early := models.NewLogEvent(models.LevelInfo, "s", "early")
	late := models.NewLogEvent(models.LevelInfo, "s", "late")
	early.Timestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late.Timestamp = early.Timestamp.Add(time.Nanosecond)
	late.Sequence = early.Sequence - 1

	assert.Equal(t, -1, bytes.Compare(EventKey(early), EventKey(late)))
}

func TestInitRejectsUnknownFsync(t *testing.T) {
	s := New("store", Options{Fsync: "sometimes"})
	assert.Error(t, s.Init(context.Background()))

	s, err := NewFromMap("store", map[string]any{"fsync": "never"})
	require.NoError(t, err)
	assert.NoError(t, s.Init(context.Background()))
}

func TestOpenEmptyKeyIsPermanent(t *testing.T) {
	s := New("store", Options{})
	_, err := s.Open(context.Background(), "")
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))
}
