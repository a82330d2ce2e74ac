package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logship/internal/models"
)

func TestNewBatch(t *testing.T) {
	envs := []*models.Envelope{
		models.NewEnvelope(models.NewLogEvent(models.LevelInfo, "api", "one"), nil),
		models.NewEnvelope(models.NewLogEvent(models.LevelInfo, "api", "two"), nil),
	}
	b := NewBatch("k", envs)

	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 1, b.Attempt)
	assert.Equal(t, 2, b.Len())
	events := b.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[1].Message)
}

func TestPartial(t *testing.T) {
	assert.NoError(t, Partial(nil))

	err := Partial(map[int]error{4: errors.New("x"), 1: errors.New("y")})
	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, pe.Failed, 2)
	assert.Equal(t, "2 of batch failed: #1: y; #4: x", err.Error())
}

type testOptions struct {
	Path     string        `mapstructure:"path"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxSize  int64         `mapstructure:"maxSize"`
	Enabled  bool          `mapstructure:"enabled"`
	Brokers  []string      `mapstructure:"brokers"`
	EmbeddedOptions `mapstructure:",squash"`
}

type EmbeddedOptions struct {
	Level string `mapstructure:"level"`
}

func TestDecodeOptions(t *testing.T) {
	var opts testOptions
	err := DecodeOptions(map[string]any{
		"path":    "/var/log/app.log",
		"timeout": "150ms",
		"maxSize": "1024",
		"enabled": "true",
		"brokers": "a:9092,b:9092",
		"level":   "info",
	}, &opts)
	require.NoError(t, err)

	assert.Equal(t, "/var/log/app.log", opts.Path)
	assert.Equal(t, 150*time.Millisecond, opts.Timeout)
	assert.Equal(t, int64(1024), opts.MaxSize)
	assert.True(t, opts.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, opts.Brokers)
	assert.Equal(t, "info", opts.Level)

	assert.Error(t, DecodeOptions(map[string]any{"bogus": 1}, &opts))
}

func TestDeadline(t *testing.T) {
	assert.True(t, Deadline(context.Background()).IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	assert.False(t, Deadline(ctx).IsZero())
}
