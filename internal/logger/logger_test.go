package logger

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSinkTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	log := WithSink("dispatcher", "archive")
	log.Warn().Str("key", "/var/log/app.log").Msg("write failed, retrying")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatcher", entry["component"])
	assert.Equal(t, "archive", entry["sink"])
	assert.Equal(t, "/var/log/app.log", entry["key"])
	assert.Equal(t, "warn", entry["level"])
}

func TestInitWriterFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("chatty", &buf)

	log := WithComponent("test")
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	out := buf.String()
	assert.Contains(t, out, "logger initialized")
	assert.Contains(t, out, "shown")
	assert.False(t, strings.Contains(out, "hidden"))
}
