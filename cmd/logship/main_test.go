package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logship/internal/models"
)

func TestReadEventsSkipsEmptyLines(t *testing.T) {
	events, err := readEvents(strings.NewReader("first\n\n  second  \n"), models.LevelWarn, "Cron")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "first", events[0].Message)
	assert.Equal(t, "second", events[1].Message)
	assert.Equal(t, models.LevelWarn, events[1].Level)
	assert.Equal(t, "cron", events[1].Source)
}

func TestShipWritesConfiguredFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "logship.yaml")
	out := filepath.Join(dir, "out.log")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
dispatcher:
  batchDelay: 1ms
sinks:
  - name: file
    type: file
    key: `+out+`
    options:
      layout: "{{ .Source }}: {{ .Message }}"
`), 0o644))

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"ship", "--config", cfgPath, "--source", "job"})
	cmd.SetIn(strings.NewReader("one\ntwo\n"))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "shipped 2 events\n", stdout.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "job: one\njob: two\n", string(data))
}

func TestShipRejectsBadLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"ship", "--level", "loud"})
	cmd.SetIn(strings.NewReader("x\n"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--level")
}
