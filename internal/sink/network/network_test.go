package network

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logship/internal/models"
	"logship/internal/sink"
)

type tcpCollector struct {
	ln    net.Listener
	mu    sync.Mutex
	lines []string
	wg    sync.WaitGroup
}

func newTCPCollector(t *testing.T) *tcpCollector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := &tcpCollector{ln: ln}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					c.mu.Lock()
					c.lines = append(c.lines, sc.Text())
					c.mu.Unlock()
				}
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
	})
	return c
}

func (c *tcpCollector) key() string {
	return "tcp://" + c.ln.Addr().String()
}

func (c *tcpCollector) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func batchOf(key string, messages ...string) *sink.Batch {
	envs := make([]*models.Envelope, len(messages))
	for i, m := range messages {
		envs[i] = models.NewEnvelope(models.NewLogEvent(models.LevelInfo, "test", m), nil)
	}
	return sink.NewBatch(key, envs)
}

func newSink(t *testing.T, opts Options) *Sink {
	t.Helper()
	base := DefaultOptions()
	if opts.Layout != "" {
		base.Layout = opts.Layout
	}
	if opts.MaxMessageSize != 0 {
		base.MaxMessageSize = opts.MaxMessageSize
	}
	if opts.OnOverflow != "" {
		base.OnOverflow = opts.OnOverflow
	}
	s, err := New("net", base)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestTCPWrite(t *testing.T) {
	col := newTCPCollector(t)
	s := newSink(t, Options{Layout: "{{ .Message }}"})

	h, err := s.Open(context.Background(), col.key())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Write(ctx, h, batchOf(col.key(), "alpha", "beta")))
	require.NoError(t, h.Close())

	assert.Eventually(t, func() bool { return len(col.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alpha", "beta"}, col.received())
}

func TestOverflowActions(t *testing.T) {
	long := strings.Repeat("x", 25)

	t.Run("split", func(t *testing.T) {
		col := newTCPCollector(t)
		s := newSink(t, Options{Layout: "{{ .Message }}", MaxMessageSize: 10, OnOverflow: OverflowSplit})
		h, err := s.Open(context.Background(), col.key())
		require.NoError(t, err)
		require.NoError(t, s.Write(context.Background(), h, batchOf(col.key(), long)))
		h.Close()

		assert.Eventually(t, func() bool { return len(col.received()) == 3 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, col.received())
	})

	t.Run("discard", func(t *testing.T) {
		col := newTCPCollector(t)
		s := newSink(t, Options{Layout: "{{ .Message }}", MaxMessageSize: 10, OnOverflow: OverflowDiscard})
		h, err := s.Open(context.Background(), col.key())
		require.NoError(t, err)
		require.NoError(t, s.Write(context.Background(), h, batchOf(col.key(), long, "short")))
		h.Close()

		assert.Eventually(t, func() bool { return len(col.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{"short"}, col.received())
	})

	t.Run("error", func(t *testing.T) {
		col := newTCPCollector(t)
		s := newSink(t, Options{Layout: "{{ .Message }}", MaxMessageSize: 10, OnOverflow: OverflowError})
		h, err := s.Open(context.Background(), col.key())
		require.NoError(t, err)
		defer h.Close()

		err = s.Write(context.Background(), h, batchOf(col.key(), "short", long))
		var pe *sink.PartialError
		require.ErrorAs(t, err, &pe)
		assert.Len(t, pe.Failed, 1)
		assert.ErrorIs(t, pe.Failed[1], ErrMessageTooLarge)
		assert.False(t, models.IsRetryable(pe.Failed[1]))
	})
}

func TestUDPWrite(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	s := newSink(t, Options{Layout: "{{ .Level }}:{{ .Message }}"})
	key := "udp://" + pc.LocalAddr().String()
	h, err := s.Open(context.Background(), key)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, s.Write(context.Background(), h, batchOf(key, "datagram")))

	buf := make([]byte, 1024)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "INFO:datagram", string(buf[:n]))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		key     string
		network string
		address string
		wantErr bool
	}{
		{"tcp://collector:5140", "tcp", "collector:5140", false},
		{"udp://[::1]:514", "udp", "[::1]:514", false},
		{"http://collector:80", "", "", true},
		{"tcp://", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			network, address, err := ParseAddress(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.network, network)
			assert.Equal(t, tt.address, address)
		})
	}
}

func TestOpenUnreachableFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := newSink(t, Options{})
	_, err = s.Open(context.Background(), "tcp://"+addr)
	assert.Error(t, err)
	assert.True(t, models.IsRetryable(err))
}

func TestInitRejectsUnknownOverflow(t *testing.T) {
	s, err := New("net", Options{OnOverflow: "truncate"})
	require.NoError(t, err)
	assert.Error(t, s.Init(context.Background()))
}
