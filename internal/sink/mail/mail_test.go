package mail

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

// smtpServer is a minimal SMTP server that records delivered messages
type smtpServer struct {
	ln       net.Listener
	mu       sync.Mutex
	messages []string
	rcpts    []string
}

func newSMTPServer(t *testing.T) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &smtpServer{ln: ln}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *smtpServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *smtpServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }

	reply("220 test ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 test")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			s.mu.Lock()
			s.rcpts = append(s.rcpts, strings.TrimSpace(line[len("RCPT TO:"):]))
			s.mu.Unlock()
			reply("250 OK")
		case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RSET"), strings.HasPrefix(cmd, "NOOP"):
			reply("250 OK")
		case cmd == "DATA":
			reply("354 end with .")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, body.String())
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (s *smtpServer) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func batchOf(key string, messages ...string) *sink.Batch {
	envs := make([]*models.Envelope, len(messages))
	for i, m := range messages {
		envs[i] = models.NewEnvelope(models.NewLogEvent(models.LevelError, "billing", m), nil)
	}
	return sink.NewBatch(key, envs)
}

func newSink(t *testing.T) *Sink {
	t.Helper()
	opts := DefaultOptions()
	opts.From = "logship@example.com"
	opts.To = []string{"ops@example.com", "dev@example.com"}
	opts.Layout = "{{ .Level }} {{ .Message }}"
	s, err := New("mail", opts)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSendsOneMessagePerBatch(t *testing.T) {
	srv := newSMTPServer(t)
	s := newSink(t)
	key := srv.ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := s.Open(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, h, batchOf(key, "card declined", "retry scheduled")))
	require.NoError(t, s.Write(ctx, h, batchOf(key, "second batch")))
	require.NoError(t, h.Close())

	msgs := srv.delivered()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "Subject: [ERROR] billing\r\n")
	assert.Contains(t, msgs[0], "To: ops@example.com, dev@example.com\r\n")
	assert.Contains(t, msgs[0], "ERROR card declined\r\nERROR retry scheduled\r\n")
	assert.Contains(t, msgs[1], "ERROR second batch\r\n")

	srv.mu.Lock()
	assert.Len(t, srv.rcpts, 4)
	srv.mu.Unlock()
}

func TestInitRequiresAddresses(t *testing.T) {
	s, err := New("mail", Options{})
	require.NoError(t, err)
	assert.Error(t, s.Init(context.Background()))

	s, err = NewFromMap("mail", map[string]any{"from": "a@example.com", "to": "b@example.com,c@example.com"})
	require.NoError(t, err)
	assert.NoError(t, s.Init(context.Background()))
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, s.opts.To)
}

func TestOpenBadAddressIsPermanent(t *testing.T) {
	s := newSink(t)
	_, err := s.Open(context.Background(), "no-port")
	require.Error(t, err)
	assert.False(t, models.IsRetryable(err))
}

func TestSubjectHeaderIsSanitized(t *testing.T) {
	opts := DefaultOptions()
	opts.From, opts.To = "a@example.com", []string{"b@example.com"}
	opts.Subject = "{{ .Message }}"
	s, err := New("mail", opts)
	require.NoError(t, err)

	msg, failed, err := s.Message(batchOf("smtp:25", "line one\r\nBcc: evil@example.com"))
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Contains(t, string(msg), "Subject: line one  Bcc: evil@example.com\r\n")
}
