// Package mail is the sink that sends each batch as one email through an
// SMTP server. The rendered key of a batch is the server address (host:port).
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"logship/internal/layout"
	"logship/internal/models"
	"logship/internal/sink"
)

// Options configures the mail sink
type Options struct {
	From    string   `mapstructure:"from"`
	To      []string `mapstructure:"to"`
	Subject string   `mapstructure:"subject"`

	// Layout renders one body line per event
	Layout string `mapstructure:"layout"`

	// Username and Password enable PLAIN auth
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// HelloName is sent in EHLO (default localhost)
	HelloName string `mapstructure:"helloName"`

	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

// DefaultOptions returns the options used for keys absent from configuration
func DefaultOptions() Options {
	return Options{
		Subject:     "[{{ .Level }}] {{ .Source }}",
		Layout:      layout.DefaultLine,
		HelloName:   "localhost",
		DialTimeout: 10 * time.Second,
	}
}

// Sink sends batches by mail
type Sink struct {
	name    string
	opts    Options
	subject *layout.Layout
	line    *layout.Layout
}

// New creates a mail sink
func New(name string, opts Options) (*Sink, error) {
	if opts.Subject == "" {
		opts.Subject = "[{{ .Level }}] {{ .Source }}"
	}
	if opts.Layout == "" {
		opts.Layout = layout.DefaultLine
	}
	if opts.HelloName == "" {
		opts.HelloName = "localhost"
	}

	subject, err := layout.Compile(opts.Subject)
	if err != nil {
		return nil, err
	}
	line, err := layout.Compile(opts.Layout)
	if err != nil {
		return nil, err
	}
	return &Sink{name: name, opts: opts, subject: subject, line: line}, nil
}

// NewFromMap decodes raw options over DefaultOptions and creates the sink
func NewFromMap(name string, raw map[string]any) (*Sink, error) {
	opts := DefaultOptions()
	if err := sink.DecodeOptions(raw, &opts); err != nil {
		return nil, fmt.Errorf("mail sink %s: %w", name, err)
	}
	return New(name, opts)
}

// Name returns the sink name
func (s *Sink) Name() string {
	return s.name
}

// Init checks sender and recipients
func (s *Sink) Init(ctx context.Context) error {
	if s.opts.From == "" {
		return errors.New("mail sink requires a sender")
	}
	if len(s.opts.To) == 0 {
		return errors.New("mail sink requires at least one recipient")
	}
	return nil
}

type client struct {
	conn net.Conn
	c    *smtp.Client
}

// Close ends the SMTP session
func (c *client) Close() error {
	if err := c.c.Quit(); err != nil {
		return c.c.Close()
	}
	return nil
}

// Open connects and authenticates to the server at key
func (s *Sink) Open(ctx context.Context, key string) (sink.Handle, error) {
	host, _, err := net.SplitHostPort(key)
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("parse server address %q: %w", key, err))
	}

	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", key)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.Hello(s.opts.HelloName); err != nil {
		c.Close()
		return nil, err
	}
	if s.opts.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.opts.Username, s.opts.Password, host)); err != nil {
				c.Close()
				return nil, models.Permanent(fmt.Errorf("smtp auth: %w", err))
			}
		}
	}
	conn.SetDeadline(time.Time{})
	return &client{conn: conn, c: c}, nil
}

// Message renders the headers and body of the mail for a batch
func (s *Sink) Message(b *sink.Batch) ([]byte, map[int]error, error) {
	if len(b.Envelopes) == 0 {
		return nil, nil, nil
	}
	subject, err := s.subject.Render(b.Envelopes[0].Event)
	if err != nil {
		return nil, nil, models.Permanent(err)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.opts.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.opts.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&msg, "X-Logship-Batch: %s\r\n\r\n", b.ID)

	failed := make(map[int]error)
	for i, env := range b.Envelopes {
		text, err := s.line.Render(env.Event)
		if err != nil {
			failed[i] = models.Permanent(err)
			continue
		}
		msg.WriteString(text)
		msg.WriteString("\r\n")
	}
	return []byte(msg.String()), failed, nil
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// Write sends the batch as one message
func (s *Sink) Write(ctx context.Context, h sink.Handle, b *sink.Batch) error {
	cl, ok := h.(*client)
	if !ok {
		return models.Permanent(fmt.Errorf("mail sink got foreign handle %T", h))
	}

	msg, failed, err := s.Message(b)
	if err != nil {
		return err
	}
	if len(failed) == len(b.Envelopes) {
		return sink.Partial(failed)
	}

	cl.conn.SetDeadline(sink.Deadline(ctx))
	defer cl.conn.SetDeadline(time.Time{})

	if err := s.send(cl.c, msg); err != nil {
		return &models.TransientWriteError{Key: b.Key, Err: err}
	}
	return sink.Partial(failed)
}

func (s *Sink) send(c *smtp.Client, msg []byte) error {
	if err := c.Mail(s.opts.From); err != nil {
		return err
	}
	for _, rcpt := range s.opts.To {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Reset()
}

// Close has nothing sink-wide to release
func (s *Sink) Close() error {
	return nil
}
