// Package network is the sink that writes rendered events to raw TCP or UDP
// endpoints. Keys are URLs such as tcp://collector:5140 or udp://[::1]:514.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"logship/internal/layout"
	"logship/internal/logger"
	"logship/internal/models"
	"logship/internal/sink"
)

// Overflow is what happens to a message longer than MaxMessageSize
type Overflow string

const (
	// OverflowSplit sends the message in MaxMessageSize chunks
	OverflowSplit Overflow = "split"
	// OverflowDiscard drops the message and reports it delivered
	OverflowDiscard Overflow = "discard"
	// OverflowError fails the message permanently
	OverflowError Overflow = "error"
)

// ErrMessageTooLarge is reported for oversized messages under OverflowError
var ErrMessageTooLarge = errors.New("message exceeds max message size")

// Options configures the network sink
type Options struct {
	// Layout renders one message per event (default JSON)
	Layout string `mapstructure:"layout"`

	// Delimiter terminates every message on stream connections
	Delimiter string `mapstructure:"delimiter"`

	// MaxMessageSize bounds one rendered message in bytes (0 = unlimited)
	MaxMessageSize int `mapstructure:"maxMessageSize"`

	// OnOverflow decides what happens to longer messages (default split)
	OnOverflow Overflow `mapstructure:"onOverflow"`

	// DialTimeout bounds connection setup
	DialTimeout time.Duration `mapstructure:"dialTimeout"`

	// KeepAlive period for TCP connections (0 = OS default)
	KeepAlive time.Duration `mapstructure:"keepAlive"`
}

// DefaultOptions returns the options used for keys absent from configuration
func DefaultOptions() Options {
	return Options{
		Delimiter:      "\n",
		MaxMessageSize: 65000,
		OnOverflow:     OverflowSplit,
		DialTimeout:    5 * time.Second,
	}
}

// Sink writes to network endpoints
type Sink struct {
	name   string
	opts   Options
	layout *layout.Layout
	dialer *net.Dialer
}

// New creates a network sink
func New(name string, opts Options) (*Sink, error) {
	l := layout.JSON()
	if opts.Layout != "" {
		var err error
		if l, err = layout.Compile(opts.Layout); err != nil {
			return nil, err
		}
	}
	if opts.OnOverflow == "" {
		opts.OnOverflow = OverflowSplit
	}

	return &Sink{
		name:   name,
		opts:   opts,
		layout: l,
		dialer: &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive},
	}, nil
}

// NewFromMap decodes raw options over DefaultOptions and creates the sink
func NewFromMap(name string, raw map[string]any) (*Sink, error) {
	opts := DefaultOptions()
	if err := sink.DecodeOptions(raw, &opts); err != nil {
		return nil, fmt.Errorf("network sink %s: %w", name, err)
	}
	return New(name, opts)
}

// Name returns the sink name
func (s *Sink) Name() string {
	return s.name
}

// Init validates the options
func (s *Sink) Init(ctx context.Context) error {
	switch s.opts.OnOverflow {
	case OverflowSplit, OverflowDiscard, OverflowError:
	default:
		return fmt.Errorf("unknown overflow action %q", s.opts.OnOverflow)
	}
	if s.opts.MaxMessageSize < 0 {
		return fmt.Errorf("maxMessageSize must be non-negative, got %d", s.opts.MaxMessageSize)
	}
	return nil
}

// ParseAddress splits a key into network and host:port
func ParseAddress(key string) (network, address string, err error) {
	u, err := url.Parse(key)
	if err != nil {
		return "", "", fmt.Errorf("parse address %q: %w", key, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6":
	default:
		return "", "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, key)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("missing host in %q", key)
	}
	return u.Scheme, u.Host, nil
}

type conn struct {
	net.Conn
	stream bool
}

// Open dials the endpoint for key
func (s *Sink) Open(ctx context.Context, key string) (sink.Handle, error) {
	network, address, err := ParseAddress(key)
	if err != nil {
		return nil, models.Permanent(err)
	}
	c, err := s.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	log := logger.WithSink("network_sink", s.name)
	log.Debug().Str("network", network).Str("address", address).Msg("connected")

	return &conn{Conn: c, stream: network[:3] == "tcp"}, nil
}

// Write sends one message per event. Oversized messages follow OnOverflow.
func (s *Sink) Write(ctx context.Context, h sink.Handle, b *sink.Batch) error {
	c, ok := h.(*conn)
	if !ok {
		return models.Permanent(fmt.Errorf("network sink got foreign handle %T", h))
	}

	if err := c.SetWriteDeadline(sink.Deadline(ctx)); err != nil {
		return &models.TransientWriteError{Key: b.Key, Err: err}
	}

	failed := make(map[int]error)
	for i, env := range b.Envelopes {
		text, err := s.layout.Render(env.Event)
		if err != nil {
			failed[i] = models.Permanent(err)
			continue
		}

		payloads, err := s.frame(text, c.stream)
		if err != nil {
			failed[i] = models.Permanent(err)
			continue
		}
		for _, p := range payloads {
			if _, err := c.Write(p); err != nil {
				// the connection is broken; fail the rest of the batch
				for j := i; j < len(b.Envelopes); j++ {
					if _, done := failed[j]; !done {
						failed[j] = &models.TransientWriteError{Key: b.Key, Err: err}
					}
				}
				return sink.Partial(failed)
			}
		}
	}
	return sink.Partial(failed)
}

// frame applies the overflow action and delimiter to one rendered message
func (s *Sink) frame(text string, stream bool) ([][]byte, error) {
	msg := []byte(text)
	limit := s.opts.MaxMessageSize

	var chunks [][]byte
	switch {
	case limit <= 0 || len(msg) <= limit:
		chunks = [][]byte{msg}
	case s.opts.OnOverflow == OverflowDiscard:
		log := logger.WithSink("network_sink", s.name)
		log.Warn().Int("size", len(msg)).Int("limit", limit).Msg("discarding oversized message")
		return nil, nil
	case s.opts.OnOverflow == OverflowError:
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(msg), limit)
	default:
		for len(msg) > limit {
			chunks = append(chunks, msg[:limit])
			msg = msg[limit:]
		}
		if len(msg) > 0 {
			chunks = append(chunks, msg)
		}
	}

	if !stream || s.opts.Delimiter == "" {
		return chunks, nil
	}
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		framed := make([]byte, 0, len(c)+len(s.opts.Delimiter))
		framed = append(framed, c...)
		out[i] = append(framed, s.opts.Delimiter...)
	}
	return out, nil
}

// Close has nothing sink-wide to release
func (s *Sink) Close() error {
	return nil
}
