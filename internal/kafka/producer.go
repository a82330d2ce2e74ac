// Package kafka is the sink that publishes events to Kafka topics. The
// rendered key of a batch is the topic; each topic gets its own cached writer.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"logship/internal/layout"
	"logship/internal/logger"
	"logship/internal/models"
	"logship/internal/sink"
)

// Producer errors
var (
	ErrNoBrokers       = errors.New("at least one broker is required")
	ErrSerializeFailed = errors.New("failed to serialize event")
)

// Options configures the producer
type Options struct {
	Brokers []string `mapstructure:"brokers"`

	// PartitionKey renders the message key (default: the event source)
	PartitionKey string `mapstructure:"partitionKey"`

	// Compression codec: gzip, snappy, lz4, zstd or none
	Compression string `mapstructure:"compression"`

	// RequiredAcks: -1 all, 0 none, 1 leader
	RequiredAcks int `mapstructure:"requiredAcks"`

	BatchTimeout time.Duration `mapstructure:"batchTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`

	// AutoCreateTopics lets the broker create missing topics
	AutoCreateTopics bool `mapstructure:"autoCreateTopics"`

	// VerifyOnInit dials the first reachable broker during Init
	VerifyOnInit bool `mapstructure:"verifyOnInit"`
}

// DefaultOptions returns the options used for keys absent from configuration
func DefaultOptions() Options {
	return Options{
		PartitionKey: "{{ .Source }}",
		Compression:  "snappy",
		RequiredAcks: -1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// Producer publishes batches to Kafka
type Producer struct {
	name         string
	opts         Options
	partitionKey *layout.Layout
}

// New creates a producer
func New(name string, opts Options) (*Producer, error) {
	if opts.PartitionKey == "" {
		opts.PartitionKey = "{{ .Source }}"
	}
	key, err := layout.Compile(opts.PartitionKey)
	if err != nil {
		return nil, err
	}
	return &Producer{name: name, opts: opts, partitionKey: key}, nil
}

// NewFromMap decodes raw options over DefaultOptions and creates the producer
func NewFromMap(name string, raw map[string]any) (*Producer, error) {
	opts := DefaultOptions()
	if err := sink.DecodeOptions(raw, &opts); err != nil {
		return nil, fmt.Errorf("kafka sink %s: %w", name, err)
	}
	return New(name, opts)
}

// Name returns the sink name
func (p *Producer) Name() string {
	return p.name
}

// Init checks the broker list and, when asked, that a broker answers
func (p *Producer) Init(ctx context.Context) error {
	if len(p.opts.Brokers) == 0 {
		return ErrNoBrokers
	}
	if !p.opts.VerifyOnInit {
		return nil
	}

	var errs []error
	for _, broker := range p.opts.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no broker reachable: %w", errors.Join(errs...))
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None // no compression
	}
}

// Open creates the writer for a topic. Retries are left to the dispatcher,
// so the writer makes a single attempt.
func (p *Producer) Open(ctx context.Context, topic string) (sink.Handle, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, models.Permanent(errors.New("empty topic"))
	}

	log := logger.WithSink("kafka_producer", p.name)
	log.Debug().Str("topic", topic).Strs("brokers", p.opts.Brokers).Msg("creating writer")

	return &kafka.Writer{
		Addr:                   kafka.TCP(p.opts.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // Partition by key
		BatchTimeout:           p.opts.BatchTimeout,
		WriteTimeout:           p.opts.WriteTimeout,
		RequiredAcks:           kafka.RequiredAcks(p.opts.RequiredAcks),
		Compression:            getCompression(p.opts.Compression),
		MaxAttempts:            1,
		AllowAutoTopicCreation: p.opts.AutoCreateTopics,
		Async:                  false, // Sync for reliability
	}, nil
}

// Messages converts a batch into Kafka messages. index maps each message back
// to its envelope; envelopes that could not be encoded are in failed.
func (p *Producer) Messages(b *sink.Batch) (msgs []kafka.Message, index []int, failed map[int]error) {
	failed = make(map[int]error)
	msgs = make([]kafka.Message, 0, len(b.Envelopes))
	index = make([]int, 0, len(b.Envelopes))

	for i, env := range b.Envelopes {
		ev := env.Event
		data, err := json.Marshal(ev)
		if err != nil {
			failed[i] = models.Permanent(fmt.Errorf("%w: %v", ErrSerializeFailed, err))
			continue
		}
		key, err := p.partitionKey.Render(ev)
		if err != nil {
			failed[i] = models.Permanent(err)
			continue
		}

		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(ev.ID)},
				{Key: "level", Value: []byte(ev.Level)},
				{Key: "source", Value: []byte(ev.Source)},
				{Key: "batch_id", Value: []byte(b.ID)},
			},
			Time: ev.Timestamp,
		})
		index = append(index, i)
	}
	return msgs, index, failed
}

// Write publishes the batch in one request. Per-message broker errors fail
// only the affected envelopes.
func (p *Producer) Write(ctx context.Context, h sink.Handle, b *sink.Batch) error {
	writer, ok := h.(*kafka.Writer)
	if !ok {
		return models.Permanent(fmt.Errorf("kafka sink got foreign handle %T", h))
	}

	msgs, index, failed := p.Messages(b)
	if len(msgs) == 0 {
		return sink.Partial(failed)
	}

	err := writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return sink.Partial(failed)
	}
	return p.mapWriteError(b, err, index, failed)
}

func (p *Producer) mapWriteError(b *sink.Batch, err error, index []int, failed map[int]error) error {
	var werrs kafka.WriteErrors
	if !errors.As(err, &werrs) || len(werrs) != len(index) {
		return &models.TransientWriteError{Key: b.Key, Err: err}
	}

	for i, e := range werrs {
		if e != nil {
			failed[index[i]] = &models.TransientWriteError{Key: b.Key, Err: e}
		}
	}
	log := logger.WithSink("kafka_producer", p.name)
	log.Warn().
		Err(err).
		Str("topic", b.Key).
		Int("failed", werrs.Count()).
		Int("batch_size", len(index)).
		Msg("kafka batch partially failed")
	return sink.Partial(failed)
}

// Close has nothing sink-wide to release; writers are closed by the cache
func (p *Producer) Close() error {
	return nil
}
