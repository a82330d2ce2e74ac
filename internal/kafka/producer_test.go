package kafka_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"logship/internal/kafka"
	"logship/internal/models"
	"logship/internal/sink"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func brokers() []string {
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		return strings.Split(b, ",")
	}
	return []string{"localhost:9092"}
}

func testBatch(topic string, n int) *sink.Batch {
	envs := make([]*models.Envelope, n)
	for i := 0; i < n; i++ {
		ev := models.NewLogEvent(models.LevelInfo, "test-service", "Test message")
		envs[i] = models.NewEnvelope(ev, nil)
	}
	return sink.NewBatch(topic, envs)
}

func TestMessages(t *testing.T) {
	p, err := kafka.New("kafka", kafka.Options{Brokers: []string{"b:9092"}, PartitionKey: "{{ .Source }}-{{ .Level }}"})
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}

	b := testBatch("events", 3)
	msgs, index, failed := p.Messages(b)

	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if len(msgs) != 3 || len(index) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "test-service-INFO" {
		t.Errorf("unexpected key %q", msgs[0].Key)
	}

	var decoded models.LogEvent
	if err := json.Unmarshal(msgs[1].Value, &decoded); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if decoded.ID != b.Envelopes[1].Event.ID {
		t.Errorf("expected event %s, got %s", b.Envelopes[1].Event.ID, decoded.ID)
	}

	headers := map[string]string{}
	for _, h := range msgs[2].Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["batch_id"] != b.ID || headers["level"] != "INFO" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestMessagesKeyRenderFailure(t *testing.T) {
	p, err := kafka.New("kafka", kafka.Options{Brokers: []string{"b:9092"}, PartitionKey: "{{ .Props.tenant.id }}"})
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}

	b := testBatch("events", 2)
	b.Envelopes[0].Event.WithProperty("tenant", map[string]any{"id": "t1"})
	b.Envelopes[1].Event.WithProperty("tenant", "flat")

	msgs, index, failed := p.Messages(b)
	if len(msgs) != 1 || index[0] != 0 {
		t.Fatalf("expected only envelope 0 to encode, got index %v", index)
	}
	if _, ok := failed[1]; !ok {
		t.Fatal("expected envelope 1 to fail")
	}
	if models.IsRetryable(failed[1]) {
		t.Error("render failure must not be retried")
	}
}

func TestInitRequiresBrokers(t *testing.T) {
	p, err := kafka.New("kafka", kafka.Options{})
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	if err := p.Init(context.Background()); !errors.Is(err, kafka.ErrNoBrokers) {
		t.Errorf("expected ErrNoBrokers, got %v", err)
	}
}

func TestOpenCreatesTopicWriter(t *testing.T) {
	p, err := kafka.NewFromMap("kafka", map[string]any{
		"brokers":     "b1:9092,b2:9092",
		"compression": "zstd",
	})
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}

	h, err := p.Open(context.Background(), "audit")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer h.Close()

	w, ok := h.(*kafkago.Writer)
	if !ok {
		t.Fatalf("expected *kafka.Writer, got %T", h)
	}
	if w.Topic != "audit" || w.MaxAttempts != 1 {
		t.Errorf("unexpected writer settings: topic=%s attempts=%d", w.Topic, w.MaxAttempts)
	}

	if _, err := p.Open(context.Background(), "  "); err == nil || models.IsRetryable(err) {
		t.Errorf("expected permanent error for empty topic, got %v", err)
	}
}

func TestProducerWrite(t *testing.T) {
	skipIfNoKafka(t)

	p, err := kafka.New("kafka", kafka.Options{
		Brokers:          brokers(),
		Compression:      "snappy",
		RequiredAcks:     -1,
		AutoCreateTopics: true,
		VerifyOnInit:     true,
	})
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	h, err := p.Open(ctx, "logship-test")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer h.Close()

	if err := p.Write(ctx, h, testBatch("logship-test", 10)); err != nil {
		t.Fatalf("failed to publish batch: %v", err)
	}
}
