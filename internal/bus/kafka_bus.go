package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProbeBrokers dials until one broker answers. Callers use it at
// startup to decide between the Kafka bus and the in-process fallback.
func ProbeBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no reachable broker: %w", lastErr)
}

// KafkaBus implements Bus on kafka-go. One writer is kept per topic;
// readers are created per Subscribe call so each consumer group gets
// its own offset tracking.
type KafkaBus struct {
	brokers []string
	logger  *slog.Logger
	retries int

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewKafkaBus(brokers []string, retries int, logger *slog.Logger) *KafkaBus {
	if retries <= 0 {
		retries = 3
	}
	return &KafkaBus{
		brokers: brokers,
		logger:  logger,
		retries: retries,
		writers: make(map[string]*kafka.Writer),
	}
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(b.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	b.writers[topic] = w
	return w
}

// Publish writes one JSON message with a bounded retry. The per-attempt
// timeout keeps a broker outage from stalling the caller.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	w := b.writer(topic)

	delay := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = w.WriteMessages(wctx, kafka.Message{Value: value})
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= b.retries-1 || ctx.Err() != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		time.Sleep(delay)
		delay *= 2
	}
}

// Subscribe runs a reader loop until ctx is canceled. Read errors back
// off exponentially; handler errors are logged and the message is
// committed anyway (consumers are idempotent by contract).
func (b *KafkaBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	b.logger.Info("consumer started", "topic", topic, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("kafka read error", "topic", topic, "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := handler(ctx, m.Value); err != nil {
			b.logger.Error("handler failed", "topic", topic, "group", group, "error", err)
		}
	}
}

// Close shuts down all writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, w := range b.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
