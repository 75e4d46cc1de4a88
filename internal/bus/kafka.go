package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var topicReplacer = strings.NewReplacer(":", ".")

// KafkaTopic maps a channel name such as "campaign:send" onto a legal Kafka
// topic name.
func KafkaTopic(name string) string {
	return topicReplacer.Replace(name)
}

// Kafka publishes through one writer per topic and consumes through a
// consumer-group reader, committing each message after its handler returns.
type Kafka struct {
	Brokers []string
	GroupID string
	Logger  zerolog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewKafka(brokers []string, groupID string, logger zerolog.Logger) *Kafka {
	return &Kafka{
		Brokers: brokers,
		GroupID: groupID,
		Logger:  logger,
		writers: map[string]*kafka.Writer{},
	}
}

func (k *Kafka) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(k.Brokers...),
		Topic:    KafkaTopic(topic),
		Balancer: &kafka.Hash{},
	}
	k.writers[topic] = w
	return w
}

func (k *Kafka) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := k.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	})
	publishedCounter.WithLabelValues("kafka", topic, statusLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, topic string, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.Brokers,
		GroupID: k.GroupID,
		Topic:   KafkaTopic(topic),
	})
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		herr := h(ctx, m.Value)
		consumedCounter.WithLabelValues("kafka", topic, statusLabel(herr)).Inc()
		if herr != nil {
			k.Logger.Error().Err(herr).Str("topic", topic).Int64("offset", m.Offset).Msg("handler failed")
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	for _, w := range k.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
