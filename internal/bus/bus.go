// Package bus moves JSON payloads between pipeline stages over named topics.
// Publishing never waits for a subscriber to process the payload.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handler processes one payload. A returned error is logged by the
// subscriber; the payload is not redelivered.
type Handler func(ctx context.Context, payload []byte) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

type Subscriber interface {
	// Subscribe consumes topic until ctx is done, invoking h once per payload.
	Subscribe(ctx context.Context, topic string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

var (
	publishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_messages_published_total",
		Help: "Payloads published per topic",
	}, []string{"driver", "topic", "status"})
	consumedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_messages_consumed_total",
		Help: "Payloads handed to subscribers per topic",
	}, []string{"driver", "topic", "status"})
)

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, p Publisher, topic, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, topic, key, body)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
