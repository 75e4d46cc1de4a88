package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrTopicFull = errors.New("topic buffer full")
	ErrClosed    = errors.New("bus closed")
)

// Memory is an in-process bus with one buffered channel per topic. Every
// payload goes to exactly one subscriber, which makes it suitable only when
// all stages share a process.
type Memory struct {
	mu     sync.Mutex
	topics map[string]chan []byte
	size   int
	done   chan struct{}
	closed bool
	logger zerolog.Logger
}

func NewMemory(size int, logger zerolog.Logger) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{
		topics: make(map[string]chan []byte),
		size:   size,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (m *Memory) topic(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.topics[name]
	if !ok {
		ch = make(chan []byte, m.size)
		m.topics[name] = ch
	}
	return ch
}

// Publish enqueues payload without blocking. It fails with ErrTopicFull when
// the topic buffer has no room.
func (m *Memory) Publish(ctx context.Context, topic, _ string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	var err error
	select {
	case m.topic(topic) <- payload:
	default:
		err = fmt.Errorf("publish %s: %w", topic, ErrTopicFull)
	}
	publishedCounter.WithLabelValues("memory", topic, statusLabel(err)).Inc()
	return err
}

func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	ch := m.topic(topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case payload := <-ch:
			err := h(ctx, payload)
			consumedCounter.WithLabelValues("memory", topic, statusLabel(err)).Inc()
			if err != nil {
				m.logger.Error().Err(err).Str("topic", topic).Msg("handler failed")
			}
		}
	}
}

// Close stops all subscribers. Buffered payloads are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
