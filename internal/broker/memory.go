package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stackpad/stackpad/internal/channel"
)

const memorySubscriberBuffer = 256

// Memory is an in-process Broker used by tests and single-node dev serving.
// It preserves per-channel publish order and mirrors the at-most-once
// contract: a subscriber that cannot keep up has messages dropped.
type Memory struct {
	logger *log.Logger

	mu          sync.Mutex
	closed      bool
	nextSubID   int
	subscribers map[int]*memorySubscription
	records     map[string]memoryRecord
}

type memoryRecord struct {
	value     string
	expiresAt time.Time
}

// NewMemory creates an empty in-process broker.
func NewMemory(logger *log.Logger) *Memory {
	return &Memory{
		logger:      logger,
		subscribers: map[int]*memorySubscription{},
		records:     map[string]memoryRecord{},
	}
}

func (m *Memory) Publish(_ context.Context, env channel.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, sub := range m.subscribers {
		if sub.channel != env.Channel || !topicAllowed(sub.topics, env.Topic) {
			continue
		}
		select {
		case sub.events <- env:
		default:
			if m.logger != nil {
				m.logger.Warn("dropping message for slow subscriber",
					"channel", env.Channel, "topic", env.Topic)
			}
		}
	}
}

func (m *Memory) Subscribe(_ context.Context, chann string, topics []string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("broker closed")
	}
	sub := &memorySubscription{
		broker:  m,
		channel: chann,
		topics:  append([]string(nil), topics...),
		events:  make(chan channel.Envelope, memorySubscriberBuffer),
	}
	sub.id = m.nextSubID
	m.nextSubID++
	m.subscribers[sub.id] = sub
	return sub, nil
}

func (m *Memory) SetRecord(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("broker closed")
	}
	m.records[key] = memoryRecord{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) GetRecord(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(rec.expiresAt) {
		delete(m.records, key)
		return "", false, nil
	}
	return rec.value, true, nil
}

func (m *Memory) DeleteRecord(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subscribers {
		close(sub.events)
		sub.detached = true
		delete(m.subscribers, id)
	}
	return nil
}

type memorySubscription struct {
	broker   *Memory
	id       int
	channel  string
	topics   []string
	events   chan channel.Envelope
	detached bool
}

func (s *memorySubscription) Events() <-chan channel.Envelope {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.detached {
		return nil
	}
	s.detached = true
	delete(s.broker.subscribers, s.id)
	close(s.events)
	return nil
}
