// Package broker abstracts the pub/sub key-value store that carries all
// realtime traffic between supervisors, the gateway and browser clients.
//
// Delivery is at-most-once and non-durable: messages published while a
// subscriber is disconnected are lost, not replayed. Publish is a typed
// best-effort operation with no delivery confirmation; callers must not
// layer retry or ack logic on top of it.
package broker

import (
	"context"
	"time"

	"github.com/stackpad/stackpad/internal/channel"
)

// Broker is the pub/sub and keyed-record surface used by every component.
type Broker interface {
	// Publish delivers the envelope to current subscribers of its channel.
	// It never reports delivery failure; transport errors are logged by the
	// implementation and otherwise swallowed.
	Publish(ctx context.Context, env channel.Envelope)

	// Subscribe opens a subscription for the given channel restricted to
	// the given topics. An empty topic list subscribes to every topic on
	// the channel. Envelope order follows per-channel publish order.
	Subscribe(ctx context.Context, chann string, topics []string) (Subscription, error)

	// SetRecord stores a short-lived keyed record with a TTL. Records are
	// the only cross-process shared state; absence is the default safe
	// state, so writers rely on expiry rather than explicit cleanup locks.
	SetRecord(ctx context.Context, key, value string, ttl time.Duration) error

	// GetRecord returns the record value and whether it exists.
	GetRecord(ctx context.Context, key string) (string, bool, error)

	// DeleteRecord removes a record. Deleting an absent record is a no-op.
	DeleteRecord(ctx context.Context, key string) error

	// Close tears down all connections. Idempotent.
	Close() error
}

// Subscription is a live feed of envelopes for one channel/topic set.
type Subscription interface {
	// Events yields envelopes in delivery order. The channel is closed when
	// the subscription is closed or the broker shuts down.
	Events() <-chan channel.Envelope

	// Close tears down the subscription. Safe to call more than once.
	Close() error
}

func topicAllowed(topics []string, topic string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}
