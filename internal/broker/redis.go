package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/stackpad/stackpad/internal/channel"
)

// Redis is the production Broker, backed by Redis pub/sub for message
// delivery and plain keys with expiry for TTL records.
type Redis struct {
	client *redis.Client
	logger *log.Logger
}

// RedisConfig configures a Redis broker connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   *log.Logger
}

// NewRedis connects to Redis and verifies the connection. Connection setup
// failure is the one fatal broker error in the system; everything after
// setup degrades to logged best-effort behavior.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to broker at %q: %w", cfg.Addr, err)
	}
	return &Redis{client: client, logger: cfg.Logger}, nil
}

func (r *Redis) Publish(ctx context.Context, env channel.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("encode envelope for publish", "channel", env.Channel, "error", err)
		}
		return
	}
	if err := r.client.Publish(ctx, env.Channel, b).Err(); err != nil {
		if r.logger != nil {
			r.logger.Warn("best-effort publish failed", "channel", env.Channel, "topic", env.Topic, "error", err)
		}
	}
}

func (r *Redis) Subscribe(ctx context.Context, chann string, topics []string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, chann)
	// Force the subscription onto the wire before reporting success so that
	// envelopes published after Subscribe returns are delivered.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", chann, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan channel.Envelope, memorySubscriberBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel(), topics, r.logger)
	return sub, nil
}

func (r *Redis) SetRecord(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) GetRecord(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) DeleteRecord(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan channel.Envelope
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) pump(in <-chan *redis.Message, topics []string, logger *log.Logger) {
	defer close(s.events)
	for msg := range in {
		var env channel.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			if logger != nil {
				logger.Warn("dropping undecodable broker message", "channel", msg.Channel, "error", err)
			}
			continue
		}
		if !topicAllowed(topics, env.Topic) {
			continue
		}
		// The consumer may stop receiving before it closes the
		// subscription, leaving the buffer full; a blocking send here
		// would keep this goroutine alive past Close.
		select {
		case s.events <- env:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan channel.Envelope {
	return s.events
}

// Close tears down the underlying pub/sub connection and releases the pump.
// Guarded so that the gateway's cancellation listener and its stream error
// path can both call it without a double-close.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.pubsub != nil {
			err = s.pubsub.Close()
		}
	})
	return err
}
