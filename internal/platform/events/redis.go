package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultChannel is the pub/sub channel lifecycle events are published on.
const DefaultChannel = "physiohome:events"

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes each event as JSON on a redis channel so other
// processes (the server's Relay, notification senders, analytics) can follow
// the lifecycle. Every event is stamped with the publisher's source.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	source  string
}

func NewRedisPublisher(client redis.UniversalClient, channel, source string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, source: source}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Source == "" {
		event.Source = p.source
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Relay feeds events that other processes published on the redis channel
// into a local bus. The worker and sweep commands have no websocket clients
// or webhook endpoints of their own, so the server relays what they emit.
// Events stamped with the relay's own source were already delivered locally
// and are dropped.
type Relay struct {
	client  redis.UniversalClient
	channel string
	source  string
	local   *Bus
	logger  zerolog.Logger
}

func NewRelay(client redis.UniversalClient, channel, source string, local *Bus, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{client: client, channel: channel, source: source, local: local, logger: logger}
}

// Run subscribes and relays until ctx is cancelled. It returns early only
// when the subscription cannot be established.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("relaying events from redis")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn().Err(err).Str("channel", r.channel).Msg("dropping undecodable event")
		return
	}
	if ev.Source == r.source {
		return
	}
	r.local.Publish(ctx, ev)
}
