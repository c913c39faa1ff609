package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crowdodds/market-engine/internal/metrics"
)

// DefaultChannel is the pub/sub channel events travel on between instances.
const DefaultChannel = "market-engine:events"

// RedisPublisher forwards events to a Redis pub/sub channel so every engine
// instance (and any other subscriber) sees them. Publish only enqueues; Run
// does the network I/O.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		queue:   make(chan Event, 1024),
		timeout: 2 * time.Second,
		logger:  logger.With("component", "redis_publisher"),
	}
}

// Publish enqueues ev, dropping it when the queue is full.
func (p *RedisPublisher) Publish(_ context.Context, ev Event) {
	select {
	case p.queue <- ev:
	default:
		metrics.EventsDropped.WithLabelValues("redis").Inc()
	}
}

// Run drains the queue until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			p.send(ctx, ev)
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event", "type", ev.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		metrics.EventsDropped.WithLabelValues("redis").Inc()
		p.logger.Warn("publish event", "type", ev.Type, "market", ev.MarketID, "err", err)
	}
}

// Relay subscribes to channel and hands every decoded event to dst until
// ctx is done. Used to feed a local Hub from events any instance published.
func Relay(ctx context.Context, rdb *redis.Client, channel string, dst Publisher, logger *slog.Logger) error {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "redis_relay")

	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("bad event payload", "err", err)
				continue
			}
			dst.Publish(ctx, ev)
		}
	}
}
