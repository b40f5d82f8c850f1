package bus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel shared by client processes.
const DefaultRedisChannel = "meetup:invalidate"

// RedisBridge relays invalidations between client processes of the same user
// (several devices or windows) through Redis pub/sub. Local publishes are
// forwarded to Redis; messages from other processes are delivered to local
// subscribers only.
type RedisBridge struct {
	bus     *Local
	client  *redis.Client
	channel string
	origin  string
	logger  *log.Logger
	pending chan struct{}
}

// NewRedisBridge attaches a bridge to b. Start must be called to begin relaying.
func NewRedisBridge(b *Local, client *redis.Client, channel string, logger *log.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisBridge{
		bus:     b,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		pending: make(chan struct{}, 1),
	}
}

// Start subscribes to the channel and begins relaying until ctx is done.
func (r *RedisBridge) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.bus.setRelay(r.enqueue)

	go r.publishLoop(ctx)
	go func() {
		defer sub.Close()
		defer r.bus.setRelay(nil)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == r.origin {
					continue
				}
				r.bus.deliver()
			}
		}
	}()
	return nil
}

// enqueue coalesces local publishes so the publisher never waits on Redis.
func (r *RedisBridge) enqueue() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

func (r *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.pending:
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.client.Publish(pubCtx, r.channel, r.origin).Err()
			cancel()
			if err != nil {
				r.logger.Printf("[bus] redis publish error: %v", err)
			}
		}
	}
}
