package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/arnevik/drover/internal/config"
)

const defaultChannel = "drover:jobs"

// Redis is a pub/sub broker for fleets spread across hosts.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(ctx context.Context, cfg config.Notify) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis notify: addr is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, channel: channel}, nil
}

func (r *Redis) Announce(ctx context.Context, jobID string) error {
	if err := r.client.Publish(ctx, r.channel, jobID).Err(); err != nil {
		return fmt.Errorf("publish hint: %w", err)
	}
	return nil
}

func (r *Redis) Watch(ctx context.Context) <-chan string {
	out := make(chan string, 8)
	pubsub := r.client.Subscribe(ctx, r.channel)

	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default: // watcher is behind, drop the hint
				}
			}
		}
	}()
	return out
}

func (r *Redis) Close() error {
	return r.client.Close()
}
