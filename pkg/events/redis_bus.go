package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type redisPubSub interface {
	Channel(...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) redisPubSub
	Close() error
}

// RedisBus is a Bus over Redis pub/sub.
type RedisBus struct {
	client redisClient
}

// NewRedisBus connects lazily to the redis:// URL address.
func NewRedisBus(address string) (*RedisBus, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBus{client: &redisClientAdapter{Client: redis.NewClient(options)}}, nil
}

func (b *RedisBus) Publish(ctx context.Context, subject string, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, subject, raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, subject string) (<-chan Event, func(), error) {
	if b == nil || b.client == nil {
		return nil, nil, errors.New("redis bus is nil")
	}
	pubSub := b.client.Subscribe(ctx, subject)
	if pubSub == nil {
		return nil, nil, errors.New("redis subscribe failed")
	}
	rawCh := pubSub.Channel()
	out := make(chan Event, 32)
	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = pubSub.Close()
			close(stop)
		})
	}
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-rawCh:
				if !ok {
					return
				}
				ev, err := ParseEvent([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, unsubscribe, nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

type redisClientAdapter struct {
	*redis.Client
}

func (r *redisClientAdapter) Subscribe(ctx context.Context, channels ...string) redisPubSub {
	return r.Client.Subscribe(ctx, channels...)
}

func (r *redisClientAdapter) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	return r.Client.Publish(ctx, channel, message)
}
