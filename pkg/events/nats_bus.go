package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

type natsSubscription interface {
	Unsubscribe() error
}

type natsConnection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error)
	Close()
}

// NATSBus is a Bus over core NATS subjects.
type NATSBus struct {
	conn natsConnection
}

// NewNATSBus connects to address, or the NATS default URL when empty.
func NewNATSBus(address string) (*NATSBus, error) {
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address, nats.Name("autocoder"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBus{conn: &natsConnectionAdapter{conn}}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(subject, raw)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string) (<-chan Event, func(), error) {
	if b == nil || b.conn == nil {
		return nil, nil, errors.New("nats bus is nil")
	}

	out := make(chan Event, 32)
	var (
		stopped atomic.Bool
		mu      sync.RWMutex
		once    sync.Once
		sub     natsSubscription
	)
	unsubscribe := func() {
		once.Do(func() {
			stopped.Store(true)
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			mu.Lock()
			defer mu.Unlock()
			close(out)
		})
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if stopped.Load() {
			return
		}
		ev, err := ParseEvent(msg.Data)
		if err != nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if stopped.Load() {
			return
		}
		select {
		case out <- ev:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return out, unsubscribe, nil
}

func (b *NATSBus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	b.conn.Close()
	return nil
}

type natsConnectionAdapter struct {
	*nats.Conn
}

func (a *natsConnectionAdapter) Subscribe(subject string, handler nats.MsgHandler) (natsSubscription, error) {
	sub, err := a.Conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
