// Package events carries run lifecycle and project control events between
// the coordinator, the supervisor and external listeners.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	TypeRunStatus    = "run.status"
	TypeProjectStop  = "project.stop"
	TypeProjectStart = "project.start"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("bus closed")

// Event is the envelope published on every subject.
type Event struct {
	Type       string    `json:"type"`
	ProjectID  int64     `json:"project_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// ParseEvent decodes and validates an envelope.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, errors.New("event type is required")
	}
	return ev, nil
}

// Bus publishes events to subjects and fans them out to subscribers.
// Delivery is best-effort: a slow subscriber drops events rather than
// blocking publishers.
type Bus interface {
	Publish(ctx context.Context, subject string, event Event) error
	Subscribe(ctx context.Context, subject string) (<-chan Event, func(), error)
	Close() error
}

// Subjects names the subjects the service uses.
type Subjects struct {
	RunStatus      string
	ProjectControl string
}

// DefaultSubjects returns the subjects under prefix ("autocoder" if empty).
func DefaultSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = "autocoder"
	}
	return Subjects{
		RunStatus:      prefix + ".run.status",
		ProjectControl: prefix + ".project.control",
	}
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan Event
	closed    bool
	closeOnce sync.Once
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: make(map[string][]chan Event)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	consumers := append([]chan Event{}, b.channels[subject]...)
	b.mu.RUnlock()

	for _, ch := range consumers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string) (<-chan Event, func(), error) {
	if b == nil {
		return nil, nil, errors.New("bus is nil")
	}
	ch := make(chan Event, 32)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	b.channels[subject] = append(b.channels[subject], ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subscribers := b.channels[subject]
			for i, candidate := range subscribers {
				if candidate == ch {
					b.channels[subject] = append(subscribers[:i], subscribers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}
	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for subject, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}
			delete(b.channels, subject)
		}
		b.mu.Unlock()
	})
	return nil
}

// New returns the bus for backend ("memory", "redis" or "nats").
func New(backend, url string) (Bus, error) {
	switch backend {
	case "", "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(url)
	case "nats":
		return NewNATSBus(url)
	default:
		return nil, fmt.Errorf("unknown events backend %q", backend)
	}
}
