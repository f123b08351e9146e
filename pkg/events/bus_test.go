package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"run.status","run_id":"r1","status":"running"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", ev.RunID)

	_, err = ParseEvent([]byte(`{"run_id":"r1"}`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	a, unsubA, err := bus.Subscribe(ctx, "s")
	require.NoError(t, err)
	b, _, err := bus.Subscribe(ctx, "s")
	require.NoError(t, err)
	other, _, err := bus.Subscribe(ctx, "other")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "s", Event{Type: TypeRunStatus, RunID: "r1"}))
	assert.Equal(t, "r1", receive(t, a).RunID)
	assert.Equal(t, "r1", receive(t, b).RunID)
	select {
	case <-other:
		t.Fatal("event leaked to another subject")
	default:
	}

	unsubA()
	unsubA()
	assertClosed(t, a)
}

func TestMemoryBusContextUnsubscribes(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := bus.Subscribe(ctx, "s")
	require.NoError(t, err)
	cancel()
	assertClosed(t, ch)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus()
	ch, _, err := bus.Subscribe(context.Background(), "s")
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	assertClosed(t, ch)
	assert.ErrorIs(t, bus.Publish(context.Background(), "s", Event{Type: TypeRunStatus}), ErrClosed)
	_, _, err = bus.Subscribe(context.Background(), "s")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisherStampsEvents(t *testing.T) {
	bus := NewMemoryBus()
	subjects := DefaultSubjects("")
	ch, _, err := bus.Subscribe(context.Background(), subjects.RunStatus)
	require.NoError(t, err)

	p := NewPublisher(bus, subjects)
	p.RunStatus(context.Background(), Event{RunID: "r1", Status: "failed"})

	ev := receive(t, ch)
	assert.Equal(t, TypeRunStatus, ev.Type)
	assert.False(t, ev.At.IsZero())
	assert.Equal(t, "autocoder.run.status", subjects.RunStatus)

	var nilPublisher *Publisher
	nilPublisher.RunStatus(context.Background(), Event{RunID: "r2"})
	assert.NoError(t, nilPublisher.ProjectControl(context.Background(), TypeProjectStop, 1))
}

func TestNewSelectsBackend(t *testing.T) {
	bus, err := New("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, bus)

	bus, err = New("redis", "redis://127.0.0.1:6379/0")
	require.NoError(t, err)
	assert.IsType(t, &RedisBus{}, bus)
	_ = bus.Close()

	_, err = New("kafka", "")
	assert.Error(t, err)
}

type fakeRedisPubSub struct {
	messages   chan *redis.Message
	closeCalls int32
}

func (p *fakeRedisPubSub) Channel(...redis.ChannelOption) <-chan *redis.Message {
	return p.messages
}

func (p *fakeRedisPubSub) Close() error {
	if atomic.CompareAndSwapInt32(&p.closeCalls, 0, 1) {
		close(p.messages)
	}
	return nil
}

type fakeRedisClient struct {
	pubSub    *fakeRedisPubSub
	published []any
}

func (c *fakeRedisClient) Publish(_ context.Context, _ string, message any) *redis.IntCmd {
	c.published = append(c.published, message)
	return redis.NewIntResult(1, nil)
}

func (c *fakeRedisClient) Subscribe(context.Context, ...string) redisPubSub {
	return c.pubSub
}

func (c *fakeRedisClient) Close() error {
	return c.pubSub.Close()
}

func TestRedisBusDeliversAndSkipsGarbage(t *testing.T) {
	pubSub := &fakeRedisPubSub{messages: make(chan *redis.Message, 4)}
	client := &fakeRedisClient{pubSub: pubSub}
	bus := &RedisBus{client: client}

	out, unsubscribe, err := bus.Subscribe(context.Background(), "s")
	require.NoError(t, err)

	pubSub.messages <- &redis.Message{Payload: "garbage"}
	pubSub.messages <- &redis.Message{Payload: `{"type":"project.stop","project_id":7}`}
	assert.Equal(t, int64(7), receive(t, out).ProjectID)

	unsubscribe()
	assertClosed(t, out)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pubSub.closeCalls))

	require.NoError(t, bus.Publish(context.Background(), "s", Event{Type: TypeRunStatus, RunID: "r1"}))
	require.Len(t, client.published, 1)
	var ev Event
	require.NoError(t, json.Unmarshal(client.published[0].([]byte), &ev))
	assert.Equal(t, "r1", ev.RunID)
}

type fakeNATSSub struct{ unsubscribed int32 }

func (s *fakeNATSSub) Unsubscribe() error {
	atomic.AddInt32(&s.unsubscribed, 1)
	return nil
}

type fakeNATSConn struct {
	handler   nats.MsgHandler
	sub       *fakeNATSSub
	published [][]byte
}

func (c *fakeNATSConn) Publish(_ string, data []byte) error {
	c.published = append(c.published, data)
	return nil
}

func (c *fakeNATSConn) Subscribe(_ string, handler nats.MsgHandler) (natsSubscription, error) {
	c.handler = handler
	return c.sub, nil
}

func (c *fakeNATSConn) Close() {}

func TestNATSBusDeliversUntilUnsubscribed(t *testing.T) {
	conn := &fakeNATSConn{sub: &fakeNATSSub{}}
	bus := &NATSBus{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, unsubscribe, err := bus.Subscribe(ctx, "s")
	require.NoError(t, err)

	conn.handler(&nats.Msg{Data: []byte(`{"type":"run.status","run_id":"r9"}`)})
	assert.Equal(t, "r9", receive(t, out).RunID)

	unsubscribe()
	assertClosed(t, out)
	conn.handler(&nats.Msg{Data: []byte(`{"type":"run.status","run_id":"late"}`)})
	assert.Equal(t, int32(1), atomic.LoadInt32(&conn.sub.unsubscribed))

	require.NoError(t, bus.Publish(context.Background(), "s", Event{Type: TypeProjectStop, ProjectID: 3}))
	require.Len(t, conn.published, 1)
}

func TestNATSBusPublishHonoursContext(t *testing.T) {
	bus := &NATSBus{conn: &fakeNATSConn{sub: &fakeNATSSub{}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, "s", Event{Type: TypeRunStatus}), context.Canceled)
}
