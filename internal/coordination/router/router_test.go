package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/events"
	"github.com/linkflow-go/pkg/logger"
	"github.com/linkflow-go/pkg/ratelimit"
)

func newTestLimiter() *ratelimit.KeyedLimiter {
	return ratelimit.NewKeyedLimiter(0, probeBurst)
}

type fakeBus struct {
	mu        sync.Mutex
	published []events.Event
	handler   events.EventHandler
	closed    bool
}

func (f *fakeBus) Publish(ctx context.Context, ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeBus) Subscribe(topic string, h events.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestRouter_SendDeliversToSubscriber(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	received := make(chan types.Message, 1)
	r.Subscribe("worker-1", func(msg types.Message) { received <- msg })

	r.Send("coordinator", "worker-1", map[string]string{"op": "ping"})

	select {
	case msg := <-received:
		assert.Equal(t, "coordinator", msg.From)
		assert.Equal(t, "worker-1", msg.To)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRouter_HandlerPanicRecovered(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	r.Subscribe("worker-1", func(msg types.Message) { panic("boom") })

	assert.NotPanics(t, func() {
		r.Send("coordinator", "worker-1", nil)
	})
}

func TestRouter_SendWithResponseResolves(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	r.Subscribe("worker-1", func(msg types.Message) {
		require.NoError(t, r.SendResponse(msg.ID, "pong"))
	})

	ch, err := r.SendWithResponse("coordinator", "worker-1", "ping")
	require.NoError(t, err)

	select {
	case v := <-ch:
		assert.Equal(t, "pong", v)
	case <-time.After(time.Second):
		t.Fatal("response never arrived")
	}
}

func TestRouter_MaintainExpiresPendingResponses(t *testing.T) {
	r := New(5*time.Millisecond, logger.NewNop())
	ch, err := r.SendWithResponse("coordinator", "nobody", "ping")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	r.Maintain()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pending response was never closed")
	}
}

func TestRouter_SendWithNoLocalMailboxPublishesToBridge(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	bus := &fakeBus{}
	require.NoError(t, r.SetBridge(bus, "coordination.events"))

	r.Send("coordinator", "out-of-process-worker", map[string]interface{}{"op": "execute"})

	assert.Equal(t, 1, bus.count())
}

func TestRouter_SendToLocalMailboxSkipsBridge(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	bus := &fakeBus{}
	require.NoError(t, r.SetBridge(bus, "coordination.events"))
	r.Subscribe("worker-1", func(msg types.Message) {})

	r.Send("coordinator", "worker-1", map[string]interface{}{"op": "execute"})

	assert.Equal(t, 0, bus.count())
}

func TestRouter_BridgeDeliveryReachesLocalMailbox(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	bus := &fakeBus{}
	require.NoError(t, r.SetBridge(bus, "coordination.events"))

	received := make(chan types.Message, 1)
	r.Subscribe("worker-1", func(msg types.Message) { received <- msg })

	ev := events.NewEventBuilder(events.TaskAssigned).WithAggregateID("worker-1").Build()
	ev.Payload = map[string]interface{}{"op": "execute"}
	require.NoError(t, bus.handler(context.Background(), ev))

	select {
	case msg := <-received:
		assert.Equal(t, "worker-1", msg.To)
	case <-time.After(time.Second):
		t.Fatal("bridge delivery never reached local mailbox")
	}
}

func TestRouter_CloseClosesBridge(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	bus := &fakeBus{}
	require.NoError(t, r.SetBridge(bus, "coordination.events"))

	require.NoError(t, r.Close())
	assert.True(t, bus.closed)
}

func TestRouter_SendWithResponseRateLimitedForSameDestination(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	r.probeLimiter = newTestLimiter()
	r.Subscribe("worker-1", func(msg types.Message) {})

	var lastErr error
	for i := 0; i < probeBurst+5; i++ {
		_, err := r.SendWithResponse("coordinator", "worker-1", "ping")
		if err != nil {
			lastErr = err
			break
		}
	}
	assert.Error(t, lastErr)
}

func TestRouter_Broadcast(t *testing.T) {
	r := New(time.Second, logger.NewNop())
	a := make(chan types.Message, 1)
	b := make(chan types.Message, 1)
	r.Subscribe("a", func(msg types.Message) { a <- msg })
	r.Subscribe("b", func(msg types.Message) { b <- msg })

	r.Broadcast("coordinator", "announcement")

	for _, ch := range []chan types.Message{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("broadcast not received")
		}
	}
}
