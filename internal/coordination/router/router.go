// Package router implements the message router: addressed in-process
// mailboxes, request/response correlation futures, broadcast, and
// TTL-based maintenance. The Kafka event bus in pkg/events serves as
// the out-of-process bridge for traffic to workers running outside the
// coordinator.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/events"
	"github.com/linkflow-go/pkg/logger"
	pkgmetrics "github.com/linkflow-go/pkg/metrics"
	"github.com/linkflow-go/pkg/ratelimit"
)

// probeRPS/probeBurst bound how often send_with_response may probe the
// same destination mailbox; a caller retrying a slow/unresponsive worker
// must not be able to flood it.
const (
	probeRPS   = 5
	probeBurst = 10
)

type Handler func(msg types.Message)

type mailbox struct {
	handlers []Handler
}

type pendingResponse struct {
	ch       chan interface{}
	deadline time.Time
}

// Router is single-writer: r.mu guards its maps, and delivery copies a
// mailbox's handlers under r.mu and then invokes them synchronously on
// the sender's goroutine, outside the lock; handler panics are caught
// and logged, never crash the router.
type Router struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	pending   map[string]*pendingResponse

	messageTimeout time.Duration
	log            logger.Logger

	probeLimiter *ratelimit.KeyedLimiter

	bridge      events.EventBus
	bridgeTopic string
}

func New(messageTimeout time.Duration, log logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		mailboxes:      make(map[string]*mailbox),
		pending:        make(map[string]*pendingResponse),
		messageTimeout: messageTimeout,
		log:            log,
		probeLimiter:   ratelimit.NewKeyedLimiter(probeRPS, probeBurst),
	}
}

// SetBridge wires the out-of-process bridge: outbound Send/Broadcast
// traffic addressed to a mailbox with no local subscriber is also
// published to bridge under topic, and anything the bridge delivers
// back is redelivered into the local mailbox set, giving workers
// running outside this process the same register/heartbeat/execute/
// shutdown traffic in-process workers get over Subscribe.
func (r *Router) SetBridge(bridge events.EventBus, topic string) error {
	r.bridge = bridge
	r.bridgeTopic = topic

	return bridge.Subscribe(topic, func(ctx context.Context, ev events.Event) error {
		payload := map[string]interface{}(ev.Payload)
		r.deliver(types.Message{
			ID:        ev.ID,
			From:      ev.Metadata.CausationID,
			To:        ev.AggregateID,
			Payload:   payload,
			Timestamp: ev.Timestamp,
		})
		return nil
	})
}

func (r *Router) publishToBridge(msg types.Message) {
	if r.bridge == nil {
		return
	}
	payload, ok := msg.Payload.(map[string]interface{})
	if !ok {
		payload = map[string]interface{}{"value": msg.Payload}
	}
	ev := events.NewEventBuilder(events.TaskAssigned).
		WithAggregateID(msg.To).
		WithCausationID(msg.From).
		Build()
	ev.ID = msg.ID
	ev.Payload = payload
	ev.Timestamp = msg.Timestamp
	if err := r.bridge.Publish(context.Background(), ev); err != nil {
		r.log.Warn("bridge publish failed", "to", msg.To, "error", err)
		return
	}
	pkgmetrics.MessagesRouted.WithLabelValues("bridge").Inc()
}

// Subscribe registers a handler for a mailbox; multiple handlers are
// allowed per mailbox.
func (r *Router) Subscribe(mailboxID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailboxes[mailboxID]
	if !ok {
		mb = &mailbox{}
		r.mailboxes[mailboxID] = mb
	}
	mb.handlers = append(mb.handlers, h)
}

// Send enqueues and synchronously fires handlers for the destination
// mailbox. Handler panics are recovered and logged.
func (r *Router) Send(from, to string, payload interface{}) types.Message {
	msg := types.Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if !r.hasLocalMailbox(to) {
		r.publishToBridge(msg)
	}
	r.deliver(msg)
	return msg
}

func (r *Router) hasLocalMailbox(to string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailboxes[to]
	return ok && len(mb.handlers) > 0
}

func (r *Router) deliver(msg types.Message) {
	if msg.Expiry != nil && time.Now().After(*msg.Expiry) {
		r.log.Warn("dropped expired message", "id", msg.ID, "to", msg.To)
		return
	}

	r.mu.Lock()
	mb, ok := r.mailboxes[msg.To]
	var handlers []Handler
	if ok {
		handlers = append(handlers, mb.handlers...)
	}
	r.mu.Unlock()

	if len(handlers) > 0 {
		pkgmetrics.MessagesRouted.WithLabelValues("mailbox").Inc()
	}
	for _, h := range handlers {
		r.invoke(h, msg)
	}
}

func (r *Router) invoke(h Handler, msg types.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("router handler panicked", "recover", rec, "message_id", msg.ID)
		}
	}()
	h(msg)
}

// SendWithResponse generates a correlation id, delivers the message, and
// returns a channel that resolves with the reply value, or is closed
// without a value by the first Maintain tick after message_timeout has
// passed. Repeated probes against the same
// destination are token-bucketed so a caller retrying an unresponsive
// worker cannot flood its mailbox.
func (r *Router) SendWithResponse(from, to string, payload interface{}) (<-chan interface{}, error) {
	if !r.probeLimiter.Allow(to) {
		return nil, coorderrors.New(coorderrors.Timeout, "send_with_response rate limited for "+to, nil)
	}

	correlationID := uuid.New().String()
	out := make(chan interface{}, 1)

	r.mu.Lock()
	r.pending[correlationID] = &pendingResponse{
		ch:       out,
		deadline: time.Now().Add(r.messageTimeout),
	}
	r.mu.Unlock()

	msg := types.Message{
		ID:        correlationID,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if !r.hasLocalMailbox(to) {
		r.publishToBridge(msg)
	}
	r.deliver(msg)

	return out, nil
}

// SendResponse completes a pending SendWithResponse future.
func (r *Router) SendResponse(correlationID string, value interface{}) error {
	r.mu.Lock()
	p, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return coorderrors.New(coorderrors.SystemError, "unknown correlation id "+correlationID, nil)
	}
	p.ch <- value
	close(p.ch)
	return nil
}

// Broadcast enumerates known mailboxes at call time and delivers to
// each.
func (r *Router) Broadcast(from string, payload interface{}) {
	r.mu.Lock()
	targets := make([]string, 0, len(r.mailboxes))
	for id := range r.mailboxes {
		targets = append(targets, id)
	}
	r.mu.Unlock()

	for _, to := range targets {
		r.Send(from, to, payload)
	}
}

// Close releases the out-of-process bridge, if one was wired via
// SetBridge.
func (r *Router) Close() error {
	if r.bridge == nil {
		return nil
	}
	return r.bridge.Close()
}

// Maintain runs the periodic maintenance tick: drops expired messages
// (handled inline at delivery time above), fails timed-out pending
// responses, and garbage-collects empty mailboxes with no subscribers.
func (r *Router) Maintain() {
	now := time.Now()

	r.mu.Lock()
	var expired []*pendingResponse
	for id, p := range r.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(r.pending, id)
		}
	}

	for id, mb := range r.mailboxes {
		if len(mb.handlers) == 0 {
			delete(r.mailboxes, id)
		}
	}
	r.mu.Unlock()

	// pending responses are failed by closing their channel with no
	// value; callers selecting on it observe a closed channel and must
	// treat that as ResponseTimeout.
	for _, p := range expired {
		close(p.ch)
	}
	if len(expired) > 0 {
		r.log.Warn("router maintenance: response futures timed out", "count", len(expired))
	}
}
