package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// Caller sends requests and correlates replies for one participant.
// Safe for concurrent use; each in-flight call owns a correlation slot.
type Caller struct {
	tr            transport.Transport
	participantID string

	mu       sync.Mutex
	pending  map[string]chan models.Reply          // correlation_id -> reply slot
	subs     map[string]transport.Subscription     // service_class -> reply subscription
	breakers map[string]*gobreaker.CircuitBreaker  // service_class -> breaker
	inflight int
	onIdle   func(busy bool) // optional busy-state hook
	closed   bool
}

// NewCaller creates a caller for the given participant identity.
func NewCaller(tr transport.Transport, participantID string) *Caller {
	return &Caller{
		tr:            tr,
		participantID: participantID,
		pending:       make(map[string]chan models.Reply),
		subs:          make(map[string]transport.Subscription),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnBusy registers a hook invoked when the caller transitions between
// zero and nonzero in-flight requests. Used for BUSY/READY reporting.
func (c *Caller) OnBusy(hook func(busy bool)) {
	c.mu.Lock()
	c.onIdle = hook
	c.mu.Unlock()
}

// Call sends one request to a service class and waits for its reply.
// At-most-once: the request is published exactly once; an expired
// deadline before publish means no publish at all. A reply arriving
// after the deadline is discarded.
//
// The returned error is classified: TIMEOUT when the deadline passes,
// TRANSPORT_UNAVAILABLE when the transport rejects the publish or the
// circuit is open, and the provider's own kind when the reply carries
// Status=StatusError. On a remote error the reply is returned alongside
// the error so callers can inspect the envelope.
func (c *Caller) Call(ctx context.Context, serviceClass string, req models.Request) (models.Reply, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	req.From = c.participantID
	if err := req.Validate(); err != nil {
		return models.Reply{}, Wrap(KindSchemaViolation, err, "request envelope invalid")
	}

	remaining := time.Until(time.Unix(0, req.DeadlineUnixNs))
	if req.DeadlineUnixNs <= 0 || remaining <= 0 {
		return models.Reply{}, E(KindTimeout, "deadline already expired for %s/%s", serviceClass, req.Operation)
	}

	if err := c.ensureReplySubscription(ctx, serviceClass); err != nil {
		return models.Reply{}, err
	}

	slot := make(chan models.Reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Reply{}, E(KindTransportUnavailable, "caller closed")
	}
	c.pending[req.CorrelationID] = slot
	c.inflight++
	hook := c.onIdle
	first := c.inflight == 1
	c.mu.Unlock()
	if hook != nil && first {
		hook(true)
	}

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.inflight--
		hook := c.onIdle
		last := c.inflight == 0
		c.mu.Unlock()
		if hook != nil && last {
			hook(false)
		}
	}()

	data, err := json.Marshal(&req)
	if err != nil {
		return models.Reply{}, Wrap(KindSchemaViolation, err, "marshal request")
	}

	breaker := c.breaker(serviceClass)
	_, err = breaker.Execute(func() (any, error) {
		return nil, c.tr.PublishVolatile(ctx, transport.RequestTopic(serviceClass), data)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.Reply{}, Wrap(KindTransportUnavailable, err, "circuit open for %s", serviceClass)
		}
		return models.Reply{}, Wrap(KindTransportUnavailable, err, "publish request to %s", serviceClass)
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case reply := <-slot:
		if !reply.OK() {
			return reply, DecodeError(reply.Error)
		}
		return reply, nil
	case <-timer.C:
		return models.Reply{}, E(KindTimeout, "no reply from %s within deadline (correlation_id=%s)", serviceClass, req.CorrelationID)
	case <-ctx.Done():
		return models.Reply{}, Wrap(KindTimeout, ctx.Err(), "call to %s canceled", serviceClass)
	}
}

// CallIdempotent retries a call on TIMEOUT and TRANSPORT_UNAVAILABLE,
// issuing a fresh correlation id per attempt so each send stays
// at-most-once. Only functions tagged idempotent may be routed here.
func (c *Caller) CallIdempotent(ctx context.Context, serviceClass string, req models.Request, attempts int) (models.Reply, error) {
	if attempts < 1 {
		attempts = 1
	}
	// The original deadline is treated as a per-attempt budget; a retry
	// gets the same allowance from its own send time.
	budget := time.Until(time.Unix(0, req.DeadlineUnixNs))
	bo := backoff.NewExponentialBackOff()
	var reply models.Reply
	var err error
	for i := 0; i < attempts; i++ {
		attempt := req
		attempt.CorrelationID = uuid.NewString()
		if budget > 0 {
			attempt.DeadlineUnixNs = time.Now().Add(budget).UnixNano()
		}
		reply, err = c.Call(ctx, serviceClass, attempt)
		if err == nil {
			return reply, nil
		}
		kind := KindOf(err)
		if kind != KindTimeout && kind != KindTransportUnavailable {
			return reply, err
		}
		if i < attempts-1 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return reply, err
			}
		}
	}
	return reply, err
}

// Inflight returns the number of calls awaiting a reply.
func (c *Caller) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Close drops the reply subscriptions. In-flight calls time out.
func (c *Caller) Close() {
	c.mu.Lock()
	c.closed = true
	subs := make([]transport.Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]transport.Subscription)
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// ensureReplySubscription subscribes once per service class, filtered to
// replies addressed to this participant. Subscribing before the first
// publish closes the window where a fast reply could beat the listener.
func (c *Caller) ensureReplySubscription(ctx context.Context, serviceClass string) error {
	c.mu.Lock()
	if _, ok := c.subs[serviceClass]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.tr.Subscribe(ctx, transport.ReplyTopic(serviceClass), transport.VolatileQoS(),
		transport.FieldEquals("to", c.participantID), c.onReply)
	if err != nil {
		return Wrap(KindTransportUnavailable, err, "subscribe replies of %s", serviceClass)
	}

	c.mu.Lock()
	if _, ok := c.subs[serviceClass]; ok {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.subs[serviceClass] = sub
	c.mu.Unlock()
	return nil
}

func (c *Caller) onReply(s transport.Sample) {
	var reply models.Reply
	if err := json.Unmarshal(s.Data, &reply); err != nil {
		slog.Warn("Dropping malformed reply", "topic", s.Topic, "error", err)
		return
	}
	c.mu.Lock()
	slot, ok := c.pending[reply.CorrelationID]
	if ok {
		delete(c.pending, reply.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		// Late or duplicate reply after the deadline slot was torn down.
		slog.Debug("Discarding unmatched reply", "correlation_id", reply.CorrelationID, "from", reply.From)
		return
	}
	slot <- reply
}

func (c *Caller) breaker(serviceClass string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[serviceClass]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("rpc:%s", serviceClass),
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[serviceClass] = b
	return b
}
