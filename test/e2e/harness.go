// Package e2e exercises a complete domain end to end: gateway, agents,
// and services joined over the in-process transport, driven through the
// HTTP surface with a scripted model.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/genesis-runtime/genesis/pkg/advertise"
	"github.com/genesis-runtime/genesis/pkg/gateway"
	"github.com/genesis-runtime/genesis/pkg/llm"
	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/orchestrator"
	"github.com/genesis-runtime/genesis/pkg/service"
	"github.com/genesis-runtime/genesis/pkg/transport"
	"github.com/genesis-runtime/genesis/pkg/transport/inproc"
)

const waitBudget = 5 * time.Second

func init() {
	gin.SetMode(gin.TestMode)
}

// Domain is one running discovery domain under test.
type Domain struct {
	t       *testing.T
	Bus     *inproc.Bus
	Gateway *gateway.Gateway
	HTTP    *httptest.Server
	Events  *EventRecorder
}

// NewDomain stands up the bus, an event recorder, and a gateway with its
// HTTP server. Everything is torn down with the test.
func NewDomain(t *testing.T) *Domain {
	t.Helper()
	bus := inproc.New()
	rec := NewEventRecorder(t, bus, nil)

	gw := gateway.New(bus, "gateway-1", gateway.Options{RequestTimeout: waitBudget})
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &Domain{t: t, Bus: bus, Gateway: gw, HTTP: srv, Events: rec}
}

// StartAgent joins an agent and waits for the gateway to discover it.
func (d *Domain) StartAgent(client llm.Client, opts orchestrator.Options) *orchestrator.Agent {
	d.t.Helper()
	a := orchestrator.New(d.Bus, opts.Name+"-p1", client, opts)
	require.NoError(d.t, a.Start(context.Background()))
	d.t.Cleanup(func() { _ = a.Close(context.Background()) })

	d.WaitCache(d.Gateway.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectAgent(opts.Name)
		return ok
	})
	return a
}

// StartFunctionService joins a service with one function and waits for
// the gateway to discover it.
func (d *Domain) StartFunctionService(serviceName string, fn service.Function) *service.Service {
	d.t.Helper()
	svc := service.New(d.Bus, serviceName+"-p1", serviceName, 2)
	require.NoError(d.t, svc.Register(fn))
	require.NoError(d.t, svc.Start(context.Background()))
	d.t.Cleanup(func() { _ = svc.Close(context.Background()) })

	d.WaitCache(d.Gateway.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectFunction(fn.Name)
		return ok
	})
	return svc
}

// WaitCache blocks until the predicate holds or the wait budget expires.
func (d *Domain) WaitCache(c *advertise.Cache, pred func(*advertise.Cache) bool) {
	d.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitBudget)
	defer cancel()
	require.NoError(d.t, c.WaitFor(ctx, pred))
}

// Ask posts a query to the gateway and decodes the response body.
func (d *Domain) Ask(req gateway.QueryRequest) (int, map[string]any) {
	d.t.Helper()
	data, err := json.Marshal(req)
	require.NoError(d.t, err)
	resp, err := http.Post(d.HTTP.URL+"/api/v1/requests", "application/json", bytes.NewReader(data))
	require.NoError(d.t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(d.t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

// adder is the calculator function used by several scenarios. Pass
// models.IdempotentTag as a capability to make timed-out calls
// retryable.
func adder(delay time.Duration, capabilities ...string) service.Function {
	return service.Function{
		Name:        "add",
		Description: "Add two numbers.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
			"required": ["a", "b"]
		}`),
		Capabilities: capabilities,
		Tags:         []string{"math"},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			if delay > 0 {
				time.Sleep(delay)
			}
			var args struct{ A, B float64 }
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", err
			}
			result, _ := json.Marshal(map[string]float64{"sum": args.A + args.B})
			return string(result), nil
		},
	}
}

func uppercaser() service.Function {
	return service.Function{
		Name:        "uppercase",
		Description: "Uppercase a string.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Capabilities: []string{models.IdempotentTag},
		Tags:         []string{"text"},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct{ Text string }
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", err
			}
			result, _ := json.Marshal(map[string]string{"text": strings.ToUpper(args.Text)})
			return string(result), nil
		},
	}
}

// EventRecorder collects volatile monitoring events for assertions.
type EventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

// NewEventRecorder subscribes to the event topic, optionally filtered.
func NewEventRecorder(t *testing.T, bus *inproc.Bus, filter transport.Filter) *EventRecorder {
	t.Helper()
	r := &EventRecorder{}
	sub, err := bus.Subscribe(context.Background(), transport.TopicEvent, transport.VolatileQoS(), filter,
		func(s transport.Sample) {
			var ev models.Event
			if err := json.Unmarshal(s.Data, &ev); err != nil {
				return
			}
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	require.NoError(t, err)
	t.Cleanup(sub.Unsubscribe)
	return r
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ChainHops decodes all CHAIN events recorded so far, in arrival order.
func (r *EventRecorder) ChainHops() []models.ChainHop {
	var hops []models.ChainHop
	for _, ev := range r.Events() {
		if ev.Kind != models.EventChain {
			continue
		}
		var hop models.ChainHop
		if err := json.Unmarshal([]byte(ev.Payload), &hop); err != nil {
			continue
		}
		hops = append(hops, hop)
	}
	return hops
}

// WaitHop blocks until a chain hop matching the predicate arrives.
func (r *EventRecorder) WaitHop(t *testing.T, pred func(models.ChainHop) bool) models.ChainHop {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		for _, hop := range r.ChainHops() {
			if pred(hop) {
				return hop
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no chain hop matched within the wait budget")
	return models.ChainHop{}
}

// WaitLifecycle blocks until a LIFECYCLE event matching the predicate
// arrives.
func (r *EventRecorder) WaitLifecycle(t *testing.T, pred func(models.Event) bool) models.Event {
	t.Helper()
	deadline := time.Now().Add(waitBudget)
	for time.Now().Before(deadline) {
		for _, ev := range r.Events() {
			if ev.Kind == models.EventLifecycle && pred(ev) {
				return ev
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no lifecycle event matched within the wait budget")
	return models.Event{}
}
