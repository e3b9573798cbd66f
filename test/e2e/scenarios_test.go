package e2e

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-runtime/genesis/pkg/advertise"
	"github.com/genesis-runtime/genesis/pkg/gateway"
	"github.com/genesis-runtime/genesis/pkg/llm"
	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/orchestrator"
	"github.com/genesis-runtime/genesis/pkg/rpc"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// hookClient runs a hook once before the first model call. Used to
// change the world between toolset assembly and tool execution.
type hookClient struct {
	llm.Client
	once sync.Once
	hook func()
}

func (h *hookClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	h.once.Do(h.hook)
	return h.Client.Complete(ctx, req)
}

func TestFunctionCallThroughDomain(t *testing.T) {
	d := NewDomain(t)
	d.StartFunctionService("calculator", adder(0, models.IdempotentTag))

	client := llm.NewScripted(
		llm.ToolCallResponse("tc-1", "add", `{"a": 2, "b": 3}`),
		llm.TextResponse("2 + 3 = 5"),
	)
	agent := d.StartAgent(client, orchestrator.Options{Name: "assistant", DefaultCapable: true})
	d.WaitCache(agent.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectFunction("add")
		return ok
	})

	status, body := d.Ask(gateway.QueryRequest{Query: "2+3"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["answer"], "5")

	// Interface-to-agent and agent-to-service hops, each started and
	// completed.
	gatewayID := d.Gateway.Participant().ID()
	agentID := agent.Participant().ID()
	start := d.Events.WaitHop(t, func(h models.ChainHop) bool {
		return h.Source == gatewayID && h.Phase == models.PhaseStart
	})
	d.Events.WaitHop(t, func(h models.ChainHop) bool {
		return h.CallID == start.CallID && h.Phase == models.PhaseComplete
	})
	toolStart := d.Events.WaitHop(t, func(h models.ChainHop) bool {
		return h.Source == agentID && h.Phase == models.PhaseStart
	})
	d.Events.WaitHop(t, func(h models.ChainHop) bool {
		return h.CallID == toolStart.CallID && h.Phase == models.PhaseComplete
	})
}

func TestAgentDelegationPreservesConversation(t *testing.T) {
	d := NewDomain(t)

	weatherClient := llm.NewScripted(llm.TextResponse("Sunny in Tokyo, 25 degrees."))
	weather := d.StartAgent(weatherClient, orchestrator.Options{
		Name:            "weather_expert",
		Description:     "weather lookups",
		Specializations: []string{"weather"},
		DefaultCapable:  false,
	})

	primaryClient := llm.NewScripted(
		llm.ToolCallResponse("tc-1", "weather_expert", `{"query": "weather in Tokyo"}`),
		llm.TextResponse("Tokyo right now: sunny, 25 degrees."),
	)
	primary := d.StartAgent(primaryClient, orchestrator.Options{Name: "primary", DefaultCapable: true})
	d.WaitCache(primary.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectAgent("weather_expert")
		return ok
	})

	status, body := d.Ask(gateway.QueryRequest{
		Query:          "weather in Tokyo",
		Agent:          "primary",
		ConversationID: "conv-s2",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["answer"], "sunny")
	assert.Equal(t, "conv-s2", body["conversation_id"])

	// The delegated hop rides the same conversation chain.
	d.Events.WaitHop(t, func(h models.ChainHop) bool {
		return h.ChainID == "conv-s2" && h.Source == primary.Participant().ID() && h.Phase == models.PhaseComplete
	})

	// Graph shows Interface->Primary and Primary->WeatherAgent.
	assert.Eventually(t, func() bool {
		var toPrimary, toWeather bool
		for _, e := range d.Gateway.Graph().Snapshot().Edges {
			if e.ElementID == models.EdgeElementID(d.Gateway.Participant().ID(), primary.Participant().ID(), models.EdgeInterfaceToAgent) {
				toPrimary = true
			}
			if e.ElementID == models.EdgeElementID(primary.Participant().ID(), weather.Participant().ID(), models.EdgeAgentToAgent) {
				toWeather = true
			}
		}
		return toPrimary && toWeather
	}, waitBudget, 10*time.Millisecond)
}

func TestTimeoutAgainstSlowProvider(t *testing.T) {
	d := NewDomain(t)
	svc := d.StartFunctionService("calculator", adder(400*time.Millisecond))

	// Direct caller with a 100ms deadline: Timeout, and the late reply is
	// discarded without disturbing later calls.
	caller := rpc.NewCaller(d.Bus, "tester-1")
	t.Cleanup(caller.Close)

	_, err := caller.Call(context.Background(), svc.ServiceClass(), models.Request{
		Operation:      "add",
		Arguments:      `{"a": 2, "b": 3}`,
		DeadlineUnixNs: time.Now().Add(100 * time.Millisecond).UnixNano(),
	})
	require.Error(t, err)
	assert.Equal(t, rpc.KindTimeout, rpc.KindOf(err))

	// Let the late reply arrive, then verify a fresh call still works.
	time.Sleep(400 * time.Millisecond)
	reply, err := caller.Call(context.Background(), svc.ServiceClass(), models.Request{
		Operation:      "add",
		Arguments:      `{"a": 2, "b": 3}`,
		DeadlineUnixNs: time.Now().Add(waitBudget).UnixNano(),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum": 5}`, reply.Result)

	// An agent whose tool call runs out of deadline emits a CHAIN ERROR
	// with the timeout as reason.
	client := llm.NewScripted(llm.ToolCallResponse("tc-1", "add", `{"a": 2, "b": 3}`))
	agent := d.StartAgent(client, orchestrator.Options{
		Name:           "impatient",
		DefaultCapable: true,
		MaxToolHops:    1,
	})
	d.WaitCache(agent.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectFunction("add")
		return ok
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = agent.ProcessRequest(ctx, "2+3 quickly", "conv-s3")
	require.Error(t, err)
	assert.Equal(t, rpc.KindToolLoopExceeded, rpc.KindOf(err))

	hop := d.Events.WaitHop(t, func(h models.ChainHop) bool {
		return h.ChainID == "conv-s3" && h.Phase == models.PhaseError
	})
	assert.Equal(t, string(rpc.KindTimeout), hop.Reason)
}

func TestNewProviderDiscoveredWithoutRestart(t *testing.T) {
	d := NewDomain(t)

	client := llm.NewScripted(
		llm.ToolCallResponse("tc-1", "uppercase", `{"text": "hello"}`),
		llm.TextResponse("HELLO"),
	)
	agent := d.StartAgent(client, orchestrator.Options{Name: "assistant", DefaultCapable: true})
	require.Equal(t, models.StateReady, agent.Participant().State())

	// The provider joins after the agent is already READY.
	d.StartFunctionService("textprocessor", uppercaser())
	d.WaitCache(agent.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectFunction("uppercase")
		return ok
	})

	status, body := d.Ask(gateway.QueryRequest{Query: "shout hello"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "HELLO", body["answer"])
}

func TestChainEventsAreOrderedPerCall(t *testing.T) {
	d := NewDomain(t)

	// Chain-only subscriber, as a monitoring UI would use.
	chains := NewEventRecorder(t, d.Bus, transport.KindIn(int32(models.EventChain)))

	weatherClient := llm.NewScripted(llm.TextResponse("Rainy in Oslo."))
	d.StartAgent(weatherClient, orchestrator.Options{
		Name:            "weather_expert",
		Specializations: []string{"weather"},
	})

	primaryClient := llm.NewScripted(
		llm.ToolCallResponse("tc-1", "weather_expert", `{"query": "weather in Oslo"}`),
		llm.TextResponse("Oslo: rainy."),
	)
	primary := d.StartAgent(primaryClient, orchestrator.Options{Name: "primary", DefaultCapable: true})
	d.WaitCache(primary.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectAgent("weather_expert")
		return ok
	})

	status, _ := d.Ask(gateway.QueryRequest{Query: "weather in Oslo", Agent: "primary"})
	require.Equal(t, http.StatusOK, status)

	// Both hops complete; the filtered subscriber saw only CHAIN events.
	chains.WaitHop(t, func(h models.ChainHop) bool {
		return h.Source == d.Gateway.Participant().ID() && h.Phase == models.PhaseComplete
	})
	for _, ev := range chains.Events() {
		assert.Equal(t, models.EventChain, ev.Kind)
	}

	// START strictly precedes COMPLETE for every call id.
	seen := make(map[string]models.ChainPhase)
	for _, hop := range chains.ChainHops() {
		switch hop.Phase {
		case models.PhaseStart:
			_, dup := seen[hop.CallID]
			assert.False(t, dup, "duplicate START for call %s", hop.CallID)
		case models.PhaseComplete, models.PhaseError:
			assert.Equal(t, models.PhaseStart, seen[hop.CallID],
				"call %s finished without START", hop.CallID)
		}
		seen[hop.CallID] = hop.Phase
	}
}

func TestProviderGoesOffline(t *testing.T) {
	d := NewDomain(t)
	svc := d.StartFunctionService("calculator", adder(0, models.IdempotentTag))

	scripted := llm.NewScripted(llm.ToolCallResponse("tc-1", "add", `{"a": 2, "b": 3}`))
	var agent *orchestrator.Agent
	client := &hookClient{
		Client: scripted,
		hook: func() {
			// The provider leaves cleanly between toolset assembly and
			// the tool call.
			require.NoError(t, svc.Close(context.Background()))
			d.WaitCache(agent.Participant().Cache, func(c *advertise.Cache) bool {
				_, ok := c.SelectFunction("add")
				return !ok
			})
		},
	}
	agent = d.StartAgent(client, orchestrator.Options{
		Name:           "assistant",
		DefaultCapable: true,
		MaxToolHops:    1,
	})
	d.WaitCache(agent.Participant().Cache, func(c *advertise.Cache) bool {
		_, ok := c.SelectFunction("add")
		return ok
	})

	_, err := agent.ProcessRequest(context.Background(), "2+3", "conv-s6")
	require.Error(t, err)

	// The departure is visible as a LIFECYCLE event and an OFFLINE node.
	calcID := svc.Participant().ID()
	d.Events.WaitLifecycle(t, func(ev models.Event) bool {
		return ev.ComponentID == calcID && ev.EventType == string(models.StateOffline)
	})
	assert.Eventually(t, func() bool {
		node, ok := d.Gateway.Graph().Node(calcID)
		return ok && node.State == string(models.StateOffline)
	}, waitBudget, 10*time.Millisecond)

	// With no other provider and no fallback peer, the call is
	// NO_CAPABLE_PROVIDER.
	hop := d.Events.WaitHop(t, func(h models.ChainHop) bool {
		return h.ChainID == "conv-s6" && h.Phase == models.PhaseError
	})
	assert.Equal(t, string(rpc.KindNoCapableProvider), hop.Reason)
}
