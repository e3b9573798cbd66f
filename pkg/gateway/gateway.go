// Package gateway implements the INTERFACE participant: an HTTP surface
// that routes user queries to agents over the RPC plane and exposes the
// projected topology graph, including a WebSocket delta stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/monitor"
	"github.com/genesis-runtime/genesis/pkg/participant"
	"github.com/genesis-runtime/genesis/pkg/rpc"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// DefaultRequestTimeout bounds a routed query when the client does not
// supply its own deadline.
const DefaultRequestTimeout = 60 * time.Second

// Options configure a Gateway.
type Options struct {
	RequestTimeout   time.Duration // zero uses DefaultRequestTimeout
	OfflineRetention time.Duration // zero uses monitor.DefaultOfflineRetention
	WriteTimeout     time.Duration // WebSocket send timeout, zero uses 10s
}

// Gateway is the user-facing entry point of a domain.
type Gateway struct {
	part    *participant.Participant
	caller  *rpc.Caller
	graph   *monitor.GraphService
	engine  *gin.Engine
	handler http.Handler
	opts    Options
	server  *http.Server
}

// New creates a gateway participant on the transport.
func New(tr transport.Transport, participantID string, opts Options) *Gateway {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Gateway{
		part:  participant.New(tr, participantID, models.ParticipantInterface),
		graph: monitor.NewGraphService(tr, opts.OfflineRetention),
		opts:  opts,
	}
}

// Participant exposes the underlying lifecycle runtime.
func (g *Gateway) Participant() *participant.Participant { return g.part }

// Graph exposes the topology projection.
func (g *Gateway) Graph() *monitor.GraphService { return g.graph }

// Start joins the domain, starts the graph projection, and builds the
// HTTP router. It does not listen; call Serve or mount Handler.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.part.Start(ctx, models.KindAgent, models.KindFunction); err != nil {
		return err
	}
	if err := g.graph.Start(ctx); err != nil {
		_ = g.part.Close(ctx)
		return err
	}
	g.caller = rpc.NewCaller(g.part.Transport(), g.part.ID())
	g.engine = g.buildRouter()

	// The WebSocket endpoint hijacks the connection; it lives on the raw
	// mux so gin's buffered writer never sits between the upgrade and
	// the socket.
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws", g.serveWS)
	mux.Handle("/", g.engine)
	g.handler = mux

	// An interface participant owns no advertisements; it is READY as
	// soon as the projection is live.
	return g.part.Ready(ctx)
}

// Handler returns the HTTP handler; valid after Start.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Serve listens on addr and blocks until Close or a listen error.
func (g *Gateway) Serve(addr string) error {
	g.server = &http.Server{Addr: addr, Handler: g.handler}
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the HTTP server down and leaves the domain.
func (g *Gateway) Close(ctx context.Context) error {
	if g.server != nil {
		_ = g.server.Shutdown(ctx)
	}
	if g.caller != nil {
		g.caller.Close()
	}
	g.graph.Stop()
	return g.part.Close(ctx)
}

func (g *Gateway) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/healthz", g.handleHealth)

	v1 := r.Group("/api/v1")
	v1.POST("/requests", g.handleRequest)
	v1.GET("/graph", g.handleGraph)
	v1.GET("/participants", g.handleParticipants)
	v1.GET("/agents", g.handleAgents)
	return r
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"participant": g.part.ID(),
		"state":       string(g.part.State()),
	})
}

// QueryRequest is the body of POST /api/v1/requests.
type QueryRequest struct {
	Query          string `json:"query" binding:"required"`
	Agent          string `json:"agent,omitempty"` // agent name; empty picks a default-capable agent
	ConversationID string `json:"conversation_id,omitempty"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
}

// QueryResponse is the body of a successful routed request.
type QueryResponse struct {
	Answer         string `json:"answer"`
	Agent          string `json:"agent"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (g *Gateway) handleRequest(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ad, ok := g.resolveAgent(req.Agent)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": string(rpc.KindNoCapableProvider),
			"message": fmt.Sprintf("no agent available for %q",
				req.Agent),
		})
		return
	}

	timeout := g.opts.RequestTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	args, err := json.Marshal(map[string]string{
		"query":           req.Query,
		"conversation_id": req.ConversationID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	ctx := c.Request.Context()
	_ = g.part.Monitor.Edge(ctx, g.part.ID(), ad.ProviderID, models.EdgeInterfaceToAgent)
	callID := g.part.Monitor.ChainStart(ctx, conversationID, g.part.ID(), ad.ProviderID)

	reply, err := g.caller.Call(ctx, models.ServiceClassOf(ad.Name, ad.ProviderID), models.Request{
		Operation:      "process_request",
		Arguments:      string(args),
		DeadlineUnixNs: time.Now().Add(timeout).UnixNano(),
		ConversationID: conversationID,
	})
	if err != nil {
		kind := rpc.KindOf(err)
		g.part.Monitor.ChainError(ctx, conversationID, callID, g.part.ID(), ad.ProviderID, string(kind))
		c.JSON(statusFor(kind), gin.H{"error": string(kind), "message": err.Error()})
		return
	}
	g.part.Monitor.ChainComplete(ctx, conversationID, callID, g.part.ID(), ad.ProviderID)

	var result struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(reply.Result), &result); err != nil {
		// Agents reply with {"answer": ...}; pass anything else through raw.
		result.Answer = reply.Result
	}
	if reply.ConversationID == "" {
		reply.ConversationID = conversationID
	}
	c.JSON(http.StatusOK, QueryResponse{
		Answer:         result.Answer,
		Agent:          ad.Name,
		ConversationID: reply.ConversationID,
	})
}

// resolveAgent picks the routing target: a named agent, or any
// default-capable agent, or any agent at all.
func (g *Gateway) resolveAgent(name string) (models.Advertisement, bool) {
	if name != "" {
		return g.part.Cache.SelectAgent(name)
	}
	if capable := g.part.Cache.DefaultCapableAgents(g.part.ID()); len(capable) > 0 {
		return capable[0], true
	}
	agents := g.part.Cache.Agents()
	if len(agents) > 0 {
		return agents[0], true
	}
	return models.Advertisement{}, false
}

// statusFor maps a classified error kind to an HTTP status.
func statusFor(kind rpc.ErrorKind) int {
	switch kind {
	case rpc.KindSchemaViolation:
		return http.StatusBadRequest
	case rpc.KindTimeout:
		return http.StatusGatewayTimeout
	case rpc.KindNoCapableProvider, rpc.KindNotRouted:
		return http.StatusNotFound
	case rpc.KindTransportUnavailable, rpc.KindDegraded, rpc.KindLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (g *Gateway) handleGraph(c *gin.Context) {
	c.JSON(http.StatusOK, g.graph.Snapshot())
}

func (g *Gateway) handleParticipants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"participants": g.graph.Snapshot().Nodes})
}

// AgentSummary is one row of GET /api/v1/agents.
type AgentSummary struct {
	Name            string   `json:"name"`
	ProviderID      string   `json:"provider_id"`
	Description     string   `json:"description,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
	DefaultCapable  bool     `json:"default_capable"`
}

func (g *Gateway) handleAgents(c *gin.Context) {
	ads := g.part.Cache.Agents()
	out := make([]AgentSummary, 0, len(ads))
	for i := range ads {
		s := AgentSummary{
			Name:        ads[i].Name,
			ProviderID:  ads[i].ProviderID,
			Description: ads[i].Description,
		}
		if payload, err := models.AgentPayloadOf(&ads[i]); err == nil {
			s.Specializations = payload.Specializations
			s.DefaultCapable = payload.DefaultCapable
		}
		out = append(out, s)
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}
