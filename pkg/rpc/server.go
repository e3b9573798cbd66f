package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// Handler processes one request and produces its reply. The context
// carries the request deadline; handlers should respect it.
type Handler func(ctx context.Context, req models.Request) models.Reply

// DefaultWorkerCount bounds concurrent request execution per server.
const DefaultWorkerCount = 4

// Server answers requests for one service class with a bounded worker
// pool. Requests whose deadline expired while queued are dropped without
// execution; the caller has already timed out and a reply would be
// discarded anyway.
type Server struct {
	tr            transport.Transport
	participantID string
	serviceClass  string
	handler       Handler
	workerCount   int

	queue    chan models.Request
	sub      transport.Subscription
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	inflight int
	onBusy   func(busy bool)
}

// NewServer creates a server for one service class. workerCount <= 0
// uses DefaultWorkerCount.
func NewServer(tr transport.Transport, participantID, serviceClass string, workerCount int, handler Handler) *Server {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	return &Server{
		tr:            tr,
		participantID: participantID,
		serviceClass:  serviceClass,
		handler:       handler,
		workerCount:   workerCount,
		queue:         make(chan models.Request, workerCount*4),
	}
}

// OnBusy registers a hook invoked when the server transitions between
// zero and nonzero executing requests.
func (s *Server) OnBusy(hook func(busy bool)) {
	s.mu.Lock()
	s.onBusy = hook
	s.mu.Unlock()
}

// ServiceClass returns the class this server answers for.
func (s *Server) ServiceClass() string { return s.serviceClass }

// Start subscribes to the request topic and spawns the workers.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.tr.Subscribe(ctx, transport.RequestTopic(s.serviceClass), transport.VolatileQoS(), nil, s.onRequest)
	if err != nil {
		return Wrap(KindTransportUnavailable, err, "subscribe requests of %s", s.serviceClass)
	}
	s.sub = sub

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx)
	}
	slog.Info("RPC server started", "service_class", s.serviceClass, "workers", s.workerCount)
	return nil
}

// Stop unsubscribes and waits for in-flight handlers to finish. Queued
// requests not yet picked up are abandoned; their callers time out.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		close(s.queue)
		s.wg.Wait()
		slog.Info("RPC server stopped", "service_class", s.serviceClass)
	})
}

func (s *Server) onRequest(sample transport.Sample) {
	var req models.Request
	if err := json.Unmarshal(sample.Data, &req); err != nil {
		slog.Warn("Dropping malformed request", "service_class", s.serviceClass, "error", err)
		return
	}
	if req.ToParticipant != "" && req.ToParticipant != s.participantID {
		return
	}
	select {
	case s.queue <- req:
	default:
		// Saturated queue: refuse instead of building unbounded backlog.
		s.reply(ErrorReply(&req, s.participantID, E(KindDegraded, "%s request queue full", s.serviceClass)))
	}
}

func (s *Server) runWorker(ctx context.Context) {
	defer s.wg.Done()
	for req := range s.queue {
		deadline := time.Unix(0, req.DeadlineUnixNs)
		if req.DeadlineUnixNs > 0 && !time.Now().Before(deadline) {
			slog.Debug("Dropping expired request",
				"service_class", s.serviceClass, "correlation_id", req.CorrelationID)
			continue
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if req.DeadlineUnixNs > 0 {
			reqCtx, cancel = context.WithDeadline(ctx, deadline)
		}

		s.setBusy(+1)
		reply := s.execute(reqCtx, req)
		s.setBusy(-1)
		if cancel != nil {
			cancel()
		}
		s.reply(reply)
	}
}

func (s *Server) execute(ctx context.Context, req models.Request) (reply models.Reply) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked",
				"service_class", s.serviceClass, "operation", req.Operation, "panic", r)
			reply = ErrorReply(&req, s.participantID, E(KindToolCallFailed, "handler panicked: %v", r))
		}
	}()
	return s.handler(ctx, req)
}

func (s *Server) reply(reply models.Reply) {
	data, err := json.Marshal(&reply)
	if err != nil {
		slog.Error("Failed to marshal reply", "correlation_id", reply.CorrelationID, "error", err)
		return
	}
	if err := s.tr.PublishVolatile(context.Background(), transport.ReplyTopic(s.serviceClass), data); err != nil {
		slog.Warn("Failed to publish reply",
			"service_class", s.serviceClass, "correlation_id", reply.CorrelationID, "error", err)
	}
}

func (s *Server) setBusy(delta int) {
	s.mu.Lock()
	s.inflight += delta
	hook := s.onBusy
	edge := (delta > 0 && s.inflight == 1) || (delta < 0 && s.inflight == 0)
	busy := s.inflight > 0
	s.mu.Unlock()
	if hook != nil && edge {
		hook(busy)
	}
}
