// Package service implements the function provider runtime: a SERVICE
// participant that registers named functions, advertises them, and
// serves them over the RPC plane with argument validation.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/genesis-runtime/genesis/pkg/advertise"
	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/participant"
	"github.com/genesis-runtime/genesis/pkg/rpc"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// Handler executes one function call. The returned string is the JSON
// result placed in the reply.
type Handler func(ctx context.Context, arguments json.RawMessage) (string, error)

// Function is one registered capability.
type Function struct {
	Name         string
	Description  string
	Schema       json.RawMessage // JSON schema of the arguments object
	Capabilities []string        // include models.IdempotentTag to allow retries
	Tags         []string        // classification tags for tool selection
	Handler      Handler
}

// Service is a function provider.
type Service struct {
	part      *participant.Participant
	name      string
	functions map[string]Function
	server    *rpc.Server
	workers   int
	started   bool
}

// New creates a service named name on the transport.
func New(tr transport.Transport, participantID, name string, workers int) *Service {
	return &Service{
		part:      participant.New(tr, participantID, models.ParticipantService),
		name:      name,
		functions: make(map[string]Function),
		workers:   workers,
	}
}

// Participant exposes the underlying lifecycle runtime.
func (s *Service) Participant() *participant.Participant { return s.part }

// ServiceClass returns the RPC class this service answers on.
func (s *Service) ServiceClass() string {
	return models.ServiceClassOf(s.name, s.part.ID())
}

// Register adds a function. Must be called before Start; duplicate names
// are rejected.
func (s *Service) Register(fn Function) error {
	if s.started {
		return fmt.Errorf("register %s: service already started", fn.Name)
	}
	if fn.Name == "" || fn.Handler == nil {
		return fmt.Errorf("function needs a name and a handler")
	}
	if _, dup := s.functions[fn.Name]; dup {
		return fmt.Errorf("function %s already registered", fn.Name)
	}
	s.functions[fn.Name] = fn
	return nil
}

// Start joins the domain, advertises every function plus the service
// registration, and begins serving.
func (s *Service) Start(ctx context.Context) error {
	if len(s.functions) == 0 {
		return fmt.Errorf("service %s has no functions registered", s.name)
	}
	if err := s.part.Start(ctx, models.KindFunction, models.KindAgent); err != nil {
		return err
	}
	s.started = true

	names := make([]string, 0, len(s.functions))
	for name := range s.functions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fn := s.functions[name]
		payload, err := json.Marshal(models.FunctionPayload{
			ParameterSchema:    fn.Schema,
			Capabilities:       fn.Capabilities,
			ClassificationTags: fn.Tags,
			ServiceName:        s.name,
		})
		if err != nil {
			return fmt.Errorf("marshal payload for %s: %w", fn.Name, err)
		}
		if _, err := s.part.Advertiser.Publish(ctx, models.KindFunction, fn.Name, fn.Description, s.name, string(payload)); err != nil {
			s.part.Degrade(ctx, "advertisement retry budget exhausted")
			return err
		}
	}

	registration, err := json.Marshal(models.ServicePayload{Functions: names})
	if err != nil {
		return err
	}
	if _, err := s.part.Advertiser.Publish(ctx, models.KindRegistration, s.name, "", s.name, string(registration)); err != nil {
		s.part.Degrade(ctx, "advertisement retry budget exhausted")
		return err
	}

	s.server = rpc.NewServer(s.part.Transport(), s.part.ID(), s.ServiceClass(), s.workers, s.handle)
	s.server.OnBusy(s.part.SetBusy)
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	// READY only once every advertisement is acknowledged by the durable
	// store and the server answers.
	return s.part.Ready(ctx)
}

// Close stops serving and leaves the domain.
func (s *Service) Close(ctx context.Context) error {
	if s.server != nil {
		s.server.Stop()
	}
	return s.part.Close(ctx)
}

// handle routes a request to the function named by its operation.
func (s *Service) handle(ctx context.Context, req models.Request) models.Reply {
	fn, ok := s.functions[req.Operation]
	if !ok {
		return rpc.ErrorReply(&req, s.part.ID(),
			rpc.E(rpc.KindNotRouted, "service %s has no function %q", s.name, req.Operation))
	}
	if err := advertise.ValidateArguments(fn.Schema, req.Arguments); err != nil {
		return rpc.ErrorReply(&req, s.part.ID(), rpc.Wrap(rpc.KindSchemaViolation, err, "arguments for %s", fn.Name))
	}
	result, err := fn.Handler(ctx, json.RawMessage(req.Arguments))
	if err != nil {
		return rpc.ErrorReply(&req, s.part.ID(), err)
	}
	return rpc.OKReply(&req, s.part.ID(), result)
}
