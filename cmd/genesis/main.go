// Genesis launcher — joins a discovery domain as a gateway, an agent, or
// a demo service, wired together over the shared transport.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/genesis-runtime/genesis/pkg/config"
	"github.com/genesis-runtime/genesis/pkg/gateway"
	"github.com/genesis-runtime/genesis/pkg/llm"
	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/orchestrator"
	"github.com/genesis-runtime/genesis/pkg/participant"
	"github.com/genesis-runtime/genesis/pkg/rpc"
	"github.com/genesis-runtime/genesis/pkg/service"
	"github.com/genesis-runtime/genesis/pkg/transport"
	"github.com/genesis-runtime/genesis/pkg/transport/inproc"
	"github.com/genesis-runtime/genesis/pkg/transport/postgres"
	"github.com/genesis-runtime/genesis/pkg/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	role := flag.String("role", "gateway", "participant role: gateway, agent, or demo-service")
	name := flag.String("name", "", "participant name (defaults per role)")
	envFile := flag.String("env-file", "", "optional .env file to load")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", *envFile, "error", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return config.ExitCodeFor(err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("Starting genesis",
		"version", version.Full(), "role", *role, "domain", cfg.Domain)
	if cfg.UseNewMonitoringTopics {
		// Accepted for compatibility with older deployments; the unified
		// GraphTopology/Event topics are the only ones published now.
		slog.Info("GENESIS_USE_NEW_MONITORING_TOPICS is set; unified monitoring topics are already the default")
	}

	ctx := context.Background()
	tr, cleanup, err := openTransport(ctx, cfg)
	if err != nil {
		slog.Error("Transport unavailable", "error", err)
		return config.ExitTransport
	}
	defer cleanup()

	switch *role {
	case "gateway":
		return runGateway(ctx, cfg, tr, orDefault(*name, "gateway"))
	case "agent":
		return runAgent(ctx, cfg, tr, orDefault(*name, "assistant"))
	case "demo-service":
		return runDemoService(ctx, tr, orDefault(*name, "calculator"))
	default:
		slog.Error("Unknown role", "role", *role)
		return config.ExitConfig
	}
}

// openTransport picks postgres when a DSN is configured, otherwise the
// in-process bus (single-process deployments and tests).
func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, func(), error) {
	if cfg.PGDSN == "" {
		slog.Info("Using in-process transport; set GENESIS_PG_DSN for cross-process discovery")
		bus := inproc.New()
		return bus, func() { _ = bus.Close(context.Background()) }, nil
	}
	tr, err := postgres.New(ctx, postgres.Config{DSN: cfg.PGDSN, Domain: cfg.Domain})
	if err != nil {
		return nil, nil, rpc.Wrap(rpc.KindTransportUnavailable, err, "connect postgres transport")
	}
	return tr, func() { _ = tr.Close(context.Background()) }, nil
}

func runGateway(ctx context.Context, cfg *config.Config, tr transport.Transport, name string) int {
	gw := gateway.New(tr, participant.NewID(name), gateway.Options{
		OfflineRetention: cfg.OfflineRetention,
	})
	if err := gw.Start(ctx); err != nil {
		slog.Error("Gateway failed to join", "error", err)
		return exitForJoin(err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr())
		errCh <- gw.Serve(cfg.HTTPAddr())
	}()

	code := waitForShutdown(errCh)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := gw.Close(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
	return code
}

func runAgent(ctx context.Context, cfg *config.Config, tr transport.Transport, name string) int {
	if err := cfg.RequireLLM(); err != nil {
		slog.Error("LLM provider not configured", "error", err)
		return config.ExitCodeFor(err)
	}
	client, err := llm.NewAnthropic(llm.AnthropicConfig{
		APIKey: cfg.AnthropicKey,
		Model:  cfg.AnthropicModel,
	})
	if err != nil {
		slog.Error("LLM client initialization failed", "error", err)
		return config.ExitLLM
	}

	agent := orchestrator.New(tr, participant.NewID(name), client, orchestrator.Options{
		Name:           name,
		Description:    "general-purpose assistant",
		DefaultCapable: true,
		MaxToolHops:    cfg.MaxToolHops,
		ToolWindow:     cfg.ToolWindow,
		ToolChoice:     toolChoiceFor(cfg.ToolChoice),
	})
	if err := agent.Start(ctx); err != nil {
		slog.Error("Agent failed to join", "error", err)
		return exitForJoin(err)
	}
	slog.Info("Agent ready", "name", name, "service_class", agent.ServiceClass())

	code := waitForShutdown(nil)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := agent.Close(shutdownCtx); err != nil {
		slog.Error("Agent shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
	return code
}

// runDemoService starts a calculator service, mostly useful for smoke
// testing a domain end to end.
func runDemoService(ctx context.Context, tr transport.Transport, name string) int {
	svc := service.New(tr, participant.NewID(name), name, 2)
	if err := svc.Register(calculatorAdd()); err != nil {
		slog.Error("Register failed", "error", err)
		return config.ExitError
	}
	if err := svc.Start(ctx); err != nil {
		slog.Error("Service failed to join", "error", err)
		return exitForJoin(err)
	}
	slog.Info("Service ready", "name", name, "service_class", svc.ServiceClass())

	code := waitForShutdown(nil)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Error("Service shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
	return code
}

func calculatorAdd() service.Function {
	return service.Function{
		Name:        "add",
		Description: "Add two numbers.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"a": {"type": "number"}, "b": {"type": "number"}},
			"required": ["a", "b"]
		}`),
		Capabilities: []string{models.IdempotentTag},
		Tags:         []string{"math"},
		Handler: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct{ A, B float64 }
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", err
			}
			return fmt.Sprintf(`{"sum": %g}`, args.A+args.B), nil
		},
	}
}

// waitForShutdown blocks until a termination signal or a server error.
// Returns the process exit code.
func waitForShutdown(errCh <-chan error) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	if errCh == nil {
		sig := <-sigCh
		slog.Info("Shutdown signal received", "signal", sig)
		return config.ExitOK
	}
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
		return config.ExitOK
	case err := <-errCh:
		if err == nil {
			return config.ExitOK
		}
		slog.Error("Server error triggered shutdown", "error", err)
		return config.ExitError
	}
}

// exitForJoin classifies a join failure for the process exit status.
func exitForJoin(err error) int {
	if code := config.ExitCodeFor(err); code != config.ExitError {
		return code
	}
	if strings.Contains(err.Error(), "transport") {
		return config.ExitTransport
	}
	return config.ExitError
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// toolChoiceFor maps the configured tool choice onto the model contract.
func toolChoiceFor(choice string) string {
	switch choice {
	case "required":
		return llm.ToolChoiceRequired
	case "none":
		return llm.ToolChoiceNone
	default:
		return llm.ToolChoiceAuto
	}
}
