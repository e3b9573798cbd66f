// Package config reads runtime configuration from GENESIS_* environment
// variables, applying defaults and validating before any participant
// joins the domain.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/genesis-runtime/genesis/pkg/rpc"
)

// Defaults.
const (
	DefaultDomain           = "genesis"
	DefaultToolChoice       = "auto"
	DefaultMaxToolHops      = 8
	DefaultHTTPPort         = 8080
	DefaultOfflineRetention = 10 * time.Minute
	DefaultToolWindow       = 10
)

// Exit codes for launchers.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitConfig    = 2
	ExitTransport = 3
	ExitLLM       = 4
)

// errInvalid marks configuration errors so launchers can map them to
// ExitConfig.
var errInvalid = errors.New("invalid configuration")

// Config is the resolved runtime configuration.
type Config struct {
	Domain                 string
	ToolChoice             string // auto, required, none
	LogLevel               slog.Level
	MaxToolHops            int
	ToolWindow             int
	UseNewMonitoringTopics bool

	PGDSN            string // empty selects the in-process transport
	HTTPPort         int
	OfflineRetention time.Duration

	AnthropicModel string // empty uses the adapter default
	AnthropicKey   string
}

// Load resolves configuration from the environment. All variables are
// optional; invalid values are configuration errors.
func Load() (*Config, error) {
	c := &Config{
		Domain:           envOr("GENESIS_DOMAIN", DefaultDomain),
		ToolChoice:       strings.ToLower(envOr("GENESIS_TOOL_CHOICE", DefaultToolChoice)),
		MaxToolHops:      DefaultMaxToolHops,
		ToolWindow:       DefaultToolWindow,
		PGDSN:            os.Getenv("GENESIS_PG_DSN"),
		HTTPPort:         DefaultHTTPPort,
		OfflineRetention: DefaultOfflineRetention,
		AnthropicModel:   os.Getenv("GENESIS_ANTHROPIC_MODEL"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
	}

	switch c.ToolChoice {
	case "auto", "required", "none":
	default:
		return nil, fmt.Errorf("%w: GENESIS_TOOL_CHOICE must be auto, required, or none, got %q", errInvalid, c.ToolChoice)
	}

	level, err := parseLogLevel(envOr("GENESIS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	c.LogLevel = level

	if v := os.Getenv("GENESIS_MAX_TOOL_HOPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: GENESIS_MAX_TOOL_HOPS must be a positive integer, got %q", errInvalid, v)
		}
		c.MaxToolHops = n
	}
	if v := os.Getenv("GENESIS_MAX_TOOL_WINDOW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: GENESIS_MAX_TOOL_WINDOW must be a positive integer, got %q", errInvalid, v)
		}
		c.ToolWindow = n
	}
	if v := os.Getenv("GENESIS_HTTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("%w: GENESIS_HTTP_PORT must be a valid port, got %q", errInvalid, v)
		}
		c.HTTPPort = n
	}
	if v := os.Getenv("GENESIS_OFFLINE_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: GENESIS_OFFLINE_RETENTION must be a positive duration, got %q", errInvalid, v)
		}
		c.OfflineRetention = d
	}
	if v := os.Getenv("GENESIS_USE_NEW_MONITORING_TOPICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: GENESIS_USE_NEW_MONITORING_TOPICS must be a boolean, got %q", errInvalid, v)
		}
		c.UseNewMonitoringTopics = b
	}
	return c, nil
}

// HTTPAddr returns the listen address for the gateway.
func (c *Config) HTTPAddr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

// RequireLLM verifies a model provider is configured. Launchers map the
// returned error to ExitLLM.
func (c *Config) RequireLLM() error {
	if c.AnthropicKey == "" {
		return rpc.E(rpc.KindLLMUnavailable, "ANTHROPIC_API_KEY is not set")
	}
	return nil
}

// IsConfigError reports whether err came from configuration parsing.
func IsConfigError(err error) bool { return errors.Is(err, errInvalid) }

// ExitCodeFor classifies an error for the process exit status.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsConfigError(err):
		return ExitConfig
	case rpc.KindOf(err) == rpc.KindTransportUnavailable:
		return ExitTransport
	case rpc.KindOf(err) == rpc.KindLLMUnavailable:
		return ExitLLM
	default:
		return ExitError
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: GENESIS_LOG_LEVEL must be debug, info, warn, or error, got %q", errInvalid, s)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
