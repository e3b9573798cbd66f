package config

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-runtime/genesis/pkg/rpc"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GENESIS_DOMAIN", "GENESIS_TOOL_CHOICE", "GENESIS_LOG_LEVEL",
		"GENESIS_MAX_TOOL_HOPS", "GENESIS_MAX_TOOL_WINDOW",
		"GENESIS_USE_NEW_MONITORING_TOPICS", "GENESIS_PG_DSN",
		"GENESIS_HTTP_PORT", "GENESIS_OFFLINE_RETENTION",
		"GENESIS_ANTHROPIC_MODEL", "ANTHROPIC_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultDomain, c.Domain)
	assert.Equal(t, "auto", c.ToolChoice)
	assert.Equal(t, slog.LevelInfo, c.LogLevel)
	assert.Equal(t, DefaultMaxToolHops, c.MaxToolHops)
	assert.Equal(t, DefaultToolWindow, c.ToolWindow)
	assert.Equal(t, DefaultHTTPPort, c.HTTPPort)
	assert.Equal(t, DefaultOfflineRetention, c.OfflineRetention)
	assert.False(t, c.UseNewMonitoringTopics)
	assert.Empty(t, c.PGDSN)
	assert.Equal(t, ":8080", c.HTTPAddr())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GENESIS_DOMAIN", "staging")
	t.Setenv("GENESIS_TOOL_CHOICE", "REQUIRED")
	t.Setenv("GENESIS_LOG_LEVEL", "debug")
	t.Setenv("GENESIS_MAX_TOOL_HOPS", "3")
	t.Setenv("GENESIS_MAX_TOOL_WINDOW", "5")
	t.Setenv("GENESIS_USE_NEW_MONITORING_TOPICS", "true")
	t.Setenv("GENESIS_PG_DSN", "postgres://localhost/genesis")
	t.Setenv("GENESIS_HTTP_PORT", "9090")
	t.Setenv("GENESIS_OFFLINE_RETENTION", "90s")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "staging", c.Domain)
	assert.Equal(t, "required", c.ToolChoice)
	assert.Equal(t, slog.LevelDebug, c.LogLevel)
	assert.Equal(t, 3, c.MaxToolHops)
	assert.Equal(t, 5, c.ToolWindow)
	assert.True(t, c.UseNewMonitoringTopics)
	assert.Equal(t, "postgres://localhost/genesis", c.PGDSN)
	assert.Equal(t, 9090, c.HTTPPort)
	assert.Equal(t, 90*time.Second, c.OfflineRetention)
	assert.NoError(t, c.RequireLLM())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"GENESIS_TOOL_CHOICE":               "maybe",
		"GENESIS_LOG_LEVEL":                 "loud",
		"GENESIS_MAX_TOOL_HOPS":             "zero",
		"GENESIS_MAX_TOOL_WINDOW":           "-1",
		"GENESIS_HTTP_PORT":                 "99999",
		"GENESIS_OFFLINE_RETENTION":         "ten minutes",
		"GENESIS_USE_NEW_MONITORING_TOPICS": "probably",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestRequireLLM(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	require.NoError(t, err)

	err = c.RequireLLM()
	require.Error(t, err)
	assert.Equal(t, rpc.KindLLMUnavailable, rpc.KindOf(err))
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCodeFor(nil))

	clearEnv(t)
	t.Setenv("GENESIS_TOOL_CHOICE", "maybe")
	_, cfgErr := Load()
	assert.Equal(t, ExitConfig, ExitCodeFor(cfgErr))

	assert.Equal(t, ExitTransport, ExitCodeFor(rpc.E(rpc.KindTransportUnavailable, "down")))
	assert.Equal(t, ExitLLM, ExitCodeFor(rpc.E(rpc.KindLLMUnavailable, "no key")))
	assert.Equal(t, ExitError, ExitCodeFor(errors.New("something else")))
}
