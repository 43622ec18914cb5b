package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10.0, cfg.Dispatch.Rate)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.SendTimeout)
	assert.Equal(t, "mock", cfg.Transport)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_RATE", "2.5")
	t.Setenv("DISPATCH_WORKERS", "16")
	t.Setenv("SEND_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Dispatch.Rate)
	assert.Equal(t, 16, cfg.Dispatch.Workers)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.SendTimeout)
}

func TestLoadRejectsMisconfiguredLimits(t *testing.T) {
	t.Setenv("DISPATCH_RATE", "0")
	t.Setenv("DISPATCH_MAX_IN_FLIGHT", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCH_RATE")
	assert.Contains(t, err.Error(), "DISPATCH_MAX_IN_FLIGHT")
}

func TestHTTPTransportNeedsGatewayURL(t *testing.T) {
	t.Setenv("TRANSPORT", "http")
	t.Setenv("GATEWAY_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_URL")
}

func TestLoadBadDuration(t *testing.T) {
	t.Setenv("SEND_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}
