package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, 64, cfg.HubQueueSize)
	assert.Equal(t, 2*time.Minute, cfg.HandoffTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.False(t, cfg.SMSEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"PORT":                 "8080",
		"HUB_QUEUE_SIZE":       "8",
		"CORS_ALLOWED_ORIGINS": "http://localhost:3000,https://ops.example",
		"TWILIO_ACCOUNT_SID":   "AC1",
		"TWILIO_AUTH_TOKEN":    "tok",
		"TWILIO_FROM":          "+1",
		"TWILIO_TO":            "+2",
	}))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 8, cfg.HubQueueSize)
	assert.Equal(t, []string{"http://localhost:3000", "https://ops.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.SMSEnabled())
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Parallel()

	_, err := load(context.Background(), envconfig.MapLookuper(map[string]string{"HUB_QUEUE_SIZE": "many"}))
	assert.Error(t, err)
}
