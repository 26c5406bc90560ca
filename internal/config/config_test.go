package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FRONTEND_URL", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.UsageWindow)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimit.WindowDuration)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.True(t, cfg.ConversationLog.Enabled)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadAdminEmails(t *testing.T) {
	t.Setenv("ADMIN_EMAILS", "queen@example.com, ,king@example.com ")
	t.Setenv("USAGE_WINDOW", "1h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"queen@example.com", "king@example.com"}, cfg.AdminEmails)
	assert.Equal(t, time.Hour, cfg.UsageWindow)
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://throne.example/")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://throne.example"}, cfg.AllowedOrigins())
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.Validate())
}

func TestLoadClient(t *testing.T) {
	t.Setenv("THRONE_SERVER", "http://throne.test")
	c, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "http://throne.test", c.Server)
	assert.Equal(t, "./throne-state.db", c.State)
}
