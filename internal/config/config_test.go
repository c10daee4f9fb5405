package config

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load(quietLogger())
	assert.Equal(t, "8080", cfg.Port, "Port should default for local development")
	assert.False(t, cfg.Production, "Environment should default to development")
	assert.Empty(t, cfg.TurnServers, "No TURN servers should be configured by default")
	assert.True(t, cfg.PublicSTUNPermitted(), "Public STUN should be permitted outside production")
}

func TestLoadTurnServers(t *testing.T) {
	t.Setenv("RELAY_TURN_SERVERS", "turn:eu.example.com:3478|user|pass, turn:us.example.com:3478|u2|p2")
	cfg := Load(quietLogger())

	require.Len(t, cfg.TurnServers, 2, "Both complete triplets should load")
	assert.Equal(t, "turn:eu.example.com:3478", cfg.TurnServers[0].URL, "URL should parse")
	assert.Equal(t, "user", cfg.TurnServers[0].Username, "Username should parse")
	assert.Equal(t, "pass", cfg.TurnServers[0].Credential, "Credential should parse")
}

func TestLoadDropsPartialTurnEntries(t *testing.T) {
	t.Setenv("RELAY_TURN_SERVERS", "turn:eu.example.com:3478|user|pass,turn:broken.example.com:3478|useronly,|x|y")
	cfg := Load(quietLogger())

	require.Len(t, cfg.TurnServers, 1, "Partial triplets should be dropped, not half activated")
	assert.Equal(t, "turn:eu.example.com:3478", cfg.TurnServers[0].URL, "The complete entry should survive")
}

func TestPublicSTUNGatedInProduction(t *testing.T) {
	t.Setenv("RELAY_ENV", "production")
	cfg := Load(quietLogger())
	assert.True(t, cfg.Production, "Production flag should be set")
	assert.False(t, cfg.PublicSTUNPermitted(), "Public STUN should be denied in production by default")

	t.Setenv("RELAY_ALLOW_PUBLIC_STUN", "1")
	cfg = Load(quietLogger())
	assert.True(t, cfg.PublicSTUNPermitted(), "Explicit override should permit public STUN")
}

func TestLoadAllowedOrigins(t *testing.T) {
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://beam.example.com, https://app.example.com ,")
	cfg := Load(quietLogger())
	assert.Equal(t, []string{"https://beam.example.com", "https://app.example.com"}, cfg.AllowedOrigins,
		"Origins should be split and trimmed")
}
