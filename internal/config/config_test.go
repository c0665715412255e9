package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GALAXY_RELAY_MODE", "")
	t.Setenv("GALAXY_SEND_QUEUE_SIZE", "")

	cfg := Load()
	assert.Equal(t, RelayModeAuto, cfg.RelayMode)
	assert.Equal(t, 64, cfg.SendQueueSize)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, "galaxydocs", cfg.JWTIssuer)
	assert.Equal(t, time.Hour, cfg.ReplicaCacheTTL)
}

func TestAppURLTrailingSlash(t *testing.T) {
	t.Setenv("GALAXY_APP_URL", "https://docs.example.com/")
	assert.Equal(t, "https://docs.example.com", Load().AppURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GALAXY_RELAY_MODE", " CRDT ")
	t.Setenv("GALAXY_SEND_QUEUE_SIZE", "8")
	t.Setenv("GALAXY_PERSIST_TIMEOUT_SECONDS", "2")

	cfg := Load()
	assert.Equal(t, RelayModeCRDT, cfg.RelayMode)
	assert.Equal(t, 8, cfg.SendQueueSize)
	assert.Equal(t, 2*time.Second, cfg.PersistTimeout)
}

func TestGetenvIntRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  int
	}{
		{name: "not a number", value: "abc", want: 7},
		{name: "zero", value: "0", want: 7},
		{name: "negative", value: "-3", want: 7},
		{name: "valid", value: "12", want: 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("GALAXY_TEST_INT", tc.value)
			assert.Equal(t, tc.want, getenvInt("GALAXY_TEST_INT", 7))
		})
	}
}

func TestNormalizeRelayModeFallsBackToAuto(t *testing.T) {
	assert.Equal(t, RelayModeAuto, normalizeRelayMode("websocket"))
	assert.Equal(t, RelayModeContent, normalizeRelayMode("content"))
}

func TestHTTPLimits(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 15*time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, int64(10<<20), cfg.MaxBodyBytes)

	t.Setenv("RATE_LIMIT_WINDOW_MS", "60000")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "5")
	cfg = Load()
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 5, cfg.RateLimitMax)
}
