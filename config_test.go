package signup_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	signup "github.com/jedanetworks/go-signup"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := signup.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "http://localhost:5000/api", cfg.APIURL)
	assert.Equal(t, "http://localhost:5000/api/auth/google", cfg.IdentityURL)
	assert.Equal(t, signup.StoreMemory, cfg.Store)
	assert.Equal(t, 10*time.Minute, cfg.PendingTTL)
	assert.Equal(t, 10*time.Second, cfg.Watchdog)
	assert.Equal(t, 30*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, "TZ", cfg.PhoneRegion)
	assert.Equal(t, "/auth/google/register", cfg.RegistrationURL())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SIGNUP_API_URL", "https://api.isafari.example/api/")
	t.Setenv("SIGNUP_ROUTE_PREFIX", "signup/")
	t.Setenv("SIGNUP_STORE", "Redis")
	t.Setenv("SIGNUP_PENDING_TTL", "5m")
	t.Setenv("SIGNUP_SETTLE_DELAY", "0s")
	t.Setenv("SIGNUP_PHONE_REGION", "ke")

	cfg, err := signup.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://api.isafari.example/api", cfg.APIURL)
	assert.Equal(t, "https://api.isafari.example/api/auth/google", cfg.IdentityURL)
	assert.Equal(t, "/signup", cfg.RoutePrefix)
	assert.Equal(t, signup.StoreRedis, cfg.Store)
	assert.Equal(t, 5*time.Minute, cfg.PendingTTL)
	assert.Equal(t, time.Duration(0), cfg.SettleDelay)
	assert.Equal(t, "KE", cfg.PhoneRegion)
}

func TestLoadConfigExplicitIdentityURL(t *testing.T) {
	t.Setenv("SIGNUP_IDENTITY_URL", "https://id.example.com/google")

	cfg, err := signup.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://id.example.com/google", cfg.IdentityURL)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"unknown store":   {"SIGNUP_STORE", "mongo"},
		"zero watchdog":   {"SIGNUP_WATCHDOG", "0s"},
		"bad duration":    {"SIGNUP_COMPLETION_TIMEOUT", "soon"},
		"negative settle": {"SIGNUP_SETTLE_DELAY", "-1s"},
		"zero sweep":      {"SIGNUP_SWEEP_INTERVAL", "0s"},
		"short csrf key":  {"SIGNUP_CSRF_KEY", "too-short"},
	}

	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := signup.LoadConfig()
			assert.Error(t, err)
		})
	}
}
