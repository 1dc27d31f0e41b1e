package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("STRIPE_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("POSTGRES_URI", "postgres://localhost/atelier")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123")
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ENV", "")
	setRequired(t)

	c, err := Load()
	require.NoError(t, err)
	assert.False(t, c.Production())
	assert.Equal(t, ":42069", c.ListenAddr)
	assert.Equal(t, []string{"*"}, c.AllowOrigins)
	assert.Equal(t, 8, c.BillingConcurrency)
	assert.Equal(t, "0 0 1 * *", c.BillingSchedule)
	assert.Equal(t, 15*time.Second, c.DispatchInterval)
}

func TestLoadRequiresSecrets(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ENV", "")
	setRequired(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	os.Unsetenv("STRIPE_WEBHOOK_SECRET")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestLoadReadsDotFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("ENV", EnvProduction)
	setRequired(t)
	t.Setenv("LISTEN_ADDR", ":9000")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.production"), []byte(
		"LISTEN_ADDR=:8080\nBILLING_CONCURRENCY=2\n",
	), 0o600))
	// godotenv only fills variables missing from the environment
	os.Unsetenv("BILLING_CONCURRENCY")
	t.Cleanup(func() {
		os.Unsetenv("BILLING_CONCURRENCY")
	})

	c, err := Load()
	require.NoError(t, err)
	assert.True(t, c.Production())
	assert.Equal(t, ":9000", c.ListenAddr)
	assert.Equal(t, 2, c.BillingConcurrency)
}

// chdir mirrors testing.T.Chdir (Go 1.24+): change directory and restore it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
