package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsEnvOnly(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.HTTPAddr)
	require.Equal(t, "mysql", cfg.DB.Driver)
	require.Equal(t, int64(100), cfg.Settlement.MaxTicketsPerTx)
	require.Equal(t, 20*time.Second, cfg.Verifier.Timeout)
	require.Equal(t, 30*time.Minute, cfg.Reconciler.PendingGrace)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
db:
  driver: sqlite
  dsn: file:test.db
settlement:
  max_tickets_per_tx: 25
  default_user_limit: 5
verifier:
  timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("RAFFLE_SETTLEMENT_DEFAULT_USER_LIMIT", "7")

	cfg, err := Load(path, false)
	require.NoError(t, err)

	require.Equal(t, "sqlite", cfg.DB.Driver)
	require.Equal(t, int64(25), cfg.Settlement.MaxTicketsPerTx)
	require.Equal(t, int64(7), cfg.Settlement.DefaultUserLimit)
	// below the allowed bound, clamped up
	require.Equal(t, MinVerifierTimeout, cfg.Verifier.Timeout)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("RAFFLE_DB_DRIVER", "postgres")
	_, err := Load("", true)
	require.Error(t, err)
}
