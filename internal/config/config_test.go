package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigShippedFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "qualifying_events", cfg.Kafka.Topic.QualifyingEvents)
	assert.Equal(t, 48*time.Hour, cfg.Business.ManualLinkWindow())
	assert.Equal(t, time.Hour, cfg.Business.PayoutStaleAfter())
	assert.Equal(t, 3, cfg.Business.MultiTier.MaxDepth)

	assert.EqualValues(t, 6, cfg.Business.Currencies["USDT"])
	assert.EqualValues(t, 8, cfg.Business.Currencies["BTC"])
	_, lower := cfg.Business.Currencies["usd"]
	assert.False(t, lower)

	require.Contains(t, cfg.Business.PayoutMethods, "pix")
	assert.Equal(t, "fixed", cfg.Business.PayoutMethods["pix"].FeeType)
	assert.Equal(t, "8.50", cfg.Business.PayoutMethods["pix"].FeeValue)
	assert.Len(t, cfg.Business.DefaultRates, 8)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AFFLEDGER_SERVER_PORT", "9191")
	t.Setenv("AFFLEDGER_DATABASE_DRIVER", "sqlite")

	cfg, err := LoadConfig(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "CBB-AFC", cfg.Business.AffiliateCodePrefix)
	assert.Equal(t, 5, cfg.Business.MaxRetryCount)
	assert.EqualValues(t, 2, cfg.Business.Currencies["USD"])
	assert.Empty(t, cfg.Business.PayoutMethods)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
