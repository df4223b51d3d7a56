package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminHex = "0x00000000000000000000000000000000000000aa"

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := writeTOML(t, `
mode = "serve"

[marketplace]
admin = "`+adminHex+`"

[snapshot]
every = 25
archive_interval = "1m"
`)
	t.Setenv("NFTMARKET_SERVER_PORT", "9090")
	t.Setenv("NFTMARKET_NOTIFY_EVENTS", "sale_completed, withdrawal")
	t.Setenv("NFTMARKET_POSTGRES_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "NFTMarketPlace", cfg.Marketplace.Name)
	assert.Equal(t, adminHex, cfg.AdminAddress().Hex())
	assert.Equal(t, 25, cfg.Snapshot.Every)
	assert.Equal(t, time.Minute, cfg.Snapshot.ArchiveInterval.Duration)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"sale_completed", "withdrawal"}, cfg.Notify.Events)

	red := RedactedConfig(cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTOML(t, `
[marketplace]
admn = "typo"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "marketplace.admn")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Payout.Mode = "eth"
	cfg.Notify.Events = []string{"order_filled"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"marketplace: admin",
		"wallet: either private_key or encrypted_key_path",
		`notify: unknown event "order_filled"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateZeroAdmin(t *testing.T) {
	cfg := Defaults()
	cfg.Marketplace.Admin = "0x0000000000000000000000000000000000000000"
	require.ErrorContains(t, cfg.Validate(), "zero address")
}
