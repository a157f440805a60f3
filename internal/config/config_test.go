package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "embersync", cfg.AppName)
	assert.NotEmpty(t, cfg.DeviceName)
	assert.Equal(t, "4.0.0", cfg.MinServerVersion)
	assert.Empty(t, cfg.MaxServerVersion)
	assert.True(t, cfg.AutoLogin)
	assert.False(t, cfg.RequireHTTPS)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoad_RejectsShortSyncInterval(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("SYNC_INTERVAL", "10s")

	_, err := Load()
	assert.ErrorContains(t, err, "SYNC_INTERVAL")
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

func TestCapabilities_ParsesCommandList(t *testing.T) {
	cfg := &Config{
		SupportsSync:      true,
		SupportedCommands: "DisplayMessage, Play,  ,Pause",
	}

	caps := cfg.Capabilities()
	assert.True(t, caps.SupportsSync)
	assert.Equal(t, []string{"DisplayMessage", "Play", "Pause"}, caps.SupportedCommands)
}

func TestCapabilities_EmptyCommandList(t *testing.T) {
	caps := (&Config{}).Capabilities()
	assert.Nil(t, caps.SupportedCommands)
}
