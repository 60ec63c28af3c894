package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultMinTxnFee, cfg.MinTxnFee)
	_, err = os.Stat(path)
	require.NoError(t, err, "default file should have been written")

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadAppliesFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("DataDir = \"/tmp/sx\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/sx", cfg.DataDir)
	require.Equal(t, DefaultMinTxnFee, cfg.MinTxnFee)
	require.Equal(t, "sx-local", cfg.NetworkName)
}

func TestValidateRejectsZeroFee(t *testing.T) {
	cfg := Default()
	cfg.MinTxnFee = 0
	require.Error(t, cfg.Validate())
}
