package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitFallsBackToDefaultsWithoutPath(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Init("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestInitLoadsFileOverridesAndIsIdempotent(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "config.json")
	raw, err := json.Marshal(map[string]interface{}{
		"volume":       "/data/volume",
		"db_string":    "/data/maestro.db",
		"testing_mode": true,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Init(path)
	require.NoError(t, err)
	require.Equal(t, "/data/volume", cfg.Volume)
	require.Equal(t, "/data/maestro.db", cfg.DBString)
	require.True(t, cfg.TestingMode)
	require.Equal(t, Defaults().MaxRetry, cfg.MaxRetry) // unset fields keep their default

	// a second Init call is a no-op, even with a different path.
	again, err := Init("")
	require.NoError(t, err)
	require.Equal(t, cfg, again)
	require.Equal(t, cfg, Get())
}
