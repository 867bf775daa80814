package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type envTestConfig struct {
	Port  int    `env:"CHATRELAY_TEST_PORT" envDefault:"123"`
	Label string `env:"CHATRELAY_TEST_LABEL" envDefault:"default"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	require.NoError(t, ParseEnv(&cfg))
	require.Equal(t, 123, cfg.Port)
	require.Equal(t, "default", cfg.Label)
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("CHATRELAY_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse env:")
}

func TestParseEnvLoadsDotenvWithoutOverridingProcessEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("CHATRELAY_TEST_LABEL=from-file\nCHATRELAY_TEST_PORT=456\n"), 0o600))
	t.Setenv("CHATRELAY_TEST_PORT", "789")
	t.Cleanup(func() { _ = os.Unsetenv("CHATRELAY_TEST_LABEL") })

	var cfg envTestConfig
	require.NoError(t, ParseEnv(&cfg, file))
	require.Equal(t, "from-file", cfg.Label)
	require.Equal(t, 789, cfg.Port)
}

func TestLoadDotenvSkipsMissingFiles(t *testing.T) {
	require.NoError(t, LoadDotenv(filepath.Join(t.TempDir(), "missing.env"), ""))
}
