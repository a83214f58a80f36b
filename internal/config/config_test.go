package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesCompiledDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Chdir(t.TempDir())
	defer t.Chdir(wd)

	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, "tng.json", cfg.DocumentPath())
	require.Equal(t, "info", cfg.LogLevel())
	require.Equal(t, "text", cfg.LogFormat())
}

func TestBindFlagsOverridesDefault(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := New()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(fs))
	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))

	require.Equal(t, "debug", cfg.LogLevel())
}

func TestNewReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tng.yaml"), []byte("document: /etc/tng/custom.json\n"), 0o600))
	t.Chdir(dir)

	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, "/etc/tng/custom.json", cfg.DocumentPath())
}
