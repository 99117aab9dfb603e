package llvm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pybpfc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "llc: /usr/lib/llvm-18/bin/llc\nopt_level: 3\ncpu: v3\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/llvm-18/bin/llc", cfg.LLC)
	require.NotNil(t, cfg.OptLevel)
	require.Equal(t, 3, *cfg.OptLevel)
	require.Equal(t, "v3", cfg.CPU)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "cpu: v2\n"))
	require.NoError(t, err)
	require.Empty(t, cfg.LLC)
	require.Nil(t, cfg.OptLevel)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "llc: [\n"))
		require.Error(t, err)
	})
	t.Run("opt level out of range", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "opt_level: 9\n"))
		require.Error(t, err)
	})
	t.Run("disallowed binary", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "llc: /bin/sh\n"))
		require.Error(t, err)
	})
}

func TestValidateBinary(t *testing.T) {
	require.NoError(t, ValidateBinary("llc"))
	require.NoError(t, ValidateBinary("/usr/bin/llc"))
	require.NoError(t, ValidateBinary("/opt/llvm/bin/llc-18"))
	require.NoError(t, ValidateBinary("llc-17.0.6"))

	require.Error(t, ValidateBinary("clang"))
	require.Error(t, ValidateBinary("llc-notaversion"))
	require.Error(t, ValidateBinary("llc; rm -rf /"))
	require.Error(t, ValidateBinary("llc$PATH"))
}
