package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codenamedpkt/wimlib/format"
)

func TestOpenWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Open("")
	require.NoError(t, err)

	ctype, err := cfg.CompressionType()
	require.NoError(t, err)
	require.Equal(t, format.CompressionXpress, ctype)
	require.True(t, cfg.CheckIntegrity())
	require.True(t, cfg.AllowRebuild())
	require.False(t, cfg.Recompress())

	min, max := cfg.VersionRange()
	require.Equal(t, "1.9.0", min)
	require.Equal(t, "1.14.0", max)
}

func TestOpenNonexistentPathFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Open(filepath.Join(dir, "missing-config.yml"))
	require.NoError(t, err)

	ctype, err := cfg.CompressionType()
	require.NoError(t, err)
	require.Equal(t, format.CompressionXpress, ctype)
}

func TestSaveAndReopenRoundTrips(t *testing.T) {
	cfg, err := Open("")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, cfg.Save(path))

	reopened, err := Open(path)
	require.NoError(t, err)
	ctype, err := reopened.CompressionType()
	require.NoError(t, err)
	require.Equal(t, format.CompressionXpress, ctype)
}
