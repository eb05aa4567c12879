package resume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWithNoManifestReturnsNilNil(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "image.wim")
	m, err := Load(archivePath)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "image.wim")

	m := New(1024, 1)
	m.RecordStream([]byte{1, 2, 3, 4, 5}, 500)
	m.RecordStream([]byte{6, 7, 8, 9, 10}, 600)

	require.NoError(t, Save(archivePath, m))

	loaded, err := Load(archivePath)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), loaded.OldEnd)
	require.Equal(t, uint32(1), loaded.Attempt)
	require.Len(t, loaded.Streams, 2)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, loaded.Streams[0].Hash)
	require.Equal(t, uint64(600), loaded.Streams[1].EncodedSize)
}

func TestRemoveIsIdempotent(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "image.wim")
	require.NoError(t, Save(archivePath, New(0, 1)))
	require.NoError(t, Remove(archivePath))
	require.NoError(t, Remove(archivePath))

	m, err := Load(archivePath)
	require.NoError(t, err)
	require.Nil(t, m)
}
