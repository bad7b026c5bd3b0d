package shred

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEraseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("sensitive payload"), 0600))

	require.NoError(t, Erase(path, 3, rand.Reader))

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "erased file should be gone")
}

func TestEraseOverwritesContent(t *testing.T) {
	original := bytes.Repeat([]byte("qstore-secret-"), 512)
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, original, 0600))

	// Hold an open descriptor across the unlink so the inode stays readable
	// and the final overwrite pattern can be inspected.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Erase(path, 3, rand.Reader))

	got := make([]byte, len(original))
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)

	require.NotEqual(t, original, got, "original bytes must not survive the overwrite")
	require.Equal(t, bytes.Repeat([]byte{0x00}, len(original)), got,
		"final pass writes zeros across the full length")
}

func TestEraseMissingFile(t *testing.T) {
	err := Erase(filepath.Join(t.TempDir(), "nope.bin"), 3, rand.Reader)
	require.Error(t, err)
}

func TestEraseClampsToTwoPasses(t *testing.T) {
	original := []byte("short-lived secret")
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, original, 0600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	// A request for a single pass is raised to two, so the last pattern to
	// hit the media is the 0xFF fill of pass two.
	require.NoError(t, Erase(path, 1, rand.Reader))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	got := make([]byte, len(original))
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, len(original)), got)
}
