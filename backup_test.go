package qstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/qstore/persist"
)

// rewriteBackup loads a backup file, hands the container to mutate and
// writes the result back.
func rewriteBackup(t *testing.T, path string, mutate func(*persist.BackupContainer)) {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var container persist.BackupContainer
	require.NoError(t, json.Unmarshal(data, &container))

	mutate(&container)

	out, err := json.MarshalIndent(&container, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0600))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)

	id1, err := e.Store([]byte("first object"), map[string]string{"n": "1"})
	require.NoError(t, err)
	id2, err := e.Store([]byte("second object"), map[string]string{"n": "2"})
	require.NoError(t, err)

	backupPath, err := e.Backup(filepath.Join(t.TempDir(), "snapshot"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(backupPath))
	assert.Equal(t, ".qsb", filepath.Ext(backupPath))

	// Diverge from the snapshot: drop one object, add another
	require.NoError(t, e.Delete(id2, true))
	id3, err := e.Store([]byte("post-backup object"), nil)
	require.NoError(t, err)

	require.NoError(t, e.Restore(backupPath))

	// The snapshot state is back in full
	data, info, err := e.Retrieve(id1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first object"), data)
	assert.Equal(t, "1", info.Metadata["n"])

	data, _, err = e.Retrieve(id2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second object"), data)

	// Restore replaces everything, so the post-backup object is gone
	_, _, err = e.Retrieve(id3)
	assert.True(t, errors.Is(err, ErrNotFound))

	count, err := e.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBackupContentIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Store([]byte("stable content"), map[string]string{"k": "v"})
	require.NoError(t, err)

	load := func(path string) persist.BackupContainer {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var c persist.BackupContainer
		require.NoError(t, json.Unmarshal(data, &c))
		return c
	}

	p1, err := e.Backup(filepath.Join(t.TempDir(), "one"))
	require.NoError(t, err)
	p2, err := e.Backup(filepath.Join(t.TempDir(), "two"))
	require.NoError(t, err)

	c1, c2 := load(p1), load(p2)

	// Blobs are copied verbatim, so repeated backups of an unchanged store
	// carry identical ciphertext and identical records
	assert.Equal(t, c1.Blobs, c2.Blobs)
	assert.NotEqual(t, c1.BackupID, c2.BackupID)

	cat1, err := decodeCatalog(c1.Catalog, "")
	require.NoError(t, err)
	cat2, err := decodeCatalog(c2.Catalog, "")
	require.NoError(t, err)
	assert.Equal(t, cat1.records, cat2.records)
}

func TestRestoreRejectsCorruptBackup(t *testing.T) {
	e, _ := newTestEngine(t)

	id, err := e.Store([]byte("protected content"), nil)
	require.NoError(t, err)

	t.Run("checksum mismatch", func(t *testing.T) {
		path, err := e.Backup(filepath.Join(t.TempDir(), "b"))
		require.NoError(t, err)

		rewriteBackup(t, path, func(c *persist.BackupContainer) {
			for blobID := range c.Blobs {
				c.Blobs[blobID][0] ^= 0x01
				break
			}
			// Checksum left as-is, so the load-time validation trips
		})

		err = e.Restore(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackupInconsistent))
	})

	t.Run("tampered blob with recomputed checksum", func(t *testing.T) {
		path, err := e.Backup(filepath.Join(t.TempDir(), "b"))
		require.NoError(t, err)

		rewriteBackup(t, path, func(c *persist.BackupContainer) {
			for blobID := range c.Blobs {
				c.Blobs[blobID][0] ^= 0x01
				break
			}
			c.Checksum = c.ComputeChecksum()
		})

		// Structurally valid, but the record's tag no longer verifies
		err = e.Restore(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackupInconsistent))
	})

	t.Run("missing blob", func(t *testing.T) {
		path, err := e.Backup(filepath.Join(t.TempDir(), "b"))
		require.NoError(t, err)

		rewriteBackup(t, path, func(c *persist.BackupContainer) {
			for blobID := range c.Blobs {
				delete(c.Blobs, blobID)
				break
			}
			c.Checksum = c.ComputeChecksum()
		})

		err = e.Restore(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackupInconsistent))
	})

	t.Run("missing file", func(t *testing.T) {
		err := e.Restore(filepath.Join(t.TempDir(), "does-not-exist"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackupInconsistent))
	})

	// Every failed restore left the store untouched
	data, _, err := e.Retrieve(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("protected content"), data)
}

func TestRestoreRejectsBackupFromDifferentKey(t *testing.T) {
	// Backup taken under one key
	source := newTestEnv(t)
	src := source.open(t)
	_, err := src.Store([]byte("foreign data"), nil)
	require.NoError(t, err)
	path, err := src.Backup(filepath.Join(t.TempDir(), "foreign"))
	require.NoError(t, err)
	require.NoError(t, src.Close())

	// Restored into a store with different key material
	e, _ := newTestEngine(t)
	existing, err := e.Store([]byte("local data"), nil)
	require.NoError(t, err)

	err = e.Restore(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackupInconsistent))

	// Local state untouched
	data, _, err := e.Retrieve(existing)
	require.NoError(t, err)
	assert.Equal(t, []byte("local data"), data)
}

func TestBackupBareNameLandsInStore(t *testing.T) {
	e, env := newTestEngine(t)

	_, err := e.Store([]byte("data"), nil)
	require.NoError(t, err)

	path, err := e.Backup("nightly")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.storePath, "backups", "nightly.qsb"), path)
}

func TestListAndDeleteBackups(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Store([]byte("one"), nil)
	require.NoError(t, err)
	_, err = e.Store([]byte("two"), nil)
	require.NoError(t, err)

	infos, err := e.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, infos)

	_, err = e.Backup("first")
	require.NoError(t, err)
	_, err = e.Backup("second")
	require.NoError(t, err)

	infos, err = e.ListBackups()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.NotEmpty(t, info.BackupID)
		assert.Equal(t, 2, info.ObjectCount)
		assert.Equal(t, Version, info.EngineVersion)
		assert.Greater(t, info.FileSize, int64(0))
	}

	require.NoError(t, e.DeleteBackup(infos[0].BackupID))

	infos, err = e.ListBackups()
	require.NoError(t, err)
	require.Len(t, infos, 1)

	err = e.DeleteBackup("no-such-backup")
	require.Error(t, err)
}

func TestBackupOnClosedEngine(t *testing.T) {
	env := newTestEnv(t)
	e := env.open(t)
	require.NoError(t, e.Close())

	_, err := e.Backup("x")
	require.Error(t, err)
	err = e.Restore("x")
	require.Error(t, err)
}
