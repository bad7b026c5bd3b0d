package persist

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContainer(t *testing.T) *BackupContainer {
	t.Helper()
	c := &BackupContainer{
		BackupID:      "backup-test-1",
		CreatedAt:     time.Now(),
		EngineVersion: "1.0.0",
		FormatVersion: "1.0",
		Catalog:       []byte(`{"records":[]}`),
		Blobs: map[string][]byte{
			"obj-a": []byte("ciphertext-a"),
			"obj-b": []byte("ciphertext-b"),
		},
	}
	c.Checksum = c.ComputeChecksum()
	return c
}

func TestBackupContainerChecksumStable(t *testing.T) {
	c := testContainer(t)
	require.Equal(t, c.ComputeChecksum(), c.ComputeChecksum())
}

func TestBackupContainerChecksumDetectsChanges(t *testing.T) {
	base := testContainer(t).ComputeChecksum()

	t.Run("catalog change", func(t *testing.T) {
		c := testContainer(t)
		c.Catalog = []byte(`{"records":[1]}`)
		assert.NotEqual(t, base, c.ComputeChecksum())
	})

	t.Run("blob change", func(t *testing.T) {
		c := testContainer(t)
		c.Blobs["obj-a"] = []byte("tampered")
		assert.NotEqual(t, base, c.ComputeChecksum())
	})

	t.Run("blob renamed", func(t *testing.T) {
		c := testContainer(t)
		c.Blobs["obj-c"] = c.Blobs["obj-a"]
		delete(c.Blobs, "obj-a")
		assert.NotEqual(t, base, c.ComputeChecksum())
	})

	t.Run("blob removed", func(t *testing.T) {
		c := testContainer(t)
		delete(c.Blobs, "obj-b")
		assert.NotEqual(t, base, c.ComputeChecksum())
	})
}

func TestBackupContainerValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, testContainer(t).Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		c := testContainer(t)
		c.BackupID = ""
		require.Error(t, c.Validate())
	})

	t.Run("missing catalog", func(t *testing.T) {
		c := testContainer(t)
		c.Catalog = nil
		require.Error(t, c.Validate())
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		c := testContainer(t)
		c.Blobs["obj-a"] = []byte("tampered after checksum")
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum mismatch")
	})
}

func TestConcurrencyError(t *testing.T) {
	err := ConcurrencyError{ExpectedVersion: "aaa", ActualVersion: "bbb", Operation: "SaveCatalog"}
	assert.Contains(t, err.Error(), "SaveCatalog")
	assert.Contains(t, err.Error(), "aaa")
	assert.Contains(t, err.Error(), "bbb")
	assert.True(t, err.IsConcurrencyError())
}

func TestBusyError(t *testing.T) {
	err := BusyError{Path: "/tmp/x/.lock"}
	assert.Contains(t, err.Error(), "/tmp/x/.lock")
	assert.True(t, err.IsBusyError())
}

func TestNewStore(t *testing.T) {
	t.Run("filesystem", func(t *testing.T) {
		s, err := NewStore(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": t.TempDir()},
		})
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, "filesystem", s.GetType())
	})

	t.Run("bolt", func(t *testing.T) {
		s, err := NewStore(StoreConfig{
			Type:   StoreTypeBolt,
			Config: map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "store.db")},
		})
		require.NoError(t, err)
		defer s.Close()
		assert.Equal(t, "bolt", s.GetType())
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := NewStore(StoreConfig{})
		require.Error(t, err)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "redis"})
		require.Error(t, err)
	})
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("catalog round trip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		exists, err := s.CatalogExists()
		require.NoError(t, err)
		assert.False(t, exists)

		v1, err := s.SaveCatalog([]byte(`{"v":1}`), "")
		require.NoError(t, err)
		require.NotEmpty(t, v1)

		loaded, err := s.LoadCatalog()
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"v":1}`), loaded.Data)
		assert.Equal(t, v1, loaded.Version)

		exists, err = s.CatalogExists()
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("catalog version conflict", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		v1, err := s.SaveCatalog([]byte(`{"v":1}`), "")
		require.NoError(t, err)

		_, err = s.SaveCatalog([]byte(`{"v":2}`), v1)
		require.NoError(t, err)

		// Stale version must be rejected
		_, err = s.SaveCatalog([]byte(`{"v":3}`), v1)
		require.Error(t, err)
		var ce ConcurrencyError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, v1, ce.ExpectedVersion)
	})

	t.Run("salt round trip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		exists, err := s.SaltExists()
		require.NoError(t, err)
		assert.False(t, exists)

		salt := make([]byte, 16)
		_, err = rand.Read(salt)
		require.NoError(t, err)

		require.NoError(t, s.SaveSalt(salt))

		loaded, err := s.LoadSalt()
		require.NoError(t, err)
		assert.Equal(t, salt, loaded)
	})

	t.Run("blob lifecycle", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.WriteBlob("blob-1", []byte("payload-1")))
		require.NoError(t, s.WriteBlob("blob-2", []byte("payload-2")))

		data, err := s.ReadBlob("blob-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload-1"), data)

		exists, err := s.BlobExists("blob-1")
		require.NoError(t, err)
		assert.True(t, exists)

		ids, err := s.ListBlobs()
		require.NoError(t, err)
		assert.Equal(t, []string{"blob-1", "blob-2"}, ids)

		require.NoError(t, s.RemoveBlob("blob-1"))
		exists, err = s.BlobExists("blob-1")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = s.ReadBlob("blob-1")
		require.Error(t, err)
	})

	t.Run("erase blob", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		require.NoError(t, s.WriteBlob("doomed", []byte("secret bytes")))
		require.NoError(t, s.EraseBlob("doomed", 3, rand.Reader))

		exists, err := s.BlobExists("doomed")
		require.NoError(t, err)
		assert.False(t, exists)

		// Erasing again must fail
		require.Error(t, s.EraseBlob("doomed", 3, rand.Reader))
	})

	t.Run("rejects hostile blob ids", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		for _, id := range []string{"", "../escape", "a/b", "a\\b"} {
			require.Error(t, s.WriteBlob(id, []byte("x")), "id %q", id)
		}
	})

	t.Run("backup lifecycle", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		container := testContainer(t)
		path, err := s.SaveBackup("contract-backup", container)
		require.NoError(t, err)
		require.NotEmpty(t, path)

		loaded, err := s.LoadBackup("contract-backup")
		require.NoError(t, err)
		assert.Equal(t, container.BackupID, loaded.BackupID)
		assert.Equal(t, container.Blobs, loaded.Blobs)

		infos, err := s.ListBackups()
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, container.BackupID, infos[0].BackupID)
		assert.Equal(t, 2, infos[0].ObjectCount)
		assert.True(t, infos[0].IsValid)

		require.NoError(t, s.DeleteBackup(container.BackupID))
		infos, err = s.ListBackups()
		require.NoError(t, err)
		assert.Empty(t, infos)

		require.Error(t, s.DeleteBackup(container.BackupID))
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		require.NoError(t, s.Ping())
	})
}

func TestFileSystemStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewFileSystemStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestBoltStoreContract(t *testing.T) {
	i := 0
	runStoreContract(t, func(t *testing.T) Store {
		i++
		s, err := NewBoltStore(filepath.Join(t.TempDir(), fmt.Sprintf("store-%d.db", i)))
		require.NoError(t, err)
		return s
	})
}
