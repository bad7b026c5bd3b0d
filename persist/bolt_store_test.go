package persist

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewBoltStoreRequiresPath(t *testing.T) {
	_, err := NewBoltStore("")
	require.Error(t, err)
}

func TestBoltStoreSingleFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	s, err := NewBoltStore(dbPath)
	require.NoError(t, err)

	_, err = s.SaveCatalog([]byte(`{"v":1}`), "")
	require.NoError(t, err)
	require.NoError(t, s.WriteBlob("a", []byte("payload")))
	require.NoError(t, s.SaveSalt([]byte("0123456789abcdef")))
	require.NoError(t, s.Close())

	// Everything lives in the one database file
	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	// Reopen and confirm durability
	s2, err := NewBoltStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	loaded, err := s2.LoadCatalog()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), loaded.Data)

	data, err := s2.ReadBlob("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	salt, err := s2.LoadSalt()
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), salt)
}

func TestBoltStoreBusyOnConcurrentOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	s1, err := NewBoltStore(dbPath)
	require.NoError(t, err)
	defer s1.Close()

	_, err = NewBoltStore(dbPath)
	require.Error(t, err)
	var be BusyError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, dbPath, be.Path)
}

func TestBoltStoreEraseDeletesKey(t *testing.T) {
	s := newTestBolt(t)

	require.NoError(t, s.WriteBlob("doomed", []byte("sensitive")))
	require.NoError(t, s.EraseBlob("doomed", 3, rand.Reader))

	err := s.db.View(func(tx *bolt.Tx) error {
		assert.Nil(t, tx.Bucket(bucketBlobs).Get([]byte("doomed")))
		return nil
	})
	require.NoError(t, err)
}

func TestBoltStoreLockIsImplicit(t *testing.T) {
	s := newTestBolt(t)
	require.NoError(t, s.Lock())
	require.NoError(t, s.Unlock())
}

func TestBoltStoreLoadCatalogMissing(t *testing.T) {
	s := newTestBolt(t)
	_, err := s.LoadCatalog()
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
