package qstore

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/qstore/internal/misc"
	"southwinds.dev/qstore/persist"
)

// newEnclaveFromCopy seals a copy, since memguard wipes the slice it is
// given.
func newEnclaveFromCopy(b []byte) *memguard.Enclave {
	return memguard.NewEnclave(append([]byte(nil), b...))
}

func openEnclave(t *testing.T, km *keyMaterial) (cipherKey, macKey []byte) {
	t.Helper()

	cb, err := km.cipherKey.Open()
	require.NoError(t, err)
	cipherKey = append([]byte(nil), cb.Bytes()...)
	cb.Destroy()

	mb, err := km.macKey.Open()
	require.NoError(t, err)
	macKey = append([]byte(nil), mb.Bytes()...)
	mb.Destroy()

	return cipherKey, macKey
}

func TestLoadOrCreateKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.key")
	random := NewSystemRandomSource()

	enclave, created, err := loadOrCreateKeyFile(path, random)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, enclave)

	// File exists, base64 encoded, right length, restrictive permissions
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(string(data[:len(data)-1]))
	require.NoError(t, err)
	assert.Len(t, decoded, misc.KeySize)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(misc.FilePermissions), info.Mode().Perm())
	}

	// Second load returns the same key without recreating
	enclave2, created2, err := loadOrCreateKeyFile(path, random)
	require.NoError(t, err)
	assert.False(t, created2)

	b1, err := enclave.Open()
	require.NoError(t, err)
	defer b1.Destroy()
	b2, err := enclave2.Open()
	require.NoError(t, err)
	defer b2.Destroy()
	assert.Equal(t, b1.Bytes(), b2.Bytes())
}

func TestLoadKeyFileCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"whitespace only", "  \n"},
		{"not base64", "!!!not-base64!!!\n"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")) + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store.key")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, _, err := loadOrCreateKeyFile(path, NewSystemRandomSource())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrKeyFileCorrupt))
		})
	}
}

func TestWriteKeyFileFailure(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission-based failure requires non-root unix")
	}

	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0500)) // read + execute only
	defer os.Chmod(dir, 0700)

	_, _, err := loadOrCreateKeyFile(filepath.Join(dir, "store.key"), NewSystemRandomSource())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyFileWrite))
}

func TestDeriveMasterKeyStableAcrossOpens(t *testing.T) {
	store, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	random := NewSystemRandomSource()

	k1, created, err := deriveMasterKey("correct horse battery staple", store, random)
	require.NoError(t, err)
	assert.True(t, created)

	k2, created2, err := deriveMasterKey("correct horse battery staple", store, random)
	require.NoError(t, err)
	assert.False(t, created2, "salt must be reused on subsequent opens")

	b1, err := k1.Open()
	require.NoError(t, err)
	defer b1.Destroy()
	b2, err := k2.Open()
	require.NoError(t, err)
	defer b2.Destroy()
	assert.Equal(t, b1.Bytes(), b2.Bytes())

	// A different passphrase yields a different key
	k3, _, err := deriveMasterKey("wrong passphrase", store, random)
	require.NoError(t, err)
	b3, err := k3.Open()
	require.NoError(t, err)
	defer b3.Destroy()
	assert.NotEqual(t, b1.Bytes(), b3.Bytes())
}

func TestSplitMasterKeySubkeysDiffer(t *testing.T) {
	km, err := splitMasterKey(testKey(t))
	require.NoError(t, err)

	cipherKey, macKey := openEnclave(t, km)
	assert.Len(t, cipherKey, misc.KeySize)
	assert.Len(t, macKey, misc.KeySize)
	assert.NotEqual(t, cipherKey, macKey, "cipher and integrity subkeys must be independent")
}

func TestSplitMasterKeyDeterministic(t *testing.T) {
	master, err := NewSystemRandomSource().Bytes(misc.KeySize)
	require.NoError(t, err)

	km1, err := splitMasterKey(newEnclaveFromCopy(master))
	require.NoError(t, err)
	km2, err := splitMasterKey(newEnclaveFromCopy(master))
	require.NoError(t, err)

	c1, m1 := openEnclave(t, km1)
	c2, m2 := openEnclave(t, km2)
	assert.Equal(t, c1, c2)
	assert.Equal(t, m1, m2)
}

func TestLoadKeyMaterialPrefersEnvPassphrase(t *testing.T) {
	store, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	t.Setenv("QSTORE_TEST_PASSPHRASE", "from-environment")

	km, created, err := loadKeyMaterial(Options{EnvPassphraseVar: "QSTORE_TEST_PASSPHRASE"}, store)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, km)

	// Salt was persisted in the store, no key file involved
	exists, err := store.SaltExists()
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLoadKeyMaterialEnvMissing(t *testing.T) {
	store, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, _, err = loadKeyMaterial(Options{EnvPassphraseVar: "QSTORE_TEST_DOES_NOT_EXIST"}, store)
	require.Error(t, err)
}
