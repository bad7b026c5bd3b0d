package qstore

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"southwinds.dev/qstore/internal/misc"
	"southwinds.dev/qstore/persist"
)

// HKDF info labels separating the cipher subkey from the integrity subkey.
// Changing either label invalidates every existing store.
const (
	cipherKeyInfo    = "qstore/v1/cipher"
	integrityKeyInfo = "qstore/v1/integrity"
)

// keyMaterial holds the two subkeys derived from the master key. Both live
// in memguard enclaves and are only decrypted into locked buffers for the
// duration of a single operation.
type keyMaterial struct {
	cipherKey *memguard.Enclave // AEAD encryption subkey
	macKey    *memguard.Enclave // integrity tag subkey
}

// destroy drops the enclave references. The underlying ciphertexts become
// unreachable and the next GC reclaims them.
func (k *keyMaterial) destroy() {
	k.cipherKey = nil
	k.macKey = nil
}

// loadKeyMaterial resolves the master key from the configured source and
// splits it into subkeys. Returns whether new key material was created.
func loadKeyMaterial(options Options, store persist.Store) (*keyMaterial, bool, error) {
	passphrase := options.DerivationPassphrase
	if passphrase == "" && options.EnvPassphraseVar != "" {
		passphrase = os.Getenv(options.EnvPassphraseVar)
		if passphrase == "" {
			return nil, false, fmt.Errorf("environment variable %s is not set or empty", options.EnvPassphraseVar)
		}
	}

	var master *memguard.Enclave
	var created bool
	var err error

	if passphrase != "" {
		master, created, err = deriveMasterKey(passphrase, store, options.randomSource())
	} else {
		master, created, err = loadOrCreateKeyFile(options.KeyFile, options.randomSource())
	}
	if err != nil {
		return nil, false, err
	}

	km, err := splitMasterKey(master)
	if err != nil {
		return nil, false, err
	}

	return km, created, nil
}

// loadOrCreateKeyFile reads the master key from the key file, generating a
// new key on first use. The key is stored base64-encoded with a trailing
// newline and 0600 permissions.
func loadOrCreateKeyFile(path string, random SecureRandomSource) (*memguard.Enclave, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := decodeKeyFile(data)
		if err != nil {
			return nil, false, err
		}
		return memguard.NewEnclave(key), false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("%w: cannot read %s: %v", ErrKeyFileCorrupt, path, err)
	}

	// First use: generate and persist before anything is encrypted
	key, err := random.Bytes(misc.KeySize)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrKeyFileWrite, err)
	}

	if err = writeKeyFile(path, key); err != nil {
		return nil, false, err
	}

	return memguard.NewEnclave(key), true, nil
}

// decodeKeyFile validates and decodes the base64 key file contents.
func decodeKeyFile(data []byte) ([]byte, error) {
	encoded := strings.TrimSpace(string(data))
	if encoded == "" {
		return nil, fmt.Errorf("%w: key file is empty", ErrKeyFileCorrupt)
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrKeyFileCorrupt)
	}

	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, expected %d", ErrKeyFileCorrupt, len(key), misc.KeySize)
	}

	return key, nil
}

// writeKeyFile persists the key atomically with restrictive permissions. A
// failure here aborts engine startup: encrypting with an unpersisted key
// would make every object unrecoverable.
func writeKeyFile(path string, key []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return fmt.Errorf("%w: cannot create directory %s: %v", ErrKeyFileWrite, dir, err)
	}

	encoded := base64.StdEncoding.EncodeToString(key) + "\n"

	tmpFile, err := os.CreateTemp(dir, ".tmp-key-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyFileWrite, err)
	}
	tmpPath := tmpFile.Name()

	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err = tmpFile.WriteString(encoded); err != nil {
		_ = tmpFile.Close()
		cleanup()
		return fmt.Errorf("%w: %v", ErrKeyFileWrite, err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		cleanup()
		return fmt.Errorf("%w: %v", ErrKeyFileWrite, err)
	}
	if err = tmpFile.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrKeyFileWrite, err)
	}
	if err = os.Chmod(tmpPath, misc.FilePermissions); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrKeyFileWrite, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: %v", ErrKeyFileWrite, err)
	}

	return nil
}

// deriveMasterKey derives the master key from a passphrase with Argon2id.
// The salt is generated on first use and kept in the store so the same
// passphrase always yields the same key for this store.
func deriveMasterKey(passphrase string, store persist.Store, random SecureRandomSource) (*memguard.Enclave, bool, error) {
	exists, err := store.SaltExists()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check derivation salt: %w", err)
	}

	var salt []byte
	created := false

	if exists {
		salt, err = store.LoadSalt()
		if err != nil {
			return nil, false, fmt.Errorf("failed to load derivation salt: %w", err)
		}
		if len(salt) != misc.SaltSize {
			return nil, false, fmt.Errorf("%w: derivation salt is %d bytes, expected %d", ErrKeyFileCorrupt, len(salt), misc.SaltSize)
		}
	} else {
		salt, err = random.Bytes(misc.SaltSize)
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate derivation salt: %w", err)
		}
		if err = store.SaveSalt(salt); err != nil {
			return nil, false, fmt.Errorf("%w: cannot persist derivation salt: %v", ErrKeyFileWrite, err)
		}
		created = true
	}

	key := argon2.IDKey([]byte(passphrase), salt,
		misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)

	return memguard.NewEnclave(key), created, nil
}

// splitMasterKey expands the master key into independent cipher and
// integrity subkeys with HKDF-SHA256, so a compromise of one use never
// weakens the other.
func splitMasterKey(master *memguard.Enclave) (*keyMaterial, error) {
	buf, err := master.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer buf.Destroy()

	cipherKey, err := expandKey(buf.Bytes(), cipherKeyInfo)
	if err != nil {
		return nil, err
	}
	macKey, err := expandKey(buf.Bytes(), integrityKeyInfo)
	if err != nil {
		return nil, err
	}

	return &keyMaterial{
		cipherKey: memguard.NewEnclave(cipherKey),
		macKey:    memguard.NewEnclave(macKey),
	}, nil
}

func expandKey(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, misc.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key expansion failed: %w", err)
	}
	return key, nil
}
