package qstore

import (
	"errors"
)

// Sentinel errors returned by the engine. Callers classify failures with
// errors.Is; the wrapped message carries the operational detail.
var (
	// ErrNotFound indicates the requested object id has no catalog record.
	ErrNotFound = errors.New("object not found")

	// ErrKeyFileCorrupt indicates the key file exists but does not contain
	// valid key material.
	ErrKeyFileCorrupt = errors.New("key file corrupt")

	// ErrKeyFileWrite indicates newly generated key material could not be
	// persisted. The engine refuses to operate rather than encrypt with a key
	// that would be lost.
	ErrKeyFileWrite = errors.New("key file write failed")

	// ErrDecryptionFailed indicates AEAD authentication failed during
	// decryption, meaning the ciphertext was modified or the key is wrong.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrIntegrityCheckFailed indicates the stored integrity tag does not
	// match the recomputed one, or a catalog record references a missing blob.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")

	// ErrStoreFailed indicates a persistence operation failed and the
	// previous state was preserved.
	ErrStoreFailed = errors.New("store operation failed")

	// ErrEraseFailed indicates secure erasure could not complete all of its
	// overwrite passes.
	ErrEraseFailed = errors.New("secure erase failed")

	// ErrBackupInconsistent indicates a backup failed verification and no
	// part of it was applied.
	ErrBackupInconsistent = errors.New("backup inconsistent")

	// ErrStorageBusy indicates another engine invocation holds the store's
	// advisory lock. The operation may be retried once the lock clears.
	ErrStorageBusy = errors.New("storage busy")
)
