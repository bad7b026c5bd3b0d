package persist

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash used for optimistic concurrency
	Timestamp time.Time
}

// Store defines the interface for persisting engine data. The catalog and
// blobs handed to this interface are already encrypted or integrity-protected
// by the engine layer; a Store never inspects payload bytes. All backends are
// local: the engine is a network-free system by design.
type Store interface {

	// Catalog operations

	// SaveCatalog atomically replaces the catalog document. When
	// expectedVersion is non-empty the write fails with ConcurrencyError if
	// the stored version differs, so a crashed or concurrent writer can never
	// silently clobber a newer catalog.
	SaveCatalog(encoded []byte, expectedVersion string) (newVersion string, err error)

	// LoadCatalog retrieves the current catalog document with its version.
	LoadCatalog() (*VersionedData, error)

	CatalogExists() (bool, error)

	// Key derivation salt (passphrase-derived key material)

	SaveSalt(salt []byte) error
	LoadSalt() ([]byte, error)
	SaltExists() (bool, error)

	// Blob operations

	// WriteBlob durably stores the ciphertext for an object id.
	WriteBlob(id string, data []byte) error

	ReadBlob(id string) ([]byte, error)
	BlobExists(id string) (bool, error)

	// RemoveBlob performs an ordinary (non-secure) removal.
	RemoveBlob(id string) error

	// EraseBlob overwrites the blob's stored bytes with `passes`
	// distinguishable patterns before removing it. The random reader supplies
	// the first overwrite pattern.
	EraseBlob(id string, passes int, random io.Reader) error

	// ListBlobs returns the ids of every blob currently present, used by the
	// engine's consistency reconciliation.
	ListBlobs() ([]string, error)

	// Backup operations

	// SaveBackup writes a backup container to the given path (or a name under
	// the store's backups area) and returns the final path used.
	SaveBackup(path string, container *BackupContainer) (string, error)

	// LoadBackup reads and structurally validates a backup container.
	LoadBackup(path string) (*BackupContainer, error)

	ListBackups() ([]BackupInfo, error)
	DeleteBackup(backupID string) error

	// Locking, health and lifecycle

	// Lock acquires the store's advisory lock without blocking. A lock
	// already held by another engine invocation fails with BusyError.
	Lock() error
	Unlock() error

	Ping() error
	Close() error
	GetType() string
}

// BackupContainer is the portable backup format: the catalog document plus
// every ciphertext blob, copied verbatim (same nonces, same tags, no
// re-encryption), wrapped with a checksum for transport integrity.
type BackupContainer struct {
	// BackupID uniquely identifies this backup.
	BackupID string `json:"backup_id"`

	// CreatedAt is the moment the backup was taken.
	CreatedAt time.Time `json:"created_at"`

	// EngineVersion records the engine release that produced the backup.
	EngineVersion string `json:"engine_version"`

	// FormatVersion tracks the container layout for forward compatibility.
	FormatVersion string `json:"format_version"`

	// Checksum is a SHA-256 digest over the catalog and all blobs in a
	// canonical order; it detects container corruption before any record
	// level verification runs.
	Checksum string `json:"checksum"`

	// Catalog is the raw catalog document at backup time.
	Catalog []byte `json:"catalog"`

	// Blobs maps object id to its ciphertext, verbatim.
	Blobs map[string][]byte `json:"blobs"`
}

// ComputeChecksum digests the catalog bytes and every blob in sorted id order
// with length framing, so neither reordering nor boundary shifts can produce
// the same digest.
func (c *BackupContainer) ComputeChecksum() string {
	h := sha256.New()

	var frame [8]byte
	binary.BigEndian.PutUint64(frame[:], uint64(len(c.Catalog)))
	h.Write(frame[:])
	h.Write(c.Catalog)

	ids := make([]string, 0, len(c.Blobs))
	for id := range c.Blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		binary.BigEndian.PutUint64(frame[:], uint64(len(id)))
		h.Write(frame[:])
		h.Write([]byte(id))
		binary.BigEndian.PutUint64(frame[:], uint64(len(c.Blobs[id])))
		h.Write(frame[:])
		h.Write(c.Blobs[id])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the container's structural integrity: required fields and a
// matching checksum. Cryptographic verification of individual records is the
// engine's job because it requires key material.
func (c *BackupContainer) Validate() error {
	if c.BackupID == "" {
		return fmt.Errorf("backup container missing backup_id")
	}
	if len(c.Catalog) == 0 {
		return fmt.Errorf("backup container missing catalog")
	}
	if c.Checksum == "" {
		return fmt.Errorf("backup container missing checksum")
	}
	if actual := c.ComputeChecksum(); actual != c.Checksum {
		return fmt.Errorf("backup checksum mismatch - expected: %s, actual: %s", c.Checksum, actual)
	}
	return nil
}

// BackupInfo holds metadata about a stored backup that is available without
// opening key material.
type BackupInfo struct {
	BackupID      string    `json:"backup_id"`
	CreatedAt     time.Time `json:"created_at"`
	EngineVersion string    `json:"engine_version"`
	FormatVersion string    `json:"format_version"`
	ObjectCount   int       `json:"object_count"`
	FileSize      int64     `json:"file_size"`
	IsValid       bool      `json:"is_valid"` // checksum validation result
	Checksum      string    `json:"checksum"`
	StorePath     string    `json:"store_path"` // store-agnostic path/identifier
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/storage"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend-specific settings, e.g. "base_path" for the
	// filesystem store or "db_path" for the bbolt store.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem stores the catalog as one JSON file and each blob
	// as its own file under an objects directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeBolt stores catalog and blobs inside a single bbolt database
	// file.
	StoreTypeBolt StoreType = "bolt"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// BusyError indicates the store's advisory lock is held by another engine
// invocation. Callers may retry after the lock clears.
type BusyError struct {
	Path string
}

func (e BusyError) Error() string {
	return fmt.Sprintf("storage at %s is locked by another process", e.Path)
}

func (e BusyError) IsBusyError() bool {
	return true
}
