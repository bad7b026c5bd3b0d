package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"southwinds.dev/qstore/internal/debug"
)

// bucket names inside the bbolt database
var (
	bucketCatalog = []byte("catalog")
	bucketSalt    = []byte("salt")
	bucketBlobs   = []byte("blobs")
	bucketConfig  = []byte("config")
)

// keys inside the single-value buckets
var (
	keyCatalog = []byte("document")
	keySalt    = []byte("derivation")
	keyInfo    = []byte("info")
)

const boltOpenTimeout = 250 * time.Millisecond

// BoltStore implements Store on top of a single bbolt database file. The
// whole store (catalog, salt, blobs) lives in one file, which makes it easy
// to place on removable media. Backups are still written as separate
// container files next to the database so they can be copied independently.
//
// bbolt holds an exclusive file lock for the lifetime of the open database,
// so the Store-level Lock/Unlock calls are satisfied implicitly.
type BoltStore struct {
	dbPath     string
	backupsDir string
	db         *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := bolt.Open(dbPath, FilePermissions, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		// bbolt reports lock contention as a timeout when Timeout is set
		if strings.Contains(err.Error(), "timeout") {
			return nil, BusyError{Path: dbPath}
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCatalog, bucketSalt, bucketBlobs, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	bs := &BoltStore{
		dbPath:     dbPath,
		backupsDir: filepath.Join(dir, "backups"),
		db:         db,
	}

	if err := bs.initializeStoreInfo(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return bs, nil
}

// NewBoltStoreFromConfig creates a BoltStore from StoreConfig
func NewBoltStoreFromConfig(config StoreConfig) (*BoltStore, error) {
	dbPath, ok := config.Config["db_path"].(string)
	if !ok {
		return nil, fmt.Errorf("db_path is required for bolt store")
	}
	return NewBoltStore(dbPath)
}

func (bs *BoltStore) initializeStoreInfo() error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if b.Get(keyInfo) != nil {
			return nil
		}
		info := StoreInfo{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(keyInfo, data)
	})
}

// SaveCatalog with optimistic concurrency control
func (bs *BoltStore) SaveCatalog(encoded []byte, expectedVersion string) (string, error) {
	if len(encoded) == 0 {
		return "", fmt.Errorf("catalog cannot be empty")
	}

	newVersion := calculateFileVersion(encoded)

	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)

		if expectedVersion != "" {
			current := b.Get(keyCatalog)
			currentVersion := ""
			if current != nil {
				currentVersion = calculateFileVersion(current)
			}
			if currentVersion != expectedVersion {
				return ConcurrencyError{
					ExpectedVersion: expectedVersion,
					ActualVersion:   currentVersion,
					Operation:       "SaveCatalog",
				}
			}
		}

		return b.Put(keyCatalog, encoded)
	})
	if err != nil {
		return "", err
	}

	return newVersion, nil
}

func (bs *BoltStore) LoadCatalog() (*VersionedData, error) {
	var data []byte
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCatalog).Get(keyCatalog)
		if v == nil {
			return os.ErrNotExist
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: time.Now(),
	}, nil
}

func (bs *BoltStore) CatalogExists() (bool, error) {
	exists := false
	err := bs.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketCatalog).Get(keyCatalog) != nil
		return nil
	})
	return exists, err
}

func (bs *BoltStore) SaveSalt(salt []byte) error {
	if len(salt) == 0 {
		return fmt.Errorf("salt is required")
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSalt).Put(keySalt, salt)
	})
}

func (bs *BoltStore) LoadSalt() ([]byte, error) {
	var salt []byte
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSalt).Get(keySalt)
		if v == nil {
			return fmt.Errorf("salt not found")
		}
		salt = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return salt, nil
}

func (bs *BoltStore) SaltExists() (bool, error) {
	exists := false
	err := bs.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketSalt).Get(keySalt) != nil
		return nil
	})
	return exists, err
}

// Blob operations

func (bs *BoltStore) WriteBlob(id string, data []byte) error {
	if err := validateBlobID(id); err != nil {
		return err
	}
	debug.Print("WriteBlob: %s (%d bytes)\n", id, len(data))
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(id), data)
	})
}

func (bs *BoltStore) ReadBlob(id string) ([]byte, error) {
	if err := validateBlobID(id); err != nil {
		return nil, err
	}
	var data []byte
	err := bs.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("blob %s not found", id)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (bs *BoltStore) BlobExists(id string) (bool, error) {
	if err := validateBlobID(id); err != nil {
		return false, err
	}
	exists := false
	err := bs.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketBlobs).Get([]byte(id)) != nil
		return nil
	})
	return exists, err
}

func (bs *BoltStore) RemoveBlob(id string) error {
	if err := validateBlobID(id); err != nil {
		return err
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("blob %s not found", id)
		}
		return b.Delete([]byte(id))
	})
}

// EraseBlob overwrites the stored value with overwrite patterns before
// deleting the key. bbolt is copy-on-write, so earlier page images may
// survive inside the database file until pages are reused; the filesystem
// store gives stronger erase semantics when that matters.
func (bs *BoltStore) EraseBlob(id string, passes int, random io.Reader) error {
	if err := validateBlobID(id); err != nil {
		return err
	}
	if passes < 2 {
		passes = 2
	}

	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("blob %s not found", id)
		}
		size := len(v)

		for pass := 0; pass < passes; pass++ {
			pattern := make([]byte, size)
			switch pass {
			case 0:
				if _, err := io.ReadFull(random, pattern); err != nil {
					return fmt.Errorf("failed to generate overwrite pattern: %w", err)
				}
			case 1:
				for i := range pattern {
					pattern[i] = 0xFF
				}
			default:
				// zero-filled
			}
			if err := b.Put([]byte(id), pattern); err != nil {
				return fmt.Errorf("overwrite pass %d failed: %w", pass+1, err)
			}
		}

		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}

	return bs.db.Sync()
}

func (bs *BoltStore) ListBlobs() ([]string, error) {
	var ids []string
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Backup operations write container files beside the database so they remain
// copyable while the database is open and locked.

func (bs *BoltStore) SaveBackup(backupPath string, container *BackupContainer) (string, error) {
	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return "", fmt.Errorf("backup path cannot be empty or whitespace-only")
	}

	backupPath = filepath.Clean(backupPath)
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(bs.backupsDir, backupPath)
	}
	if !strings.HasSuffix(backupPath, backupExt) {
		backupPath += backupExt
	}

	if err := os.MkdirAll(filepath.Dir(backupPath), DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	containerData, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup container: %w", err)
	}

	if err = writeSecureFile(backupPath, containerData, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write backup file: %w", err)
	}

	return backupPath, nil
}

func (bs *BoltStore) LoadBackup(backupPath string) (*BackupContainer, error) {
	fullPath := backupPath
	if !filepath.IsAbs(fullPath) && !strings.Contains(fullPath, string(os.PathSeparator)) {
		fullPath = filepath.Join(bs.backupsDir, fullPath)
	}
	if !strings.HasSuffix(fullPath, backupExt) {
		fullPath += backupExt
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("backup file %s does not exist", fullPath)
		}
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	var container BackupContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse backup file: %w", err)
	}

	if err = container.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backup file: %w", err)
	}

	return &container, nil
}

func (bs *BoltStore) ListBackups() ([]BackupInfo, error) {
	if _, err := os.Stat(bs.backupsDir); os.IsNotExist(err) {
		return []BackupInfo{}, nil
	}

	entries, err := os.ReadDir(bs.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		filePath := filepath.Join(bs.backupsDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupInfo{
			BackupID:      container.BackupID,
			CreatedAt:     container.CreatedAt,
			EngineVersion: container.EngineVersion,
			FormatVersion: container.FormatVersion,
			ObjectCount:   len(container.Blobs),
			FileSize:      info.Size(),
			IsValid:       container.Validate() == nil,
			Checksum:      container.Checksum,
			StorePath:     entry.Name(),
		})
	}

	return backups, nil
}

func (bs *BoltStore) DeleteBackup(backupID string) error {
	entries, err := os.ReadDir(bs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s does not exist", backupID)
		}
		return fmt.Errorf("failed to read backups directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(bs.backupsDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		if container.BackupID == backupID {
			return os.Remove(filePath)
		}
	}

	return fmt.Errorf("backup %s does not exist", backupID)
}

// Locking, health and lifecycle

// Lock is a no-op: bbolt takes an exclusive file lock when the database is
// opened, and contention is surfaced as BusyError from NewBoltStore.
func (bs *BoltStore) Lock() error { return nil }

func (bs *BoltStore) Unlock() error { return nil }

func (bs *BoltStore) Ping() error {
	return bs.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConfig) == nil {
			return fmt.Errorf("database structure is invalid")
		}
		return nil
	})
}

func (bs *BoltStore) Close() error {
	err := bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		data := b.Get(keyInfo)
		if data == nil {
			return nil
		}
		var info StoreInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil
		}
		info.LastAccess = time.Now()
		updated, err := json.Marshal(info)
		if err != nil {
			return nil
		}
		return b.Put(keyInfo, updated)
	})
	if err != nil {
		debug.Print("BoltStore.Close: failed to update last access: %v\n", err)
	}
	return bs.db.Close()
}

func (bs *BoltStore) GetType() string {
	return string(StoreTypeBolt)
}
