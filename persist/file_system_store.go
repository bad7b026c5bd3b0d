package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"southwinds.dev/qstore/internal/debug"
	"southwinds.dev/qstore/internal/shred"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	blobExt   = ".bin"
	backupExt = ".qsb"
)

// FileSystemStore implements Store on the local filesystem with atomic
// catalog replacement and optimistic concurrency control.
//
// Layout under basePath:
//
//	store.json      - store configuration and bookkeeping
//	catalog.json    - the catalog document (atomic temp-write + rename)
//	derivation.salt - key derivation salt (passphrase mode only)
//	objects/        - one ciphertext blob file per object, <id>.bin
//	backups/        - backup containers, <name>.qsb
//	temp/           - staging area for atomic writes
//	.lock           - advisory lock file guarding concurrent invocations
type FileSystemStore struct {
	basePath    string
	objectsDir  string
	backupsDir  string
	tempDir     string
	storeConfig string
	catalogPath string
	saltPath    string
	lockPath    string

	lockFile *os.File
}

// StoreInfo represents the store configuration and bookkeeping record
type StoreInfo struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	fs := &FileSystemStore{
		basePath:    basePath,
		objectsDir:  filepath.Join(basePath, "objects"),
		backupsDir:  filepath.Join(basePath, "backups"),
		tempDir:     filepath.Join(basePath, "temp"),
		storeConfig: filepath.Join(basePath, "store.json"),
		catalogPath: filepath.Join(basePath, "catalog.json"),
		saltPath:    filepath.Join(basePath, "derivation.salt"),
		lockPath:    filepath.Join(basePath, ".lock"),
	}

	dirs := []string{fs.basePath, fs.objectsDir, fs.backupsDir, fs.tempDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeStoreInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeStoreInfo() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		info := StoreInfo{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeConfig, data, FilePermissions)
	}
	return nil
}

// SaveCatalog with optimistic concurrency control
func (fs *FileSystemStore) SaveCatalog(encoded []byte, expectedVersion string) (string, error) {
	if len(encoded) == 0 {
		return "", fmt.Errorf("catalog cannot be empty")
	}

	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.catalogPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveCatalog",
			}
		}
	}

	if err := writeSecureFile(fs.catalogPath, encoded, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(encoded), nil
}

// LoadCatalog returns the versioned catalog document
func (fs *FileSystemStore) LoadCatalog() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.catalogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat catalog: %w", err)
	}

	data, err := os.ReadFile(fs.catalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) CatalogExists() (bool, error) {
	return fileExists(fs.catalogPath)
}

func (fs *FileSystemStore) SaveSalt(salt []byte) error {
	if len(salt) == 0 {
		return fmt.Errorf("salt is required")
	}
	return writeSecureFile(fs.saltPath, salt, FilePermissions)
}

func (fs *FileSystemStore) LoadSalt() ([]byte, error) {
	data, err := os.ReadFile(fs.saltPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("salt not found")
		}
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltPath)
}

// Blob operations

func (fs *FileSystemStore) WriteBlob(id string, data []byte) error {
	if err := validateBlobID(id); err != nil {
		return err
	}
	debug.Print("WriteBlob: %s (%d bytes)\n", id, len(data))
	return writeSecureFile(fs.blobPath(id), data, FilePermissions)
}

func (fs *FileSystemStore) ReadBlob(id string) ([]byte, error) {
	if err := validateBlobID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not found", id)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	return data, nil
}

func (fs *FileSystemStore) BlobExists(id string) (bool, error) {
	if err := validateBlobID(id); err != nil {
		return false, err
	}
	return fileExists(fs.blobPath(id))
}

func (fs *FileSystemStore) RemoveBlob(id string) error {
	if err := validateBlobID(id); err != nil {
		return err
	}
	if err := os.Remove(fs.blobPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob %s not found", id)
		}
		return fmt.Errorf("failed to remove blob %s: %w", id, err)
	}
	return nil
}

// EraseBlob overwrites the blob file in place before unlinking it. The
// guarantee is limited to plain filesystem reads; see internal/shred.
func (fs *FileSystemStore) EraseBlob(id string, passes int, random io.Reader) error {
	if err := validateBlobID(id); err != nil {
		return err
	}
	path := fs.blobPath(id)
	if ok, err := fileExists(path); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("blob %s not found", id)
	}
	debug.Print("EraseBlob: %s with %d passes\n", id, passes)
	return shred.Erase(path, passes, random)
}

func (fs *FileSystemStore) ListBlobs() ([]string, error) {
	entries, err := os.ReadDir(fs.objectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read objects directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blobExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), blobExt))
	}

	sort.Strings(ids)
	return ids, nil
}

// Backup operations

func (fs *FileSystemStore) SaveBackup(backupPath string, container *BackupContainer) (string, error) {
	backupPath = strings.TrimSpace(backupPath)
	if backupPath == "" {
		return "", fmt.Errorf("backup path cannot be empty or whitespace-only")
	}
	if strings.ContainsAny(backupPath, "\x00") {
		return "", fmt.Errorf("backup path contains invalid characters")
	}

	backupPath = filepath.Clean(backupPath)

	// Simple filenames land in the store's backups directory
	if !filepath.IsAbs(backupPath) && !strings.Contains(backupPath, string(os.PathSeparator)) {
		backupPath = filepath.Join(fs.backupsDir, backupPath)
	}

	if !strings.HasSuffix(backupPath, backupExt) {
		backupPath += backupExt
	}

	if stat, err := os.Stat(backupPath); err == nil && stat.IsDir() {
		return "", fmt.Errorf("cannot create backup file %s: path is an existing directory", backupPath)
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

	debug.Print("SaveBackup: wrote %s (%d bytes)\n", backupPath, len(containerData))
	return backupPath, nil
}

func (fs *FileSystemStore) LoadBackup(backupPath string) (*BackupContainer, error) {
	fullPath := backupPath
	if !filepath.IsAbs(fullPath) && !strings.Contains(fullPath, string(os.PathSeparator)) {
		fullPath = filepath.Join(fs.backupsDir, fullPath)
	}
	if !strings.HasSuffix(fullPath, backupExt) {
		fullPath += backupExt
	}

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("backup file %s does not exist", fullPath)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
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

func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	if _, err := os.Stat(fs.backupsDir); os.IsNotExist(err) {
		return []BackupInfo{}, nil
	}

	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExt) {
			continue
		}

		filePath := filepath.Join(fs.backupsDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			debug.Print("ListBackups: failed to read %s: %v\n", entry.Name(), err)
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			debug.Print("ListBackups: failed to parse %s: %v\n", entry.Name(), err)
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

func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	if _, err := os.Stat(fs.backupsDir); os.IsNotExist(err) {
		return fmt.Errorf("backup %s does not exist", backupID)
	}

	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		return fmt.Errorf("failed to read backups directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(fs.backupsDir, entry.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}

		var container BackupContainer
		if err := json.Unmarshal(data, &container); err != nil {
			continue
		}

		if container.BackupID == backupID {
			if err := os.Remove(filePath); err != nil {
				return fmt.Errorf("failed to delete backup file %s: %w", entry.Name(), err)
			}
			return nil
		}
	}

	return fmt.Errorf("backup %s does not exist", backupID)
}

// Locking, health and lifecycle

func (fs *FileSystemStore) Lock() error {
	if fs.lockFile != nil {
		return nil
	}
	f, err := tryLock(fs.lockPath)
	if err != nil {
		return err
	}
	fs.lockFile = f
	return nil
}

func (fs *FileSystemStore) Unlock() error {
	if fs.lockFile == nil {
		return nil
	}
	releaseLock(fs.lockFile)
	fs.lockFile = nil
	return nil
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.storeConfig); err == nil {
		var info StoreInfo
		if err := json.Unmarshal(configData, &info); err == nil {
			info.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeConfig, updatedData, FilePermissions)
			}
		}
	}
	return fs.Unlock()
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Helpers

func (fs *FileSystemStore) blobPath(id string) string {
	return filepath.Join(fs.objectsDir, id+blobExt)
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// validateBlobID rejects ids that could escape the objects directory.
func validateBlobID(id string) error {
	if id == "" {
		return fmt.Errorf("blob id cannot be empty")
	}
	if strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return fmt.Errorf("blob id %q contains invalid characters", id)
	}
	return nil
}

// writeSecureFile writes data to a temp file in the target directory, syncs
// it, then renames it over the destination so readers never observe a
// half-written file.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
