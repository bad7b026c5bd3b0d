package qstore

import (
	"southwinds.dev/qstore/persist"
)

// EngineService is the full operational surface of the engine. Consumers
// should depend on this interface (or a subset of it) rather than on the
// concrete Engine type.
type EngineService interface {
	// Object operations
	Store(data []byte, metadata map[string]string) (string, error)
	StoreWithContentType(data []byte, metadata map[string]string, contentType string) (string, error)
	Retrieve(id string) ([]byte, ObjectInfo, error)
	Update(id string, data []byte, metadata map[string]string) error
	Delete(id string, secure bool) error
	List() ([]ObjectInfo, error)
	ForEach(fn func(ObjectInfo) bool) error
	Count() (int, error)

	// Maintenance
	CheckConsistency() ([]ConsistencyIssue, error)

	// Backup and restore
	Backup(path string) (string, error)
	Restore(path string) error
	ListBackups() ([]persist.BackupInfo, error)
	DeleteBackup(backupID string) error

	// Lifecycle
	Close() error
}

var _ EngineService = (*Engine)(nil)
