package qstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/qstore/internal/debug"
	"southwinds.dev/qstore/persist"
)

const backupFormatVersion = "1.0"

// Backup writes a complete snapshot of the store to the given path and
// returns the path actually used. Ciphertext blobs are copied verbatim with
// their nonces and tags; no re-encryption takes place, so backing up twice
// from an unchanged store produces containers with equal checksums apart
// from the container's own identity fields.
func (e *Engine) Backup(path string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return "", err
	}

	container, err := e.buildContainer()
	if err != nil {
		e.audit("BACKUP", false, map[string]interface{}{"error": err.Error()})
		return "", err
	}

	finalPath, err := e.store.SaveBackup(path, container)
	if err != nil {
		e.audit("BACKUP", false, map[string]interface{}{"backup_id": container.BackupID, "error": err.Error()})
		return "", fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	e.audit("BACKUP", true, map[string]interface{}{
		"backup_id": container.BackupID,
		"objects":   len(container.Blobs),
		"path":      finalPath,
	})
	return finalPath, nil
}

func (e *Engine) buildContainer() (*persist.BackupContainer, error) {
	encoded, err := e.catalog.encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	blobs := make(map[string][]byte, e.catalog.len())
	for _, r := range e.catalog.records {
		data, err := e.store.ReadBlob(r.Blob)
		if err != nil {
			return nil, fmt.Errorf("%w: blob for %s is missing", ErrIntegrityCheckFailed, r.ID)
		}
		blobs[r.Blob] = data
	}

	container := &persist.BackupContainer{
		BackupID:      uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		EngineVersion: Version,
		FormatVersion: backupFormatVersion,
		Catalog:       encoded,
		Blobs:         blobs,
	}
	container.Checksum = container.ComputeChecksum()
	return container, nil
}

// Restore replaces the store's contents with a backup. The whole container
// is verified first: checksum, catalog shape, blob presence and every
// record's integrity tag under the current key. Only after everything
// passes are blobs written, and the catalog swap comes last, so a failure
// at any point leaves the previous state addressable.
func (e *Engine) Restore(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}

	container, err := e.store.LoadBackup(path)
	if err != nil {
		e.audit("RESTORE", false, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("%w: %v", ErrBackupInconsistent, err)
	}

	restored, err := e.verifyContainer(container)
	if err != nil {
		e.audit("RESTORE", false, map[string]interface{}{"backup_id": container.BackupID, "error": err.Error()})
		return err
	}

	if err = e.applyContainer(container, restored); err != nil {
		e.audit("RESTORE", false, map[string]interface{}{"backup_id": container.BackupID, "error": err.Error()})
		return err
	}

	e.audit("RESTORE", true, map[string]interface{}{
		"backup_id": container.BackupID,
		"objects":   restored.len(),
	})
	return nil
}

// verifyContainer checks every record in the backup against the current key
// material before anything is written.
func (e *Engine) verifyContainer(container *persist.BackupContainer) (*catalog, error) {
	restored, err := decodeCatalog(container.Catalog, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupInconsistent, err)
	}

	for _, r := range restored.records {
		blob, ok := container.Blobs[r.Blob]
		if !ok {
			return nil, fmt.Errorf("%w: blob for %s is missing from container", ErrBackupInconsistent, r.ID)
		}
		if err = verifyTag(e.keys.macKey, blob, r.Nonce, r.Metadata, r.Tag); err != nil {
			return nil, fmt.Errorf("%w: record %s failed verification", ErrBackupInconsistent, r.ID)
		}
	}

	return restored, nil
}

// applyContainer writes all backup blobs and then swaps the catalog. Blobs
// written before a failure become orphans and are reclaimed; the previous
// catalog stays in force until the final swap succeeds.
func (e *Engine) applyContainer(container *persist.BackupContainer, restored *catalog) error {
	var written []string
	rollback := func() {
		for _, id := range written {
			_ = e.store.RemoveBlob(id)
		}
	}

	current := make(map[string]bool, e.catalog.len())
	for _, r := range e.catalog.records {
		current[r.Blob] = true
	}

	for _, r := range restored.records {
		if current[r.Blob] {
			// Identical blob already present; blob ids are unique per
			// content version
			continue
		}
		if err := e.store.WriteBlob(r.Blob, container.Blobs[r.Blob]); err != nil {
			rollback()
			return fmt.Errorf("%w: %v", ErrStoreFailed, mapStoreErr(err))
		}
		written = append(written, r.Blob)
	}

	// Swap the catalog; this is the commit point
	restored.storeVersion = e.catalog.storeVersion
	previous := e.catalog
	e.catalog = restored
	if err := e.saveCatalog(); err != nil {
		e.catalog = previous
		rollback()
		return err
	}

	// Blobs belonging only to the replaced state are gone from the catalog;
	// erase them
	kept := make(map[string]bool, restored.len())
	for _, r := range restored.records {
		kept[r.Blob] = true
	}
	for _, r := range previous.records {
		if kept[r.Blob] {
			continue
		}
		if err := e.store.EraseBlob(r.Blob, e.options.erasePasses(), RandomReader(e.random)); err != nil {
			debug.Print("failed to erase replaced blob %s: %v\n", r.Blob, err)
		}
	}

	return nil
}

// ListBackups enumerates the backups kept in the store's backup area.
func (e *Engine) ListBackups() ([]persist.BackupInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	infos, err := e.store.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	return infos, nil
}

// DeleteBackup removes a backup by its id.
func (e *Engine) DeleteBackup(backupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}

	if err := e.store.DeleteBackup(backupID); err != nil {
		e.audit("BACKUP_DELETE", false, map[string]interface{}{"backup_id": backupID, "error": err.Error()})
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	e.audit("BACKUP_DELETE", true, map[string]interface{}{"backup_id": backupID})
	return nil
}
