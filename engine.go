package qstore

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/qstore/audit"
	"southwinds.dev/qstore/internal/debug"
	"southwinds.dev/qstore/internal/mem"
	"southwinds.dev/qstore/persist"
)

// Version is the engine release version recorded in backups.
const Version = "1.0.0"

func init() {
	// Purge locked buffers if the process is interrupted
	memguard.CatchInterrupt()
}

// Engine is an encrypted object store. All objects are encrypted with
// ChaCha20-Poly1305 before they reach the persistence layer and carry an
// HMAC-SHA256 integrity tag binding ciphertext, nonce and metadata. The
// engine is safe for concurrent use within a single process; cross-process
// exclusion comes from the store's advisory lock.
type Engine struct {
	store       persist.Store
	keys        *keyMaterial
	catalog     *catalog
	auditLogger audit.Logger
	options     Options
	random      SecureRandomSource

	memoryProtection mem.ProtectionLevel

	mu     sync.RWMutex
	closed bool
}

// New opens (or initializes) an engine over the given store. The store's
// advisory lock is taken for the lifetime of the engine; a second invocation
// against the same store fails with ErrStorageBusy.
func New(options Options, storeConfig persist.StoreConfig, auditConfig *audit.Config) (*Engine, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	store, err := persist.NewStore(storeConfig)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return NewWithStore(options, store, auditConfig)
}

// NewWithStore opens an engine over an existing store instance.
func NewWithStore(options Options, store persist.Store, auditConfig *audit.Config) (*Engine, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if err := store.Ping(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w: store is not reachable: %v", ErrStoreFailed, err)
	}

	if err := store.Lock(); err != nil {
		_ = store.Close()
		return nil, mapStoreErr(err)
	}

	e := &Engine{
		store:   store,
		options: options,
		random:  options.randomSource(),
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			debug.Print("memory lock failed: %v\n", err)
		}
		e.memoryProtection = level
		debug.Print("memory protection level: %v\n", e.memoryProtection)
	}

	auditLogger, err := audit.NewLogger(auditConfig)
	if err != nil {
		e.teardown()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	e.auditLogger = auditLogger

	keys, created, err := loadKeyMaterial(options, store)
	if err != nil {
		e.audit("KEY_LOAD", false, map[string]interface{}{"error": err.Error()})
		e.teardown()
		return nil, err
	}
	e.keys = keys
	if created {
		e.audit("KEY_CREATE", true, nil)
	}

	if err = e.loadCatalog(); err != nil {
		e.teardown()
		return nil, err
	}

	if err = e.reconcileOrphans(); err != nil {
		debug.Print("orphan reconciliation failed: %v\n", err)
	}

	return e, nil
}

// loadCatalog loads the persisted catalog or initializes an empty one.
func (e *Engine) loadCatalog() error {
	exists, err := e.store.CatalogExists()
	if err != nil {
		return fmt.Errorf("%w: cannot check catalog: %v", ErrStoreFailed, err)
	}

	if !exists {
		e.catalog = newCatalog()
		if err = e.saveCatalog(); err != nil {
			return err
		}
		e.audit("STORE_INIT", true, nil)
		return nil
	}

	versioned, err := e.store.LoadCatalog()
	if err != nil {
		return fmt.Errorf("%w: cannot load catalog: %v", ErrStoreFailed, err)
	}

	catalog, err := decodeCatalog(versioned.Data, versioned.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityCheckFailed, err)
	}

	e.catalog = catalog
	return nil
}

// saveCatalog persists the catalog with optimistic concurrency and updates
// the in-memory version on success.
func (e *Engine) saveCatalog() error {
	encoded, err := e.catalog.encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	newVersion, err := e.store.SaveCatalog(encoded, e.catalog.storeVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	e.catalog.storeVersion = newVersion
	return nil
}

// reconcileOrphans removes blobs that no catalog record references. Such
// blobs are left behind when a crash lands between a blob write and the
// catalog update; the object was never committed, so the space is reclaimed.
func (e *Engine) reconcileOrphans() error {
	ids, err := e.store.ListBlobs()
	if err != nil {
		return err
	}

	referenced := make(map[string]bool, e.catalog.len())
	for _, r := range e.catalog.records {
		referenced[r.Blob] = true
	}

	for _, id := range ids {
		if referenced[id] {
			continue
		}
		debug.Print("removing orphaned blob %s\n", id)
		if err := e.store.RemoveBlob(id); err != nil {
			return err
		}
		e.audit("ORPHAN_RECLAIM", true, map[string]interface{}{"blob": id})
	}

	return nil
}

// Store encrypts data and persists it as a new object, returning the
// generated object id. The blob is written before the catalog record so a
// crash in between leaves only an orphaned blob, never a dangling record.
func (e *Engine) Store(data []byte, metadata map[string]string) (string, error) {
	return e.StoreWithContentType(data, metadata, "")
}

// StoreWithContentType is Store with an explicit content type hint.
func (e *Engine) StoreWithContentType(data []byte, metadata map[string]string, contentType string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if err := validateMetadata(metadata); err != nil {
		return "", fmt.Errorf("invalid metadata: %w", err)
	}

	id := uuid.New().String()
	record, err := e.buildRecord(id, data, metadata, contentType)
	if err != nil {
		e.audit("STORE", false, map[string]interface{}{"error": err.Error()})
		return "", err
	}

	if err = e.commitRecord(record, nil); err != nil {
		e.audit("STORE", false, map[string]interface{}{"object_id": id, "error": err.Error()})
		return "", err
	}

	e.audit("STORE", true, map[string]interface{}{"object_id": id, "size": record.Size})
	return id, nil
}

// buildRecord encrypts the payload and assembles a catalog record with a
// fresh blob reference.
func (e *Engine) buildRecord(id string, data []byte, metadata map[string]string, contentType string) (*Record, error) {
	ciphertext, nonce, err := encryptPayload(e.keys.cipherKey, data, e.random)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	meta := copyMetadata(metadata)
	tag, err := computeTag(e.keys.macKey, ciphertext, nonce, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	now := time.Now().UTC()
	return &Record{
		ID:          id,
		Blob:        uuid.New().String(),
		Nonce:       nonce,
		Tag:         tag,
		Metadata:    meta,
		ContentType: contentType,
		CreatedAt:   now,
		UpdatedAt:   now,
		Size:        int64(len(data)),

		ciphertext: ciphertext,
	}, nil
}

// commitRecord writes the record's blob, swaps the catalog entry and
// persists the catalog. If the catalog write fails the new blob is removed
// so the store returns to its previous state. previous, when non-nil, is
// the record being replaced; its blob is erased after the catalog commit.
func (e *Engine) commitRecord(record *Record, previous *Record) error {
	if err := e.store.WriteBlob(record.Blob, record.ciphertext); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, mapStoreErr(err))
	}
	record.ciphertext = nil

	if previous != nil {
		e.catalog.remove(previous.ID)
	}
	if err := e.catalog.add(record); err != nil {
		_ = e.store.RemoveBlob(record.Blob)
		if previous != nil {
			_ = e.catalog.add(previous)
		}
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	if err := e.saveCatalog(); err != nil {
		// Roll back to the pre-call state
		e.catalog.remove(record.ID)
		if previous != nil {
			_ = e.catalog.add(previous)
		}
		_ = e.store.RemoveBlob(record.Blob)
		return err
	}

	if previous != nil {
		// The old ciphertext is no longer referenced; erase it
		if err := e.store.EraseBlob(previous.Blob, e.options.erasePasses(), RandomReader(e.random)); err != nil {
			debug.Print("failed to erase superseded blob %s: %v\n", previous.Blob, err)
		}
	}

	return nil
}

// Retrieve decrypts and returns an object after verifying its integrity
// tag. Tag verification runs before decryption, so tampering with the
// ciphertext, nonce or metadata is reported as an integrity failure.
func (e *Engine) Retrieve(id string) ([]byte, ObjectInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, ObjectInfo{}, err
	}
	if err := validateObjectID(id); err != nil {
		return nil, ObjectInfo{}, err
	}

	record, ok := e.catalog.get(id)
	if !ok {
		e.audit("RETRIEVE", false, map[string]interface{}{"object_id": id, "error": "object not found"})
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ciphertext, err := e.store.ReadBlob(record.Blob)
	if err != nil {
		// A record without its blob means the stored state is damaged
		e.audit("RETRIEVE", false, map[string]interface{}{"object_id": id, "error": err.Error()})
		return nil, ObjectInfo{}, fmt.Errorf("%w: blob for %s is missing", ErrIntegrityCheckFailed, id)
	}

	if err = verifyTag(e.keys.macKey, ciphertext, record.Nonce, record.Metadata, record.Tag); err != nil {
		e.audit("RETRIEVE", false, map[string]interface{}{"object_id": id, "error": err.Error()})
		return nil, ObjectInfo{}, err
	}

	plaintext, err := decryptPayload(e.keys.cipherKey, ciphertext, record.Nonce)
	if err != nil {
		e.audit("RETRIEVE", false, map[string]interface{}{"object_id": id, "error": err.Error()})
		return nil, ObjectInfo{}, err
	}

	e.audit("RETRIEVE", true, map[string]interface{}{"object_id": id})
	return plaintext, record.info(), nil
}

// Update replaces an object's payload and metadata in place, preserving its
// id and creation time. The new blob is committed before the old one is
// erased, so a crash never loses both versions.
func (e *Engine) Update(id string, data []byte, metadata map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateObjectID(id); err != nil {
		return err
	}
	if err := validateMetadata(metadata); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}

	previous, ok := e.catalog.get(id)
	if !ok {
		e.audit("UPDATE", false, map[string]interface{}{"object_id": id, "error": "object not found"})
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	record, err := e.buildRecord(id, data, metadata, previous.ContentType)
	if err != nil {
		e.audit("UPDATE", false, map[string]interface{}{"object_id": id, "error": err.Error()})
		return err
	}
	record.CreatedAt = previous.CreatedAt

	if err = e.commitRecord(record, previous); err != nil {
		e.audit("UPDATE", false, map[string]interface{}{"object_id": id, "error": err.Error()})
		return err
	}

	e.audit("UPDATE", true, map[string]interface{}{"object_id": id, "size": record.Size})
	return nil
}

// Delete removes an object. The catalog record is removed first: once the
// object is no longer addressable, the blob is disposed of. With secure set
// the blob is overwritten with the configured pass count before unlinking;
// otherwise it is simply removed.
func (e *Engine) Delete(id string, secure bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	action := "DELETE"
	if secure {
		action = "SECURE_DELETE"
	}

	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateObjectID(id); err != nil {
		return err
	}

	record, ok := e.catalog.get(id)
	if !ok {
		e.audit(action, false, map[string]interface{}{"object_id": id, "error": "object not found"})
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.catalog.remove(id)
	if err := e.saveCatalog(); err != nil {
		_ = e.catalog.add(record)
		e.audit(action, false, map[string]interface{}{"object_id": id, "error": err.Error()})
		return err
	}

	if secure {
		if err := e.store.EraseBlob(record.Blob, e.options.erasePasses(), RandomReader(e.random)); err != nil {
			e.audit(action, false, map[string]interface{}{"object_id": id, "error": err.Error()})
			return fmt.Errorf("%w: %v", ErrEraseFailed, err)
		}
	} else {
		if err := e.store.RemoveBlob(record.Blob); err != nil {
			e.audit(action, false, map[string]interface{}{"object_id": id, "error": err.Error()})
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}
	}

	e.audit(action, true, map[string]interface{}{"object_id": id})
	return nil
}

// List returns info snapshots for all objects in insertion order.
func (e *Engine) List() ([]ObjectInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	e.audit("LIST", true, map[string]interface{}{"count": e.catalog.len()})
	return e.catalog.list(), nil
}

// ForEach calls fn for each object in insertion order until fn returns
// false.
func (e *Engine) ForEach(fn func(ObjectInfo) bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return err
	}

	for _, r := range e.catalog.records {
		if !fn(r.info()) {
			break
		}
	}
	return nil
}

// Count returns the number of stored objects.
func (e *Engine) Count() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.catalog.len(), nil
}

// ConsistencyIssue describes one problem found by CheckConsistency.
type ConsistencyIssue struct {
	ObjectID string `json:"object_id,omitempty"`
	BlobID   string `json:"blob_id,omitempty"`
	Problem  string `json:"problem"`
}

// CheckConsistency verifies every catalog record against its stored blob
// (presence and integrity tag) and reports unreferenced blobs. It never
// modifies the store.
func (e *Engine) CheckConsistency() ([]ConsistencyIssue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	var issues []ConsistencyIssue

	referenced := make(map[string]bool, e.catalog.len())
	for _, r := range e.catalog.records {
		referenced[r.Blob] = true

		ciphertext, err := e.store.ReadBlob(r.Blob)
		if err != nil {
			issues = append(issues, ConsistencyIssue{
				ObjectID: r.ID, BlobID: r.Blob, Problem: "blob missing",
			})
			continue
		}

		if err = verifyTag(e.keys.macKey, ciphertext, r.Nonce, r.Metadata, r.Tag); err != nil {
			issues = append(issues, ConsistencyIssue{
				ObjectID: r.ID, BlobID: r.Blob, Problem: "integrity tag mismatch",
			})
		}
	}

	blobIDs, err := e.store.ListBlobs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	for _, id := range blobIDs {
		if !referenced[id] {
			issues = append(issues, ConsistencyIssue{BlobID: id, Problem: "orphaned blob"})
		}
	}

	e.audit("CONSISTENCY_CHECK", len(issues) == 0, map[string]interface{}{"issues": len(issues)})
	return issues, nil
}

// MemoryProtection reports the level of memory locking achieved at startup.
func (e *Engine) MemoryProtection() mem.ProtectionLevel {
	return e.memoryProtection
}

// StoreType returns the persistence backend identifier.
func (e *Engine) StoreType() string {
	return e.store.GetType()
}

// Close releases key material, the audit logger and the store lock. The
// engine is unusable afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	e.audit("CLOSE", true, nil)
	e.teardown()
	return nil
}

func (e *Engine) teardown() {
	if e.keys != nil {
		e.keys.destroy()
		e.keys = nil
	}
	if e.auditLogger != nil {
		_ = e.auditLogger.Close()
		e.auditLogger = nil
	}
	if e.store != nil {
		_ = e.store.Unlock()
		_ = e.store.Close()
		e.store = nil
	}
	if e.options.EnableMemoryLock {
		_ = mem.Unlock()
	}
}

func (e *Engine) checkOpen() error {
	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	return nil
}

// audit records an event, never failing the calling operation.
func (e *Engine) audit(action string, success bool, metadata map[string]interface{}) {
	if e.auditLogger == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	for k, v := range e.options.SessionMetadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}
	if e.options.UserID != "" {
		metadata["user_id"] = e.options.UserID
	}
	if hostname, err := os.Hostname(); err == nil {
		metadata["source"] = hostname
	}
	if err := e.auditLogger.Log(action, success, metadata); err != nil {
		debug.Print("audit log failed for %s: %v\n", action, err)
	}
}

// mapStoreErr converts persistence layer errors to engine sentinels.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var busy persist.BusyError
	if errors.As(err, &busy) {
		return fmt.Errorf("%w: %v", ErrStorageBusy, err)
	}
	return err
}
