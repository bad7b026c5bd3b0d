package qstore

import (
	"encoding/json"
	"fmt"
	"time"
)

const catalogFormatVersion = "1.0"

// Record is a catalog entry describing one stored object. The plaintext
// never appears here: the record carries the blob reference, the AEAD nonce,
// the integrity tag and the plaintext-describing metadata.
type Record struct {
	ID          string            `json:"id"`
	Blob        string            `json:"blob"` // blob reference in the store
	Nonce       []byte            `json:"nonce"`
	Tag         []byte            `json:"tag"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Size        int64             `json:"size"` // plaintext size in bytes

	// ciphertext carries the payload between encryption and blob commit;
	// unexported, so it never reaches the serialized catalog.
	ciphertext []byte
}

// ObjectInfo is the public listing view of a record. It exposes everything
// except the cryptographic fields.
type ObjectInfo struct {
	ID          string            `json:"id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Size        int64             `json:"size"`
}

func (r *Record) info() ObjectInfo {
	return ObjectInfo{
		ID:          r.ID,
		Metadata:    copyMetadata(r.Metadata),
		ContentType: r.ContentType,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Size:        r.Size,
	}
}

// catalogDocument is the serialized catalog shape.
type catalogDocument struct {
	FormatVersion string    `json:"format_version"`
	UpdatedAt     time.Time `json:"updated_at"`
	Records       []*Record `json:"records"`
}

// catalog holds all records in insertion order with an id index. It is a
// plain in-memory structure; the engine serializes access and persists it
// through the store.
type catalog struct {
	records []*Record
	index   map[string]*Record

	// storeVersion is the version returned by the store for the currently
	// loaded document, used for optimistic concurrency on save.
	storeVersion string
}

func newCatalog() *catalog {
	return &catalog{
		index: make(map[string]*Record),
	}
}

// decodeCatalog parses a serialized catalog document. Duplicate ids are
// rejected: they indicate corruption, not a recoverable state.
func decodeCatalog(data []byte, storeVersion string) (*catalog, error) {
	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := newCatalog()
	c.storeVersion = storeVersion

	for _, r := range doc.Records {
		if r.ID == "" {
			return nil, fmt.Errorf("catalog contains a record without an id")
		}
		if _, exists := c.index[r.ID]; exists {
			return nil, fmt.Errorf("catalog contains duplicate id %s", r.ID)
		}
		c.records = append(c.records, r)
		c.index[r.ID] = r
	}

	return c, nil
}

// encode serializes the catalog document.
func (c *catalog) encode() ([]byte, error) {
	doc := catalogDocument{
		FormatVersion: catalogFormatVersion,
		UpdatedAt:     time.Now().UTC(),
		Records:       c.records,
	}
	if doc.Records == nil {
		doc.Records = []*Record{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return data, nil
}

func (c *catalog) add(r *Record) error {
	if _, exists := c.index[r.ID]; exists {
		return fmt.Errorf("duplicate object id %s", r.ID)
	}
	c.records = append(c.records, r)
	c.index[r.ID] = r
	return nil
}

func (c *catalog) get(id string) (*Record, bool) {
	r, ok := c.index[id]
	return r, ok
}

func (c *catalog) remove(id string) bool {
	if _, ok := c.index[id]; !ok {
		return false
	}
	delete(c.index, id)
	for i, r := range c.records {
		if r.ID == id {
			c.records = append(c.records[:i], c.records[i+1:]...)
			break
		}
	}
	return true
}

func (c *catalog) len() int {
	return len(c.records)
}

// list returns object info snapshots in insertion order.
func (c *catalog) list() []ObjectInfo {
	infos := make([]ObjectInfo, 0, len(c.records))
	for _, r := range c.records {
		infos = append(infos, r.info())
	}
	return infos
}
