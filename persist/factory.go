package persist

import (
	"fmt"
)

// NewStore creates a Store based on the provided configuration.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)
	case StoreTypeBolt:
		return NewBoltStoreFromConfig(config)
	case "":
		return nil, fmt.Errorf("store type is required")
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
