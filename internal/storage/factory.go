package storage

import (
	"fmt"
	"strings"

	"github.com/timmy/reelpilot/internal/config"
)

// StorageTypeLocal keeps artifacts on the local filesystem.
const StorageTypeLocal StorageType = "local"

// NewStorage creates an ObjectStorage from the storage section of the config.
// Parameters:
//   - cfg: storage configuration; an empty type with an endpoint is auto-detected as S3-like.
// Returns:
//   - ObjectStorage: initialized storage client implementation.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	storeType := StorageType(strings.ToLower(cfg.Type))
	if storeType == "" {
		if cfg.Endpoint == "" {
			storeType = StorageTypeLocal
		} else {
			storeType = detectStorageType(cfg.Endpoint)
		}
	}

	switch storeType {
	case StorageTypeLocal:
		return NewLocalStorage(cfg.LocalDir, cfg.PublicURL)
	case StorageTypeS3, StorageTypeR2, StorageTypeS3Compatible:
		if cfg.Endpoint == "" || cfg.Bucket == "" {
			return nil, fmt.Errorf("storage type %s requires endpoint and bucket", storeType)
		}
		return NewS3Storage(&S3Config{
			Type:      storeType,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			PublicURL: cfg.PublicURL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// detectStorageType guesses the flavour of an S3 endpoint.
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
