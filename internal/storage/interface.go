package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// ObjectStorage stores pipeline artifacts: generated images, narration audio and manifests.
type ObjectStorage interface {
	// Upload writes an object under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading. The caller closes it.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the address under which an object can be fetched.
	GetURL(key string) string

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutBytes uploads data and returns its URL.
func PutBytes(ctx context.Context, store ObjectStorage, key string, data []byte, contentType string) (string, error) {
	if err := store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return "", err
	}
	return store.GetURL(key), nil
}

// ArtifactKey builds the object key of a job artifact, e.g. jobs/<id>/image/003.webp.
// A negative item names a per-job artifact such as the manifest.
func ArtifactKey(jobID, kind string, item int, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if item < 0 {
		return fmt.Sprintf("jobs/%s/%s.%s", jobID, kind, ext)
	}
	return fmt.Sprintf("jobs/%s/%s/%03d.%s", jobID, kind, item, ext)
}
