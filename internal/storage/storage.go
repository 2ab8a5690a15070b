// Package storage archives compressed outputs in object storage.
// The MinIO implementation works with any S3-compatible provider.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Archive is the interface for persisting compressed images.
type Archive interface {
	// Store uploads data under key and returns its browser-accessible URL.
	Store(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ObjectKey derives a content-addressed key for a compressed output.
func ObjectKey(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("compressed/%s.jpg", hex.EncodeToString(sum[:]))
}
