// Package blobstore is the object storage collaborator for uploaded medical
// documents. Objects are addressed by slash-separated paths inside a single
// bucket; clients write them directly through short-lived signed upload URLs.
package blobstore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrObjectTooLarge = errors.New("object exceeds maximum allowed size")
	ErrInvalidPath    = errors.New("invalid object path")
)

// MaxObjectSize is the largest object accepted by any store (50 MiB).
const MaxObjectSize = 50 * 1024 * 1024

type ObjectInfo struct {
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is implemented by MemoryStore and DirStore.
type BlobStore interface {
	// Put stores content at p. When upsert is false and p already holds an
	// object, Put returns ErrObjectExists and leaves the object untouched.
	Put(ctx context.Context, p, contentType string, content io.Reader, upsert bool) (*ObjectInfo, error)
	Open(ctx context.Context, p string) (io.ReadCloser, *ObjectInfo, error)
	Stat(ctx context.Context, p string) (*ObjectInfo, error)
	Exists(ctx context.Context, p string) (bool, error)
	Delete(ctx context.Context, p string) error
}

// CleanPath validates an object path: relative, slash separated, no "." or
// ".." segments, no empty segments.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsAny(p, "\\\x00") {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return path.Clean(p), nil
}

// readLimited reads at most MaxObjectSize bytes and reports ErrObjectTooLarge
// past that.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}

func defaultContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
