// Package storage provides blob storage for uploaded sources and derived
// assets. Backends: local filesystem, S3, MinIO (and other S3-compatible
// services such as R2) and an embedded Badger store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Sentinel errors for storage operations.
var (
	ErrNotFound            = errors.New("object not found")
	ErrInvalidPath         = errors.New("invalid object path")
	ErrPresignUnsupported  = errors.New("presigned uploads not supported by backend")
	ErrUnknownBackend      = errors.New("unknown storage backend")
	ErrBucketRequired      = errors.New("bucket is required")
	ErrLocalDirRequired    = errors.New("local directory is required")
	ErrEndpointRequired    = errors.New("endpoint is required")
)

// Storage stores opaque objects under slash-separated relative paths.
// Upload returns a locator that identifies the object across backends
// ("s3://bucket/key", "file:///abs/path", ...).
type Storage interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	PresignedUploadURL(ctx context.Context, path, contentType string, expiry time.Duration) (string, error)
	Close() error
}

// Backend names accepted by New.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendMinIO  = "minio"
	BackendBadger = "badger"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	LocalDir  string
	BadgerDir string // empty runs Badger in memory

	Bucket    string
	Region    string
	Endpoint  string // S3 endpoint override or MinIO host:port
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocal(cfg.LocalDir)
	case BackendS3:
		return NewS3(ctx, cfg)
	case BackendMinIO:
		return NewMinIO(ctx, cfg)
	case BackendBadger:
		return NewBadger(cfg.BadgerDir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// CleanPath normalizes an object path and rejects absolute paths and
// parent traversal.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// AssetPath is the object path of a derived asset for one pipeline run.
func AssetPath(ownerID, contentID, jobID, name string) string {
	return path.Join("content", safeSegment(ownerID), contentID, jobID, name)
}

// UploadPath is the object path of a source file uploaded by an owner.
func UploadPath(ownerID, uploadID, filename string) string {
	return path.Join("uploads", safeSegment(ownerID), uploadID, safeSegment(path.Base(filename)))
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" || s == "." {
		return "_"
	}
	return s
}
