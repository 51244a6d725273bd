// Package storage provides the blob stores that receive run files,
// artifact blobs and manifests.
//
// Backends:
//   - fs, memory, s3: lode stores (LodeStore)
//   - minio: S3-compatible object storage via minio-go (MinioStore)
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// BlobStore is the upload destination used by file sync and artifacts.
type BlobStore interface {
	// Put writes the object at key, replacing any existing content.
	Put(ctx context.Context, key string, r io.Reader) error
	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Get opens the object at key. Missing objects yield ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Backend names.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendMinio  = "minio"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Path is the root directory for fs, or "bucket/prefix" for s3 and minio.
	Path string

	Region       string
	Endpoint     string
	UsePathStyle bool

	// minio only
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Validate checks the configuration for the selected backend.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendFS:
		if c.Path == "" {
			return errors.New("storage path is required for fs backend")
		}
		return nil
	case BackendS3:
		if c.Path == "" {
			return errors.New("storage path (bucket[/prefix]) is required for s3 backend")
		}
		return nil
	case BackendMinio:
		if c.Path == "" {
			return errors.New("storage path (bucket[/prefix]) is required for minio backend")
		}
		if c.Endpoint == "" {
			return errors.New("storage endpoint is required for minio backend")
		}
		return nil
	case "":
		return errors.New("storage backend is required")
	default:
		return fmt.Errorf("unknown storage backend %q (want fs, memory, s3 or minio)", c.Backend)
	}
}

// Open builds the BlobStore described by cfg.
func Open(ctx context.Context, cfg Config) (BlobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS:
		return NewFSStore(cfg.Path), nil
	case BackendS3:
		bucket, prefix := ParseBucketPath(cfg.Path)
		return NewS3Store(ctx, S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
	default:
		bucket, prefix := ParseBucketPath(cfg.Path)
		return NewMinioStore(ctx, MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    bucket,
			Prefix:    prefix,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
	}
}

// ParseBucketPath parses a path in format "bucket/prefix" or "bucket".
func ParseBucketPath(path string) (bucket, prefix string) {
	parts := strings.SplitN(path, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

// RunFileKey is the object key of a run file.
func RunFileKey(entity, project, runID, savePath string) string {
	return fmt.Sprintf("runs/%s/%s/%s/files/%s", entity, project, runID, strings.TrimPrefix(savePath, "/"))
}

// BlobKey is the content-addressed key of an artifact entry.
func BlobKey(digest string) string {
	return "artifacts/blobs/" + digest
}

// ManifestKey is the key of an artifact manifest.
func ManifestKey(digest string) string {
	return "artifacts/manifests/" + digest
}
