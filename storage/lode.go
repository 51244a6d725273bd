package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// LodeStore is a BlobStore over a lode.Store.
// The store is created lazily from its factory on first use.
type LodeStore struct {
	factory lode.StoreFactory

	storeOnce sync.Once
	store     lode.Store
	storeErr  error

	// lode paths are write-once; replacing a key is delete then put.
	// keyMu serializes that sequence per store.
	keyMu sync.Mutex
}

// Verify LodeStore implements BlobStore.
var _ BlobStore = (*LodeStore)(nil)

// NewLodeStore creates a store over a custom factory.
func NewLodeStore(factory lode.StoreFactory) *LodeStore {
	return &LodeStore{factory: factory}
}

// NewFSStore creates a filesystem-backed store rooted at root.
func NewFSStore(root string) *LodeStore {
	return NewLodeStore(lode.NewFSFactory(root))
}

// NewMemoryStore creates an in-memory store, for tests and offline runs.
func NewMemoryStore() *LodeStore {
	return NewLodeStore(lode.NewMemoryFactory())
}

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// NewS3Store creates an S3-backed store.
// Uses AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3Store(ctx context.Context, cfg S3Config) (*LodeStore, error) {
	if cfg.Bucket == "" {
		return nil, NewStorageError(ErrInvalidConfig, "init", "", fmt.Errorf("S3 bucket is required"))
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, WrapInitError(fmt.Errorf("failed to load AWS config: %w", err), cfg.Bucket)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return NewLodeStore(func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	}), nil
}

func (s *LodeStore) getOrCreateStore() (lode.Store, error) {
	s.storeOnce.Do(func() {
		s.store, s.storeErr = s.factory()
	})
	return s.store, s.storeErr
}

// Put writes r at key, replacing existing content.
func (s *LodeStore) Put(ctx context.Context, key string, r io.Reader) error {
	store, err := s.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, key)
	}

	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	exists, err := store.Exists(ctx, key)
	if err != nil {
		return WrapReadError(err, key)
	}
	if exists {
		if err := store.Delete(ctx, key); err != nil {
			return WrapWriteError(err, key)
		}
	}
	return WrapWriteError(store.Put(ctx, key, r), key)
}

// Exists reports whether key is stored.
func (s *LodeStore) Exists(ctx context.Context, key string) (bool, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return false, WrapInitError(err, key)
	}
	ok, err := store.Exists(ctx, key)
	if err != nil {
		return false, WrapReadError(err, key)
	}
	return ok, nil
}

// Get opens key for reading.
func (s *LodeStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, key)
	}
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return nil, WrapReadError(err, key)
	}
	if !exists {
		return nil, NewStorageError(ErrNotFound, "read", key, fmt.Errorf("no object at %s", key))
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, WrapReadError(err, key)
	}
	return rc, nil
}

// List returns the keys under prefix.
func (s *LodeStore) List(ctx context.Context, prefix string) ([]string, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, prefix)
	}
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, WrapReadError(err, prefix)
	}
	return keys, nil
}
