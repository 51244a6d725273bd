package storage

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestLodeStore_PutGetExists(t *testing.T) {
	ctx := t.Context()
	s := NewMemoryStore()

	key := RunFileKey("ent", "proj", "run1", "model.pt")
	ok, err := s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Fatal("key should not exist yet")
	}

	if err := s.Put(ctx, key, strings.NewReader("weights")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err = s.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := readAll(t, rc); got != "weights" {
		t.Errorf("content = %q, want %q", got, "weights")
	}
}

func TestLodeStore_PutReplaces(t *testing.T) {
	ctx := t.Context()
	s := NewMemoryStore()

	if err := s.Put(ctx, "k", strings.NewReader("v1")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := s.Put(ctx, "k", strings.NewReader("v2")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	rc, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := readAll(t, rc); got != "v2" {
		t.Errorf("content = %q, want v2", got)
	}
}

func TestLodeStore_GetMissing(t *testing.T) {
	_, err := NewMemoryStore().Get(t.Context(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLodeStore_FSBackend(t *testing.T) {
	ctx := t.Context()
	s := NewFSStore(t.TempDir())

	key := BlobKey("abc123")
	if err := s.Put(ctx, key, strings.NewReader("blob")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := readAll(t, rc); got != "blob" {
		t.Errorf("content = %q, want blob", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Backend: BackendMemory}, false},
		{"fs", Config{Backend: BackendFS, Path: "/tmp/x"}, false},
		{"fs without path", Config{Backend: BackendFS}, true},
		{"s3", Config{Backend: BackendS3, Path: "bucket/prefix"}, false},
		{"s3 without path", Config{Backend: BackendS3}, true},
		{"minio without endpoint", Config{Backend: BackendMinio, Path: "b"}, true},
		{"minio", Config{Backend: BackendMinio, Path: "b", Endpoint: "localhost:9000"}, false},
		{"empty backend", Config{}, true},
		{"unknown", Config{Backend: "gcs"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(t.Context(), Config{Backend: BackendMemory})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*LodeStore); !ok {
		t.Errorf("expected *LodeStore, got %T", s)
	}
}

func TestParseBucketPath(t *testing.T) {
	tests := []struct {
		in, bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/a/b", "bucket", "a/b"},
		{"bucket/a/", "bucket", "a"},
	}
	for _, tt := range tests {
		b, p := ParseBucketPath(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseBucketPath(%q) = %q, %q; want %q, %q", tt.in, b, p, tt.bucket, tt.prefix)
		}
	}
}

func TestKeys(t *testing.T) {
	if got := RunFileKey("e", "p", "r", "/logs/out.txt"); got != "runs/e/p/r/files/logs/out.txt" {
		t.Errorf("RunFileKey = %q", got)
	}
	if got := BlobKey("d1"); got != "artifacts/blobs/d1" {
		t.Errorf("BlobKey = %q", got)
	}
	if got := ManifestKey("m1"); got != "artifacts/manifests/m1" {
		t.Errorf("ManifestKey = %q", got)
	}
}
