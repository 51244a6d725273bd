package filesync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justapithecus/runsync/storage"
)

// flakyStore fails the first failures Puts with err.
type flakyStore struct {
	*storage.LodeStore
	failures atomic.Int32
	err      error
	puts     atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader) error {
	s.puts.Add(1)
	if s.failures.Add(-1) >= 0 {
		return s.err
	}
	return s.LodeStore.Put(ctx, key, r)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testUploader(store storage.BlobStore) *Uploader {
	return NewUploader(store, UploaderConfig{
		Entity:    "team",
		Project:   "proj",
		RunID:     "run-1",
		Workers:   2,
		Retries:   2,
		RetryBase: time.Millisecond,
	})
}

func TestUploader_UploadsToRunKey(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewMemoryStore()
	u := testUploader(store)
	u.Start(t.Context())

	u.Enqueue(UploadJob{SavePath: "logs/train.log", LocalPath: writeFile(t, dir, "logs/train.log", "hello")})
	if err := u.Finish(t.Context()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	rc, err := store.Get(t.Context(), "runs/team/proj/run-1/files/logs/train.log")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}

	s := u.Summary()
	if s.Queued != 1 || s.Uploaded != 1 || s.Bytes != 5 {
		t.Errorf("summary = %+v", s)
	}
}

func TestUploader_UnchangedContentIsDeduped(t *testing.T) {
	dir := t.TempDir()
	u := testUploader(storage.NewMemoryStore())
	u.Start(t.Context())

	p := writeFile(t, dir, "model.pt", "weights")
	u.Enqueue(UploadJob{SavePath: "model.pt", LocalPath: p})
	waitFor(t, func() bool { return u.Summary().Uploaded == 1 })

	u.Enqueue(UploadJob{SavePath: "model.pt", LocalPath: p})
	waitFor(t, func() bool { return u.Summary().Deduped == 1 })

	writeFile(t, dir, "model.pt", "weights-v2")
	u.Enqueue(UploadJob{SavePath: "model.pt", LocalPath: p})
	if err := u.Finish(t.Context()); err != nil {
		t.Fatal(err)
	}

	if s := u.Summary(); s.Uploaded != 2 || s.Deduped != 1 {
		t.Errorf("summary = %+v, want 2 uploaded and 1 deduped", s)
	}
}

func TestUploader_MissingFileIsSkipped(t *testing.T) {
	u := testUploader(storage.NewMemoryStore())
	u.Start(t.Context())

	u.Enqueue(UploadJob{SavePath: "gone.txt", LocalPath: filepath.Join(t.TempDir(), "gone.txt")})
	if err := u.Finish(t.Context()); err != nil {
		t.Fatal(err)
	}
	if s := u.Summary(); s.Skipped != 1 || s.Failed != 0 {
		t.Errorf("summary = %+v, want 1 skipped", s)
	}
}

func TestUploader_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{
		LodeStore: storage.NewMemoryStore(),
		err:       storage.NewStorageError(storage.ErrThrottled, "write", "k", errors.New("SlowDown")),
	}
	store.failures.Store(2)

	u := testUploader(store)
	u.Start(t.Context())
	u.Enqueue(UploadJob{SavePath: "a.txt", LocalPath: writeFile(t, t.TempDir(), "a.txt", "a")})
	if err := u.Finish(t.Context()); err != nil {
		t.Fatal(err)
	}

	if s := u.Summary(); s.Uploaded != 1 {
		t.Errorf("summary = %+v, want uploaded after retries", s)
	}
	if n := store.puts.Load(); n != 3 {
		t.Errorf("puts = %d, want 3", n)
	}
}

func TestUploader_PermanentFailureIsNotRetried(t *testing.T) {
	store := &flakyStore{
		LodeStore: storage.NewMemoryStore(),
		err:       storage.NewStorageError(storage.ErrAccessDenied, "write", "k", errors.New("AccessDenied")),
	}
	store.failures.Store(100)

	u := testUploader(store)
	u.Start(t.Context())
	u.Enqueue(UploadJob{SavePath: "a.txt", LocalPath: writeFile(t, t.TempDir(), "a.txt", "a")})
	if err := u.Finish(t.Context()); err != nil {
		t.Fatal(err)
	}

	if s := u.Summary(); s.Failed != 1 {
		t.Errorf("summary = %+v, want 1 failed", s)
	}
	if n := store.puts.Load(); n != 1 {
		t.Errorf("puts = %d, want 1", n)
	}
}

func TestUploader_OnUploaded(t *testing.T) {
	var (
		mu   sync.Mutex
		done []string
	)
	u := NewUploader(storage.NewMemoryStore(), UploaderConfig{
		RunID: "r",
		OnUploaded: func(p string) {
			mu.Lock()
			done = append(done, p)
			mu.Unlock()
		},
	})
	u.Start(t.Context())
	u.Enqueue(UploadJob{SavePath: "x", LocalPath: writeFile(t, t.TempDir(), "x", "1")})
	if err := u.Finish(t.Context()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(done) != 1 || done[0] != "x" {
		t.Errorf("callbacks = %v", done)
	}
}

func TestUploader_FinishWithoutStart(t *testing.T) {
	u := testUploader(storage.NewMemoryStore())
	if err := u.Finish(t.Context()); err != nil {
		t.Errorf("Finish: %v", err)
	}
	if err := u.Finish(t.Context()); err != nil {
		t.Errorf("second Finish: %v", err)
	}
}

func TestUploader_EnqueueAfterFinishIsDropped(t *testing.T) {
	u := testUploader(storage.NewMemoryStore())
	u.Start(t.Context())
	if err := u.Finish(t.Context()); err != nil {
		t.Fatal(err)
	}
	u.Enqueue(UploadJob{SavePath: "late", LocalPath: "late"})
	if q := u.Summary().Queued; q != 0 {
		t.Errorf("queued = %d, want 0", q)
	}
}
