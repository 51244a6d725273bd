package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/storage"
	"github.com/justapithecus/runsync/types"
)

// countingStore counts Puts per key.
type countingStore struct {
	*storage.LodeStore
	mu   sync.Mutex
	puts map[string]int
	all  atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{LodeStore: storage.NewMemoryStore(), puts: make(map[string]int)}
}

func (s *countingStore) Put(ctx context.Context, key string, r io.Reader) error {
	s.all.Add(1)
	s.mu.Lock()
	s.puts[key]++
	s.mu.Unlock()
	return s.LodeStore.Put(ctx, key, r)
}

func (s *countingStore) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func writeEntry(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func testRecord(t *testing.T) *types.ArtifactRecord {
	t.Helper()
	return &types.ArtifactRecord{
		RunID:   "run-1",
		Entity:  "team",
		Project: "proj",
		Type:    "dataset",
		Name:    "mnist",
		Manifest: types.Manifest{
			Version:       1,
			StoragePolicy: "content-addressed",
			Entries: []types.ManifestEntry{
				{Path: "train.csv", Digest: "d-train", LocalPath: writeEntry(t, "train.csv", "1,2,3")},
				{Path: "test.csv", Digest: "d-test", LocalPath: writeEntry(t, "test.csv", "4,5")},
				{Path: "remote.bin", Digest: "d-remote", Ref: "s3://elsewhere/remote.bin"},
			},
		},
	}
}

func TestCommit_UploadsBlobsAndManifest(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	store := newCountingStore()
	c := NewCommitter(stub, store, Config{})
	rec := testRecord(t)

	id, err := c.Commit(t.Context(), rec)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	digest := rec.Manifest.ComputeDigest()
	art, ok := stub.Artifact(digest)
	if !ok {
		t.Fatalf("artifact %s not created", digest)
	}
	if art.ID != id || art.State != api.ArtifactCommitted || art.Commits != 1 {
		t.Errorf("artifact = %+v, want id %s committed once", art, id)
	}

	for _, d := range []string{"d-train", "d-test"} {
		if n := store.count(storage.BlobKey(d)); n != 1 {
			t.Errorf("blob %s put %d times, want 1", d, n)
		}
	}
	if n := store.count(storage.BlobKey("d-remote")); n != 0 {
		t.Errorf("reference entry uploaded %d times", n)
	}

	rc, err := store.Get(t.Context(), storage.ManifestKey(digest))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	defer rc.Close()
	var doc map[string]any
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	contents, _ := doc["contents"].(map[string]any)
	if len(contents) != 3 {
		t.Errorf("manifest contents = %v, want 3 entries", contents)
	}

	if got := c.Stats(); got.Committed != 1 || got.BlobsUploaded != 2 {
		t.Errorf("stats = %+v", got)
	}
	if len(stub.Used) != 0 {
		t.Errorf("UseArtifact called without UseAfterCommit: %v", stub.Used)
	}
}

func TestCommit_CommittedDigestIsDeduped(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	first := newCountingStore()
	rec := testRecord(t)
	if _, err := NewCommitter(stub, first, Config{}).Commit(t.Context(), rec); err != nil {
		t.Fatal(err)
	}

	store := newCountingStore()
	c := NewCommitter(stub, store, Config{})
	second := testRecord(t)
	second.RunID = "run-2"
	second.UseAfterCommit = true

	id, err := c.Commit(t.Context(), second)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if n := store.all.Load(); n != 0 {
		t.Errorf("deduped commit wrote %d objects", n)
	}
	art, _ := stub.Artifact(rec.Manifest.ComputeDigest())
	if art.Commits != 1 {
		t.Errorf("Commits = %d, want 1", art.Commits)
	}
	if len(art.Runs) != 2 || art.Runs[1] != "run-2" {
		t.Errorf("Runs = %v, want second run associated", art.Runs)
	}
	if len(stub.Used) != 1 || stub.Used[0] != id {
		t.Errorf("Used = %v, want [%s]", stub.Used, id)
	}
	if got := c.Stats(); got.Deduped != 1 || got.Committed != 0 {
		t.Errorf("stats = %+v", got)
	}
	if rows := c.Commits(); len(rows) != 1 || rows[0].State != StateDeduped {
		t.Errorf("commits = %+v", rows)
	}
}

func TestCommit_StoredBlobIsNotReuploaded(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	store := newCountingStore()
	if err := store.LodeStore.Put(t.Context(), storage.BlobKey("d-train"), strings.NewReader("1,2,3")); err != nil {
		t.Fatal(err)
	}

	c := NewCommitter(stub, store, Config{})
	if _, err := c.Commit(t.Context(), testRecord(t)); err != nil {
		t.Fatal(err)
	}
	if n := store.count(storage.BlobKey("d-train")); n != 0 {
		t.Errorf("existing blob re-uploaded %d times", n)
	}
	if got := c.Stats(); got.BlobsSkipped != 1 || got.BlobsUploaded != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestCommit_SharedDigestUploadsOnce(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	store := newCountingStore()
	c := NewCommitter(stub, store, Config{Parallel: 4})

	shared := writeEntry(t, "shared.bin", "same bytes")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &types.ArtifactRecord{
				RunID: "run-1",
				Type:  "model",
				Name:  "m" + string(rune('a'+i)),
				Manifest: types.Manifest{
					Version: 1,
					Entries: []types.ManifestEntry{
						{Path: "weights.bin", Digest: "d-shared", LocalPath: shared},
						{Path: "index", Digest: "d-index-" + string(rune('a'+i)), LocalPath: shared},
					},
				},
			}
			if _, err := c.Commit(t.Context(), rec); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Commit: %v", err)
	}

	if n := store.count(storage.BlobKey("d-shared")); n != 1 {
		t.Errorf("shared blob put %d times, want 1", n)
	}
	if got := c.Stats(); got.Committed != 8 {
		t.Errorf("Committed = %d, want 8", got.Committed)
	}
}

func TestCommit_UseAfterCommit(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	c := NewCommitter(stub, storage.NewMemoryStore(), Config{})
	rec := testRecord(t)
	rec.UseAfterCommit = true

	id, err := c.Commit(t.Context(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(stub.Used) != 1 || stub.Used[0] != id {
		t.Errorf("Used = %v, want [%s]", stub.Used, id)
	}
}

func TestCommit_FillsMissingDigests(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	store := newCountingStore()
	c := NewCommitter(stub, store, Config{})

	rec := &types.ArtifactRecord{
		Name: "raw",
		Type: "dataset",
		Manifest: types.Manifest{
			Version: 1,
			Entries: []types.ManifestEntry{
				{Path: "a.txt", LocalPath: writeEntry(t, "a.txt", "hello")},
			},
		},
	}
	if _, err := c.Commit(t.Context(), rec); err != nil {
		t.Fatal(err)
	}
	// md5("hello")
	if n := store.count(storage.BlobKey("5d41402abc4b2a76b9719d911017c592")); n != 1 {
		t.Errorf("blob not stored under content digest")
	}
	if rec.Manifest.Entries[0].Digest != "" {
		t.Error("caller's manifest was mutated")
	}
}

func TestCommit_Failures(t *testing.T) {
	t.Run("missing name", func(t *testing.T) {
		c := NewCommitter(api.NewStubAPI("", ""), storage.NewMemoryStore(), Config{})
		if _, err := c.Commit(t.Context(), &types.ArtifactRecord{}); !errors.Is(err, ErrMissingName) {
			t.Errorf("err = %v, want ErrMissingName", err)
		}
	})

	t.Run("commit rejected", func(t *testing.T) {
		stub := api.NewStubAPI("team", "proj")
		stub.CommitErr = api.ErrValidation
		c := NewCommitter(stub, storage.NewMemoryStore(), Config{})

		if _, err := c.Commit(t.Context(), testRecord(t)); !errors.Is(err, api.ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
		rows := c.Commits()
		if len(rows) != 1 || rows[0].State != StateFailed || rows[0].Err == "" {
			t.Errorf("commits = %+v", rows)
		}
		if c.Stats().Failed != 1 {
			t.Errorf("Failed = %d", c.Stats().Failed)
		}
	})

	t.Run("missing local file", func(t *testing.T) {
		stub := api.NewStubAPI("team", "proj")
		c := NewCommitter(stub, storage.NewMemoryStore(), Config{})
		rec := testRecord(t)
		rec.Manifest.Entries[0].LocalPath = filepath.Join(t.TempDir(), "gone")

		if _, err := c.Commit(t.Context(), rec); err == nil {
			t.Fatal("expected error")
		}
		art, _ := stub.Artifact(rec.Manifest.ComputeDigest())
		if art.State == api.ArtifactCommitted {
			t.Error("artifact committed despite failed upload")
		}
	})
}
