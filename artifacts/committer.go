// Package artifacts commits artifact manifests: register the version by
// digest, upload entry blobs content-addressed, upload the manifest,
// then mark the version committed.
package artifacts

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/iox"
	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/storage"
	"github.com/justapithecus/runsync/types"
)

// DefaultParallel bounds concurrent blob uploads per commit.
const DefaultParallel = 8

// ErrMissingName is returned for records without an artifact name.
var ErrMissingName = errors.New("artifact name is required")

// Config configures a Committer.
type Config struct {
	// Parallel bounds concurrent blob uploads per commit.
	Parallel int
	Logger   *log.Logger
}

// Committer commits artifacts. Safe for concurrent use.
type Committer struct {
	api    api.Client
	store  storage.BlobStore
	config Config
	logger *log.Logger

	// blobs collapses concurrent uploads of the same digest.
	blobs singleflight.Group

	mu      sync.Mutex
	table   map[string]*Commit // keyed by name@digest
	order   []string
	present map[string]struct{} // digests known to be stored
	stats   Stats
}

// NewCommitter creates a committer.
func NewCommitter(client api.Client, store storage.BlobStore, config Config) *Committer {
	if config.Parallel <= 0 {
		config.Parallel = DefaultParallel
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	return &Committer{
		api:     client,
		store:   store,
		config:  config,
		logger:  config.Logger.Named("artifacts"),
		table:   make(map[string]*Commit),
		present: make(map[string]struct{}),
	}
}

// Commit registers, uploads and commits the artifact described by rec.
// A digest already committed server-side is a dedup: no content is
// uploaded, the new run association is still recorded by the create
// call. Returns the server artifact id.
func (c *Committer) Commit(ctx context.Context, rec *types.ArtifactRecord) (string, error) {
	if rec.Name == "" {
		return "", ErrMissingName
	}

	manifest := rec.Manifest
	manifest.Entries = append([]types.ManifestEntry(nil), rec.Manifest.Entries...)
	if err := fillEntryDigests(manifest.Entries); err != nil {
		return "", err
	}
	digest := rec.Digest
	if digest == "" {
		digest = manifest.ComputeDigest()
	}

	key := rec.Name + "@" + digest
	c.begin(key, rec.Name, digest)

	id, deduped, err := c.commit(ctx, rec, &manifest, digest, key)
	c.end(key, id, deduped, err)
	if err != nil {
		c.logger.Error("artifact commit failed", map[string]any{
			"name":   rec.Name,
			"digest": digest,
			"error":  err.Error(),
		})
		return "", err
	}

	c.logger.Info("artifact committed", map[string]any{
		"name":         rec.Name,
		"digest":       digest,
		"id":           id,
		"deduped":      deduped,
		"entries":      len(manifest.Entries),
		"user_created": rec.UserCreated,
	})
	return id, nil
}

func (c *Committer) commit(ctx context.Context, rec *types.ArtifactRecord, manifest *types.Manifest, digest, key string) (string, bool, error) {
	info, err := c.api.CreateArtifact(ctx, api.CreateArtifactParams{
		Entity:      rec.Entity,
		Project:     rec.Project,
		RunID:       rec.RunID,
		Type:        rec.Type,
		Name:        rec.Name,
		Digest:      digest,
		Description: rec.Description,
		Metadata:    rec.Metadata,
		Aliases:     rec.Aliases,
		UserCreated: rec.UserCreated,
		ClientID:    uuid.NewString(),
	})
	if err != nil {
		return "", false, fmt.Errorf("create artifact: %w", err)
	}
	c.setID(key, info.ID)

	if info.State == api.ArtifactCommitted {
		if err := c.use(ctx, rec, info.ID); err != nil {
			return info.ID, true, err
		}
		return info.ID, true, nil
	}

	if err := c.uploadEntries(ctx, manifest.Entries); err != nil {
		return info.ID, false, err
	}

	body, err := json.Marshal(manifest.JSONContents())
	if err != nil {
		return info.ID, false, fmt.Errorf("encode manifest: %w", err)
	}
	if err := c.store.Put(ctx, storage.ManifestKey(digest), bytes.NewReader(body)); err != nil {
		return info.ID, false, fmt.Errorf("upload manifest: %w", err)
	}

	if err := c.api.CommitArtifact(ctx, info.ID); err != nil {
		return info.ID, false, fmt.Errorf("commit artifact: %w", err)
	}
	if err := c.use(ctx, rec, info.ID); err != nil {
		return info.ID, false, err
	}
	return info.ID, false, nil
}

func (c *Committer) use(ctx context.Context, rec *types.ArtifactRecord, id string) error {
	if !rec.UseAfterCommit {
		return nil
	}
	if err := c.api.UseArtifact(ctx, rec.Entity, rec.Project, rec.RunID, id); err != nil {
		return fmt.Errorf("use artifact: %w", err)
	}
	return nil
}

// uploadEntries uploads every entry with local content in parallel.
func (c *Committer) uploadEntries(ctx context.Context, entries []types.ManifestEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Parallel)

	for _, e := range entries {
		if e.LocalPath == "" {
			continue
		}
		g.Go(func() error {
			return c.uploadBlob(gctx, e)
		})
	}
	return g.Wait()
}

// uploadBlob stores an entry under its digest unless already present.
func (c *Committer) uploadBlob(ctx context.Context, e types.ManifestEntry) error {
	_, err, _ := c.blobs.Do(e.Digest, func() (any, error) {
		c.mu.Lock()
		_, known := c.present[e.Digest]
		c.mu.Unlock()
		if known {
			c.count(func(s *Stats) { s.BlobsSkipped++ })
			return nil, nil
		}

		key := storage.BlobKey(e.Digest)
		exists, err := c.store.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check blob %s: %w", e.Path, err)
		}
		if !exists {
			f, err := os.Open(e.LocalPath)
			if err != nil {
				return nil, fmt.Errorf("open entry %s: %w", e.Path, err)
			}
			defer iox.DiscardClose(f)
			if err := c.store.Put(ctx, key, f); err != nil {
				return nil, fmt.Errorf("upload entry %s: %w", e.Path, err)
			}
			c.count(func(s *Stats) { s.BlobsUploaded++ })
		} else {
			c.count(func(s *Stats) { s.BlobsSkipped++ })
		}

		c.mu.Lock()
		c.present[e.Digest] = struct{}{}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// fillEntryDigests computes md5 digests for local entries without one.
func fillEntryDigests(entries []types.ManifestEntry) error {
	for i := range entries {
		if entries[i].Digest != "" || entries[i].LocalPath == "" {
			continue
		}
		f, err := os.Open(entries[i].LocalPath)
		if err != nil {
			return fmt.Errorf("open entry %s: %w", entries[i].Path, err)
		}
		h := md5.New()
		n, err := io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("hash entry %s: %w", entries[i].Path, err)
		}
		entries[i].Digest = hex.EncodeToString(h.Sum(nil))
		if entries[i].Size == 0 {
			entries[i].Size = n
		}
	}
	return nil
}

// --- commit state table ---

// State is the lifecycle state of a commit.
type State string

// Commit states.
const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
	StateDeduped   State = "deduped"
	StateFailed    State = "failed"
)

// Commit is one row of the state table.
type Commit struct {
	Name       string
	Digest     string
	ArtifactID string
	State      State
	Attempts   int
	Err        string
}

// Stats summarizes commits and blob uploads.
type Stats struct {
	Committed     int64
	Deduped       int64
	Failed        int64
	BlobsUploaded int64
	BlobsSkipped  int64
}

func (c *Committer) begin(key, name, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.table[key]
	if !ok {
		row = &Commit{Name: name, Digest: digest}
		c.table[key] = row
		c.order = append(c.order, key)
	}
	row.State = StatePending
	row.Err = ""
	row.Attempts++
}

func (c *Committer) setID(key, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table[key].ArtifactID = id
}

func (c *Committer) end(key, id string, deduped bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.table[key]
	if id != "" {
		row.ArtifactID = id
	}
	switch {
	case err != nil:
		row.State = StateFailed
		row.Err = err.Error()
		c.stats.Failed++
	case deduped:
		row.State = StateDeduped
		c.stats.Deduped++
	default:
		row.State = StateCommitted
		c.stats.Committed++
	}
}

func (c *Committer) count(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

// Stats returns commit and blob counters.
func (c *Committer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Commits returns the state table in first-commit order.
func (c *Committer) Commits() []Commit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Commit, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, *c.table[k])
	}
	return out
}

// Pending returns the names of commits not yet finished, sorted.
func (c *Committer) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, row := range c.table {
		if row.State == StatePending {
			out = append(out, row.Name)
		}
	}
	sort.Strings(out)
	return out
}
