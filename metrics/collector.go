// Package metrics provides per-run sync counters.
//
// The Collector accumulates counters while a run is synced. It is a leaf
// package with no internal dependencies. Stream, upload and artifact
// counters are absorbed from their owners at finish rather than recorded
// live, avoiding double-counting.
package metrics

import (
	"maps"
	"sync"
)

// Snapshot is an immutable point-in-time view of all counters.
type Snapshot struct {
	// Dispatch
	Records        int64
	RecordsByType  map[string]int64
	UnknownRecords int64
	Results        int64
	PolicyErrors   int64
	DecodeErrors   int64

	// Streaming channel (absorbed at finish)
	LinesPushed    int64
	LinesDropped   int64
	StreamRequests int64
	StreamFailures int64

	// File uploads (absorbed at finish)
	UploadsQueued    int64
	UploadsSucceeded int64
	UploadsSkipped   int64
	UploadsFailed    int64
	UploadsDeduped   int64
	UploadBytes      int64

	// Artifacts (absorbed at finish)
	ArtifactsCommitted int64
	ArtifactsDeduped   int64
	ArtifactsFailed    int64

	// Dimensions
	StorageBackend string
	RunID          string
}

// Collector accumulates counters for a single daemon lifetime.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector labelled with the storage backend.
func NewCollector(storageBackend string) *Collector {
	return &Collector{s: Snapshot{
		RecordsByType:  make(map[string]int64),
		StorageBackend: storageBackend,
	}}
}

func (c *Collector) update(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// SetRun sets the run id dimension once the run is known.
func (c *Collector) SetRun(runID string) {
	c.update(func(s *Snapshot) { s.RunID = runID })
}

// --- Dispatch ---

// IncRecord records a dispatched record of the given variant.
func (c *Collector) IncRecord(variant string) {
	c.update(func(s *Snapshot) {
		s.Records++
		s.RecordsByType[variant]++
	})
}

// IncUnknownRecord records a record with no recognizable variant.
func (c *Collector) IncUnknownRecord() {
	c.update(func(s *Snapshot) { s.UnknownRecords++ })
}

// IncResult records a Result emitted to the producer.
func (c *Collector) IncResult() {
	c.update(func(s *Snapshot) { s.Results++ })
}

// IncPolicyError records a request rejected by run policy.
func (c *Collector) IncPolicyError() {
	c.update(func(s *Snapshot) { s.PolicyErrors++ })
}

// IncDecodeErrors records a frame that could not be decoded.
func (c *Collector) IncDecodeErrors() {
	c.update(func(s *Snapshot) { s.DecodeErrors++ })
}

// --- Absorbed at finish ---

// AbsorbStreamStats copies streaming channel counters.
func (c *Collector) AbsorbStreamStats(pushed, dropped, requests, failures int64) {
	c.update(func(s *Snapshot) {
		s.LinesPushed = pushed
		s.LinesDropped = dropped
		s.StreamRequests = requests
		s.StreamFailures = failures
	})
}

// AbsorbUploads copies file upload counters.
func (c *Collector) AbsorbUploads(queued, succeeded, skipped, failed, deduped, bytes int64) {
	c.update(func(s *Snapshot) {
		s.UploadsQueued = queued
		s.UploadsSucceeded = succeeded
		s.UploadsSkipped = skipped
		s.UploadsFailed = failed
		s.UploadsDeduped = deduped
		s.UploadBytes = bytes
	})
}

// AbsorbArtifacts copies artifact commit counters.
func (c *Collector) AbsorbArtifacts(committed, deduped, failed int64) {
	c.update(func(s *Snapshot) {
		s.ArtifactsCommitted = committed
		s.ArtifactsDeduped = deduped
		s.ArtifactsFailed = failed
	})
}

// --- Snapshot ---

// Snapshot returns a copy of all counters. The Collector can continue to
// be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	out.RecordsByType = maps.Clone(c.s.RecordsByType)
	return out
}
