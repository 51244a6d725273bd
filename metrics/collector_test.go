package metrics

import (
	"sync"
	"testing"
)

func TestCollector_Dispatch(t *testing.T) {
	c := NewCollector("fs")

	c.IncRecord("history")
	c.IncRecord("history")
	c.IncRecord("run")
	c.IncUnknownRecord()
	c.IncResult()
	c.IncPolicyError()
	c.IncDecodeErrors()
	c.IncDecodeErrors()

	s := c.Snapshot()
	if s.Records != 3 {
		t.Errorf("Records = %d, want 3", s.Records)
	}
	if s.RecordsByType["history"] != 2 || s.RecordsByType["run"] != 1 {
		t.Errorf("RecordsByType = %v", s.RecordsByType)
	}
	if s.UnknownRecords != 1 {
		t.Errorf("UnknownRecords = %d, want 1", s.UnknownRecords)
	}
	if s.Results != 1 {
		t.Errorf("Results = %d, want 1", s.Results)
	}
	if s.PolicyErrors != 1 {
		t.Errorf("PolicyErrors = %d, want 1", s.PolicyErrors)
	}
	if s.DecodeErrors != 2 {
		t.Errorf("DecodeErrors = %d, want 2", s.DecodeErrors)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	c := NewCollector("minio")
	c.SetRun("run-001")

	s := c.Snapshot()
	if s.StorageBackend != "minio" {
		t.Errorf("StorageBackend = %q", s.StorageBackend)
	}
	if s.RunID != "run-001" {
		t.Errorf("RunID = %q", s.RunID)
	}
}

func TestCollector_Absorb(t *testing.T) {
	c := NewCollector("memory")
	c.AbsorbStreamStats(100, 4, 7, 1)
	c.AbsorbUploads(5, 3, 1, 1, 2, 4096)
	c.AbsorbArtifacts(2, 1, 0)

	s := c.Snapshot()
	if s.LinesPushed != 100 || s.LinesDropped != 4 || s.StreamRequests != 7 || s.StreamFailures != 1 {
		t.Errorf("stream counters = %+v", s)
	}
	if s.UploadsQueued != 5 || s.UploadsSucceeded != 3 || s.UploadsSkipped != 1 ||
		s.UploadsFailed != 1 || s.UploadsDeduped != 2 || s.UploadBytes != 4096 {
		t.Errorf("upload counters = %+v", s)
	}
	if s.ArtifactsCommitted != 2 || s.ArtifactsDeduped != 1 || s.ArtifactsFailed != 0 {
		t.Errorf("artifact counters = %+v", s)
	}

	// Absorbing again replaces rather than accumulates.
	c.AbsorbArtifacts(3, 1, 0)
	if got := c.Snapshot().ArtifactsCommitted; got != 3 {
		t.Errorf("ArtifactsCommitted = %d, want 3", got)
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector("fs")
	c.IncRecord("output")

	s := c.Snapshot()
	s.RecordsByType["output"] = 99

	c.IncRecord("output")
	if got := c.Snapshot().RecordsByType["output"]; got != 2 {
		t.Errorf("RecordsByType[output] = %d, want 2", got)
	}
	if s.Records != 1 {
		t.Errorf("earlier snapshot changed: Records = %d", s.Records)
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	c.SetRun("x")
	c.IncRecord("run")
	c.IncUnknownRecord()
	c.IncResult()
	c.IncPolicyError()
	c.IncDecodeErrors()
	c.AbsorbStreamStats(1, 1, 1, 1)
	c.AbsorbUploads(1, 1, 1, 1, 1, 1)
	c.AbsorbArtifacts(1, 1, 1)

	s := c.Snapshot()
	if s.Records != 0 || s.RecordsByType != nil {
		t.Errorf("nil collector snapshot = %+v", s)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("fs")
	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				c.IncRecord("history")
				c.IncResult()
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * perGoroutine)
	if s.Records != want || s.RecordsByType["history"] != want {
		t.Errorf("Records = %d, RecordsByType = %v, want %d", s.Records, s.RecordsByType, want)
	}
	if s.Results != want {
		t.Errorf("Results = %d, want %d", s.Results, want)
	}
}
