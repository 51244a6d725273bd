// Package adapter defines the boundary for publishing run lifecycle
// events to downstream systems.
//
// The daemon owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"sync"
)

// ContractVersion is the event payload version.
const ContractVersion = "1.0.0"

// Event types.
const (
	EventRunStarted  = "run_started"
	EventRunFinished = "run_finished"
)

// UploadCounts summarizes file uploads at run finish.
type UploadCounts struct {
	Queued   int64 `json:"queued"`
	Uploaded int64 `json:"uploaded"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
	Deduped  int64 `json:"deduped"`
	Bytes    int64 `json:"bytes"`
}

// Event is the payload published when a run starts or finishes.
type Event struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // run_started or run_finished
	RunID           string `json:"run_id"`
	Entity          string `json:"entity,omitempty"`
	Project         string `json:"project,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	StorageID       string `json:"storage_id,omitempty"`
	FilesDir        string `json:"files_dir"`
	Timestamp       string `json:"timestamp"` // RFC 3339
	// Set on run_finished only.
	ExitCode *int32        `json:"exit_code,omitempty"`
	Uploads  *UploadCounts `json:"uploads,omitempty"`
}

// Adapter publishes run events to a downstream system.
type Adapter interface {
	// Publish sends an event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *Event) error

	// Close releases adapter resources.
	Close() error
}

// StubAdapter records published events.
type StubAdapter struct {
	mu     sync.Mutex
	events []Event
	closed bool

	// Err, when set, is returned by Publish.
	Err error
}

// Verify StubAdapter implements Adapter.
var _ Adapter = (*StubAdapter)(nil)

// Publish records a copy of event.
func (s *StubAdapter) Publish(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.events = append(s.events, *event)
	return nil
}

// Close marks the stub closed.
func (s *StubAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns the recorded events in publish order.
func (s *StubAdapter) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Closed reports whether Close was called.
func (s *StubAdapter) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
