// Package api is the client side of the remote run API: run upsert,
// resume status lookup and artifact lifecycle calls.
//
// HTTPClient speaks GraphQL over HTTP. StubAPI is an in-memory
// implementation used by tests and offline mode.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates the server rejected the request (4xx).
	ErrValidation = errors.New("request rejected")
)

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Is matches ErrValidation for 4xx responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrValidation && e.Code >= 400 && e.Code < 500
}

// Client is the remote run API.
type Client interface {
	// UpsertRun creates or updates a run. The bool reports whether it was created.
	UpsertRun(ctx context.Context, params UpsertRunParams) (*UpsertedRun, bool, error)
	// RunResumeStatus returns the stored state of a run, or nil, nil when
	// no such run exists.
	RunResumeStatus(ctx context.Context, entity, project, runID string) (*ResumeStatus, error)
	// CreateArtifact registers an artifact version by digest.
	CreateArtifact(ctx context.Context, params CreateArtifactParams) (*ArtifactInfo, error)
	// CommitArtifact marks an artifact's content as complete.
	CommitArtifact(ctx context.Context, artifactID string) error
	// UseArtifact records the artifact as an input of the run.
	UseArtifact(ctx context.Context, entity, project, runID, artifactID string) error
	// Defaults returns the entity and project used when a call omits them.
	Defaults() (entity, project string)
	// SetDefaults replaces the defaults. Empty values leave the current one.
	SetDefaults(entity, project string)
}

// UpsertRunParams are the fields of a run upsert. Empty fields are omitted.
type UpsertRunParams struct {
	RunID       string
	Entity      string
	Project     string
	Group       string
	JobType     string
	DisplayName string
	Notes       string
	Tags        []string
	// Config is the full run config as key -> {desc, value}.
	Config      map[string]any
	SweepID     string
	Host        string
	ProgramPath string
	RepoURL     string
	Commit      string
}

// UpsertedRun is the server view of a run after upsert.
type UpsertedRun struct {
	// ID is the server storage id.
	ID          string
	RunID       string
	DisplayName string
	Entity      string
	Project     string
	SweepID     string
}

// ResumeStatus is the stored state used to continue a run.
type ResumeStatus struct {
	HistoryLineCount int64
	EventsLineCount  int64
	LogLineCount     int64
	// HistoryTail is a JSON array of JSON-encoded history rows.
	HistoryTail    string
	SummaryMetrics string
	Config         string
}

// Artifact states.
const (
	ArtifactPending   = "PENDING"
	ArtifactCommitted = "COMMITTED"
)

// CreateArtifactParams describe an artifact version.
type CreateArtifactParams struct {
	Entity      string
	Project     string
	RunID       string
	Type        string
	Name        string
	Digest      string
	Description string
	// Metadata is a JSON object string.
	Metadata    string
	Aliases     []string
	UserCreated bool
	ClientID    string
}

// ArtifactInfo is the server view of an artifact version.
type ArtifactInfo struct {
	ID    string
	State string
}

// defaults holds the entity/project used when a call omits them.
type defaults struct {
	mu      sync.RWMutex
	entity  string
	project string
}

func (d *defaults) Defaults() (string, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entity, d.project
}

func (d *defaults) SetDefaults(entity, project string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entity != "" {
		d.entity = entity
	}
	if project != "" {
		d.project = project
	}
}

// resolve fills empty entity/project from the defaults.
func (d *defaults) resolve(entity, project string) (string, string) {
	de, dp := d.Defaults()
	if entity == "" {
		entity = de
	}
	if project == "" {
		project = dp
	}
	return entity, project
}
