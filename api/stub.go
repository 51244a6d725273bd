package api

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// StubAPI is an in-memory Client.
// It models just enough of the server for tests and offline runs:
// runs keyed by entity/project/id, and artifacts deduplicated by digest.
type StubAPI struct {
	defaults

	mu        sync.Mutex
	runs      map[string]*StubRun
	artifacts map[string]*StubArtifact // keyed by digest

	// Upserts records every UpsertRun call in order.
	Upserts []UpsertRunParams
	// Used records UseArtifact calls as artifact ids.
	Used []string

	// Injected failures, returned by the matching call when set.
	UpsertErr error
	ResumeErr error
	CreateErr error
	CommitErr error
}

// StubRun is a run held by StubAPI.
type StubRun struct {
	ID          string
	RunID       string
	Entity      string
	Project     string
	DisplayName string
	Config      map[string]any
	Status      ResumeStatus
}

// StubArtifact is an artifact held by StubAPI.
type StubArtifact struct {
	ID      string
	Digest  string
	Name    string
	State   string
	Runs    []string
	Commits int
}

// Verify StubAPI implements Client.
var _ Client = (*StubAPI)(nil)

// NewStubAPI creates an empty stub with the given defaults.
func NewStubAPI(entity, project string) *StubAPI {
	s := &StubAPI{
		runs:      make(map[string]*StubRun),
		artifacts: make(map[string]*StubArtifact),
	}
	s.SetDefaults(entity, project)
	return s
}

func runKey(entity, project, runID string) string {
	return entity + "/" + project + "/" + runID
}

// AddRun seeds an existing run with the given resume status.
func (s *StubAPI) AddRun(entity, project, runID string, status ResumeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runKey(entity, project, runID)] = &StubRun{
		ID:      uuid.NewString(),
		RunID:   runID,
		Entity:  entity,
		Project: project,
		Config:  map[string]any{},
		Status:  status,
	}
}

// Run returns a copy of a stored run.
func (s *StubAPI) Run(entity, project, runID string) (StubRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey(entity, project, runID)]
	if !ok {
		return StubRun{}, false
	}
	out := *r
	out.Config = maps.Clone(r.Config)
	return out, true
}

// Artifact returns a copy of the artifact stored under digest.
func (s *StubAPI) Artifact(digest string) (StubArtifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[digest]
	if !ok {
		return StubArtifact{}, false
	}
	out := *a
	out.Runs = append([]string(nil), a.Runs...)
	return out, true
}

// UpsertRun creates or updates a run. Config keys are merged.
func (s *StubAPI) UpsertRun(_ context.Context, p UpsertRunParams) (*UpsertedRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Upserts = append(s.Upserts, p)
	if s.UpsertErr != nil {
		return nil, false, s.UpsertErr
	}

	entity, project := s.resolve(p.Entity, p.Project)
	key := runKey(entity, project, p.RunID)
	r, ok := s.runs[key]
	inserted := !ok
	if !ok {
		r = &StubRun{
			ID:      uuid.NewString(),
			RunID:   p.RunID,
			Entity:  entity,
			Project: project,
			Config:  map[string]any{},
		}
		s.runs[key] = r
	}
	if p.DisplayName != "" {
		r.DisplayName = p.DisplayName
	}
	if r.DisplayName == "" {
		r.DisplayName = p.RunID
	}
	maps.Copy(r.Config, p.Config)

	return &UpsertedRun{
		ID:          r.ID,
		RunID:       r.RunID,
		DisplayName: r.DisplayName,
		Entity:      r.Entity,
		Project:     r.Project,
	}, inserted, nil
}

// RunResumeStatus returns the seeded status of a run, or nil when absent.
func (s *StubAPI) RunResumeStatus(_ context.Context, entity, project, runID string) (*ResumeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResumeErr != nil {
		return nil, s.ResumeErr
	}
	entity, project = s.resolve(entity, project)
	r, ok := s.runs[runKey(entity, project, runID)]
	if !ok {
		return nil, nil
	}
	status := r.Status
	return &status, nil
}

// CreateArtifact returns the existing artifact for a known digest.
func (s *StubAPI) CreateArtifact(_ context.Context, p CreateArtifactParams) (*ArtifactInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	if p.Digest == "" {
		return nil, fmt.Errorf("create artifact %s: digest is required: %w", p.Name, ErrValidation)
	}
	a, ok := s.artifacts[p.Digest]
	if !ok {
		a = &StubArtifact{
			ID:     uuid.NewString(),
			Digest: p.Digest,
			Name:   p.Name,
			State:  ArtifactPending,
		}
		s.artifacts[p.Digest] = a
	}
	if p.RunID != "" {
		a.Runs = append(a.Runs, p.RunID)
	}
	return &ArtifactInfo{ID: a.ID, State: a.State}, nil
}

func (s *StubAPI) artifactByID(id string) *StubArtifact {
	for _, a := range s.artifacts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// CommitArtifact moves an artifact to COMMITTED.
func (s *StubAPI) CommitArtifact(_ context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		return s.CommitErr
	}
	a := s.artifactByID(artifactID)
	if a == nil {
		return fmt.Errorf("commit artifact %s: %w", artifactID, ErrNotFound)
	}
	a.State = ArtifactCommitted
	a.Commits++
	return nil
}

// UseArtifact records the usage.
func (s *StubAPI) UseArtifact(_ context.Context, _, _, _ string, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifactByID(artifactID) == nil {
		return fmt.Errorf("use artifact %s: %w", artifactID, ErrNotFound)
	}
	s.Used = append(s.Used, artifactID)
	return nil
}
