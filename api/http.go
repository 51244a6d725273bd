package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/justapithecus/runsync/iox"
	"github.com/justapithecus/runsync/log"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// DefaultRetries is the default number of retries for transient failures.
const DefaultRetries = 5

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the service root, e.g. "https://api.example.com" (required).
	BaseURL string
	// APIKey is sent as basic auth password with user "api".
	APIKey string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// Retries is the number of retries on 5xx, 429 and network errors.
	Retries int
	// Entity and Project are the initial defaults.
	Entity  string
	Project string
	Logger  *log.Logger
}

// HTTPClient implements Client over GraphQL.
type HTTPClient struct {
	defaults
	endpoint string
	apiKey   string
	http     *retryablehttp.Client
}

// Verify HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client from cfg.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api client requires a base URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = cfg.Logger.Named("api").KeyValues()
	// Return the last response instead of a generic "giving up" error so
	// the status can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &HTTPClient{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/graphql",
		apiKey:   cfg.APIKey,
		http:     rc,
	}
	c.SetDefaults(cfg.Entity, cfg.Project)
	return c, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// GraphQLError carries errors reported in a 200 response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

// do posts a query and decodes the data member into out.
func (c *HTTPClient) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.SetBasicAuth("api", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	data, err := iox.ReadLimited(resp.Body, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 256)}
	}

	var gr graphqlResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return &GraphQLError{Messages: msgs}
	}
	if out == nil || len(gr.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// setIf adds key to vars when value is non-empty.
func setIf(vars map[string]any, key, value string) {
	if value != "" {
		vars[key] = value
	}
}

// UpsertRun creates or updates a run.
func (c *HTTPClient) UpsertRun(ctx context.Context, p UpsertRunParams) (*UpsertedRun, bool, error) {
	entity, project := c.resolve(p.Entity, p.Project)

	vars := map[string]any{"name": p.RunID}
	setIf(vars, "entity", entity)
	setIf(vars, "project", project)
	setIf(vars, "groupName", p.Group)
	setIf(vars, "jobType", p.JobType)
	setIf(vars, "displayName", p.DisplayName)
	setIf(vars, "notes", p.Notes)
	setIf(vars, "sweep", p.SweepID)
	setIf(vars, "host", p.Host)
	setIf(vars, "program", p.ProgramPath)
	setIf(vars, "repo", p.RepoURL)
	setIf(vars, "commit", p.Commit)
	if len(p.Tags) > 0 {
		vars["tags"] = p.Tags
	}
	if len(p.Config) > 0 {
		cfg, err := json.Marshal(p.Config)
		if err != nil {
			return nil, false, fmt.Errorf("marshal config: %w", err)
		}
		vars["config"] = string(cfg)
	}

	var out struct {
		UpsertBucket struct {
			Bucket struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
				SweepName   string `json:"sweepName"`
				Project     *struct {
					Name   string `json:"name"`
					Entity *struct {
						Name string `json:"name"`
					} `json:"entity"`
				} `json:"project"`
			} `json:"bucket"`
			Inserted bool `json:"inserted"`
		} `json:"upsertBucket"`
	}
	if err := c.do(ctx, upsertBucketMutation, vars, &out); err != nil {
		return nil, false, fmt.Errorf("upsert run %s: %w", p.RunID, err)
	}

	b := out.UpsertBucket.Bucket
	run := &UpsertedRun{
		ID:          b.ID,
		RunID:       b.Name,
		DisplayName: b.DisplayName,
		SweepID:     b.SweepName,
	}
	if b.Project != nil {
		run.Project = b.Project.Name
		if b.Project.Entity != nil {
			run.Entity = b.Project.Entity.Name
		}
	}
	return run, out.UpsertBucket.Inserted, nil
}

// RunResumeStatus returns the stored state of a run, or nil when absent.
func (c *HTTPClient) RunResumeStatus(ctx context.Context, entity, project, runID string) (*ResumeStatus, error) {
	entity, project = c.resolve(entity, project)

	var out struct {
		Model *struct {
			Bucket *struct {
				HistoryLineCount int64  `json:"historyLineCount"`
				EventsLineCount  int64  `json:"eventsLineCount"`
				LogLineCount     int64  `json:"logLineCount"`
				HistoryTail      string `json:"historyTail"`
				SummaryMetrics   string `json:"summaryMetrics"`
				Config           string `json:"config"`
			} `json:"bucket"`
		} `json:"model"`
	}
	vars := map[string]any{"entity": entity, "project": project, "name": runID}
	if err := c.do(ctx, resumeStatusQuery, vars, &out); err != nil {
		return nil, fmt.Errorf("resume status %s: %w", runID, err)
	}
	if out.Model == nil || out.Model.Bucket == nil {
		return nil, nil
	}
	b := out.Model.Bucket
	return &ResumeStatus{
		HistoryLineCount: b.HistoryLineCount,
		EventsLineCount:  b.EventsLineCount,
		LogLineCount:     b.LogLineCount,
		HistoryTail:      b.HistoryTail,
		SummaryMetrics:   b.SummaryMetrics,
		Config:           b.Config,
	}, nil
}

// CreateArtifact registers an artifact version by digest.
func (c *HTTPClient) CreateArtifact(ctx context.Context, p CreateArtifactParams) (*ArtifactInfo, error) {
	entity, project := c.resolve(p.Entity, p.Project)

	vars := map[string]any{
		"entityName":       entity,
		"projectName":      project,
		"runName":          p.RunID,
		"artifactTypeName": p.Type,
		"digest":           p.Digest,
		"userCreated":      p.UserCreated,
		"aliases":          aliasInputs(p.Name, p.Aliases),
	}
	vars["artifactCollectionNames"] = []string{p.Name}
	setIf(vars, "description", p.Description)
	setIf(vars, "metadata", p.Metadata)
	setIf(vars, "clientID", p.ClientID)

	var out struct {
		CreateArtifact struct {
			Artifact struct {
				ID    string `json:"id"`
				State string `json:"state"`
			} `json:"artifact"`
		} `json:"createArtifact"`
	}
	if err := c.do(ctx, createArtifactMutation, vars, &out); err != nil {
		return nil, fmt.Errorf("create artifact %s: %w", p.Name, err)
	}
	return &ArtifactInfo{
		ID:    out.CreateArtifact.Artifact.ID,
		State: out.CreateArtifact.Artifact.State,
	}, nil
}

type aliasInput struct {
	CollectionName string `json:"artifactCollectionName"`
	Alias          string `json:"alias"`
}

func aliasInputs(name string, aliases []string) []aliasInput {
	out := make([]aliasInput, 0, len(aliases))
	for _, a := range aliases {
		out = append(out, aliasInput{CollectionName: name, Alias: a})
	}
	return out
}

// CommitArtifact marks an artifact as complete.
func (c *HTTPClient) CommitArtifact(ctx context.Context, artifactID string) error {
	vars := map[string]any{"artifactID": artifactID}
	if err := c.do(ctx, commitArtifactMutation, vars, nil); err != nil {
		return fmt.Errorf("commit artifact %s: %w", artifactID, err)
	}
	return nil
}

// UseArtifact records the artifact as an input of the run.
func (c *HTTPClient) UseArtifact(ctx context.Context, entity, project, runID, artifactID string) error {
	entity, project = c.resolve(entity, project)
	vars := map[string]any{
		"entityName":  entity,
		"projectName": project,
		"runName":     runID,
		"artifactID":  artifactID,
	}
	if err := c.do(ctx, useArtifactMutation, vars, nil); err != nil {
		return fmt.Errorf("use artifact %s: %w", artifactID, err)
	}
	return nil
}
