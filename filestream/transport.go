package filestream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"

	"github.com/justapithecus/runsync/iox"
	"github.com/justapithecus/runsync/log"
)

// Request is one delivery to the remote file stream endpoint.
type Request struct {
	RunID   string
	Entity  string
	Project string
	Files   map[string]Chunk
	// Uploaded lists files the uploader finished since the last request.
	Uploaded []string
	// Complete and ExitCode are set on the terminal request only.
	Complete *bool
	ExitCode *int32
}

// Transport delivers requests.
type Transport interface {
	Send(ctx context.Context, req *Request) error
}

// payload is the wire body of a request.
type payload struct {
	Files    map[string]Chunk `json:"files,omitempty"`
	Uploaded []string         `json:"uploaded,omitempty"`
	Complete *bool            `json:"complete,omitempty"`
	ExitCode *int32           `json:"exitcode,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// HTTPTransportConfig configures HTTPTransport.
type HTTPTransportConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
	Logger  *log.Logger
}

// HTTPTransport posts gzip-compressed JSON to
// {base}/files/{entity}/{project}/{run}/file_stream.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
}

// Verify HTTPTransport implements Transport.
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("file stream transport requires a base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = cfg.Logger.Named("filestream").KeyValues()
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPTransport{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  rc,
	}, nil
}

// URL returns the endpoint for a request.
func (t *HTTPTransport) URL(req *Request) string {
	return fmt.Sprintf("%s/files/%s/%s/%s/file_stream", t.baseURL, req.Entity, req.Project, req.RunID)
}

// Send posts the request.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(payload{
		Files:    req.Files,
		Uploaded: req.Uploaded,
		Complete: req.Complete,
		ExitCode: req.ExitCode,
	}); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.URL(req), buf.Bytes())
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Content-Encoding", "gzip")
	if t.apiKey != "" {
		httpReq.SetBasicAuth("api", t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// StubTransport records requests for testing.
// FailNext makes the next N sends fail.
type StubTransport struct {
	mu       sync.Mutex
	Requests []*Request
	FailNext int
	// Err is returned for injected failures (default "stub failure").
	Err error
}

// Verify StubTransport implements Transport.
var _ Transport = (*StubTransport)(nil)

// NewStubTransport creates an empty stub.
func NewStubTransport() *StubTransport {
	return &StubTransport{}
}

// Send records req or fails when failures are pending.
func (t *StubTransport) Send(_ context.Context, req *Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailNext > 0 {
		t.FailNext--
		if t.Err != nil {
			return t.Err
		}
		return errors.New("stub failure")
	}
	t.Requests = append(t.Requests, req)
	return nil
}

// SetFailNext sets the number of sends that will fail.
func (t *StubTransport) SetFailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FailNext = n
}

// Sent returns a copy of the recorded requests.
func (t *StubTransport) Sent() []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Request(nil), t.Requests...)
}

// Lines returns every content line sent for filename, in order,
// with each chunk placed at its offset.
func (t *StubTransport) Lines(filename string) []string {
	var out []string
	for _, req := range t.Sent() {
		c, ok := req.Files[filename]
		if !ok {
			continue
		}
		if c.Offset < len(out) {
			out = out[:c.Offset]
		}
		out = append(out, c.Content...)
	}
	return out
}

// Final returns the terminal request, or nil.
func (t *StubTransport) Final() *Request {
	for _, req := range t.Sent() {
		if req.Complete != nil {
			return req
		}
	}
	return nil
}
