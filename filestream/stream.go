// Package filestream streams run files (history, events, summary and
// console output) to the remote service as batched line chunks.
package filestream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/justapithecus/runsync/log"
)

// Defaults for Settings.
const (
	DefaultFlushInterval = 15 * time.Second
	DefaultFlushCount    = 500
	DefaultMaxRetries    = 10
)

// ErrTerminalFailure is returned once the stream has given up on delivery.
var ErrTerminalFailure = errors.New("file stream failed permanently")

// Settings configures a Stream.
type Settings struct {
	// FlushInterval triggers a flush every interval.
	FlushInterval time.Duration
	// FlushCount triggers a flush after N lines accumulate.
	FlushCount int
	// MaxRetries is the number of consecutive failed requests after
	// which the stream stops delivering.
	MaxRetries int
	// Logger is an optional logger.
	Logger *log.Logger
}

func (s Settings) withDefaults() Settings {
	if s.FlushInterval <= 0 {
		s.FlushInterval = DefaultFlushInterval
	}
	if s.FlushCount <= 0 {
		s.FlushCount = DefaultFlushCount
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.Logger == nil {
		s.Logger = log.Nop()
	}
	return s
}

// Target identifies the run a stream writes to.
type Target struct {
	RunID   string
	Entity  string
	Project string
	// StartTime is the effective run start, already adjusted for resume.
	StartTime time.Time
}

// Factory opens streams.
type Factory func(target Target) *Stream

// NewFactory returns a Factory opening streams over transport.
func NewFactory(transport Transport, settings Settings) Factory {
	return func(target Target) *Stream {
		return Open(transport, target, settings)
	}
}

// FlushTrigger identifies which trigger caused a flush.
type FlushTrigger string

const (
	// FlushTriggerCount indicates a line-count flush.
	FlushTriggerCount FlushTrigger = "count"
	// FlushTriggerInterval indicates an interval flush.
	FlushTriggerInterval FlushTrigger = "interval"
	// FlushTriggerClose indicates the final flush on Close.
	FlushTriggerClose FlushTrigger = "close"
)

// Stats is a snapshot of stream activity.
type Stats struct {
	LinesPushed  int64
	LinesDropped int64
	Requests     int64
	Failures     int64
	Flushes      map[FlushTrigger]int64
	Failed       bool
}

// Stream is the per-run streaming channel.
//
// Push appends under mu and never blocks on the network. A worker
// goroutine flushes on the interval, or early when FlushCount lines
// are buffered. A request that fails is kept and resent before newer
// data, so offsets per file stay monotonic.
//
// Thread safety:
//   - mu guards buffers, policies and stats
//   - flushMu serializes flushes between the worker and Close
type Stream struct {
	transport Transport
	target    Target
	config    Settings
	logger    *log.Logger

	mu       sync.Mutex
	policies map[string]FilePolicy
	buffers  map[string][]string
	order    []string // filenames in first-push order
	pending  int
	uploaded []string
	stats    Stats
	failed   bool
	closed   bool

	flushMu  sync.Mutex
	retry    *Request // guarded by flushMu
	failures int      // consecutive, guarded by flushMu

	kick   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// Open creates a stream and starts its worker.
func Open(transport Transport, target Target, settings Settings) *Stream {
	settings = settings.withDefaults()
	s := &Stream{
		transport: transport,
		target:    target,
		config:    settings,
		logger:    settings.Logger.Named("filestream"),
		policies:  make(map[string]FilePolicy),
		buffers:   make(map[string][]string),
		stats:     Stats{Flushes: make(map[FlushTrigger]int64)},
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

// Target returns the run the stream writes to.
func (s *Stream) Target() Target {
	return s.target
}

// SetPolicy binds a policy to filename. The first binding wins.
func (s *Stream) SetPolicy(filename string, policy FilePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[filename]; ok {
		return
	}
	s.policies[filename] = policy
}

// Push buffers a line for filename. Files without a policy are
// appended as JSONL from offset 0.
func (s *Stream) Push(filename, line string) {
	s.mu.Lock()
	if s.failed || s.closed {
		s.stats.LinesDropped++
		s.mu.Unlock()
		return
	}
	if _, ok := s.policies[filename]; !ok {
		s.policies[filename] = NewJSONLPolicy(0)
	}
	if _, ok := s.buffers[filename]; !ok {
		s.order = append(s.order, filename)
	}
	s.buffers[filename] = append(s.buffers[filename], line)
	s.pending++
	s.stats.LinesPushed++
	full := s.pending >= s.config.FlushCount
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// MarkUploaded reports a file as uploaded with the next request.
func (s *Stream) MarkUploaded(savePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed || s.closed {
		return
	}
	s.uploaded = append(s.uploaded, savePath)
}

// Stats returns a snapshot of stream activity.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Failed = s.failed
	out.Flushes = make(map[FlushTrigger]int64, len(s.stats.Flushes))
	for k, v := range s.stats.Flushes {
		out.Flushes[k] = v
	}
	return out
}

func (s *Stream) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.flush(context.Background(), FlushTriggerInterval)
		case <-s.kick:
			_ = s.flush(context.Background(), FlushTriggerCount)
		case <-s.stopCh:
			return
		}
	}
}

// takeRequest swaps out buffered lines and builds the next request.
// Returns nil when there is nothing to send. Caller must hold flushMu.
func (s *Stream) takeRequest(trigger FlushTrigger) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Flushes[trigger]++
	if s.pending == 0 && len(s.uploaded) == 0 {
		return nil
	}

	req := s.newRequest()
	for _, name := range s.order {
		lines := s.buffers[name]
		if len(lines) == 0 {
			continue
		}
		req.Files[name] = s.policies[name].Process(lines)
	}
	req.Uploaded = s.uploaded

	s.buffers = make(map[string][]string)
	s.order = nil
	s.pending = 0
	s.uploaded = nil
	return req
}

func (s *Stream) newRequest() *Request {
	return &Request{
		RunID:   s.target.RunID,
		Entity:  s.target.Entity,
		Project: s.target.Project,
		Files:   make(map[string]Chunk),
	}
}

// send delivers req, tracking consecutive failures.
// Caller must hold flushMu.
func (s *Stream) send(ctx context.Context, req *Request) error {
	s.mu.Lock()
	s.stats.Requests++
	s.mu.Unlock()

	err := s.transport.Send(ctx, req)
	if err == nil {
		s.failures = 0
		return nil
	}

	s.failures++
	s.mu.Lock()
	s.stats.Failures++
	if s.failures >= s.config.MaxRetries && !s.failed {
		s.failed = true
		s.logger.Error("file stream giving up", map[string]any{
			"run_id":   s.target.RunID,
			"failures": s.failures,
			"error":    err.Error(),
		})
	}
	s.mu.Unlock()
	return err
}

func (s *Stream) isFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// flush sends any retained request, then newly buffered lines.
func (s *Stream) flush(ctx context.Context, trigger FlushTrigger) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.isFailed() {
		return ErrTerminalFailure
	}

	if s.retry != nil {
		if err := s.send(ctx, s.retry); err != nil {
			s.logFlushFailure(trigger, err)
			return err
		}
		s.retry = nil
	}

	req := s.takeRequest(trigger)
	if req == nil {
		return nil
	}
	if err := s.send(ctx, req); err != nil {
		s.retry = req
		s.logFlushFailure(trigger, err)
		return err
	}

	s.logger.Debug("file stream flush", map[string]any{
		"trigger": string(trigger),
		"files":   len(req.Files),
	})
	return nil
}

// Close stops the worker, flushes everything buffered and sends the
// terminal marker carrying exitCode. It blocks until delivery succeeds,
// the stream fails permanently, or ctx ends. Close is idempotent.
func (s *Stream) Close(ctx context.Context, exitCode int32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()
	<-s.done

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(min(attempt-1, 5))) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("file stream close: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := s.flush(ctx, FlushTriggerClose)
		if errors.Is(err, ErrTerminalFailure) {
			return err
		}
		if err != nil {
			continue
		}

		s.flushMu.Lock()
		if s.isFailed() {
			s.flushMu.Unlock()
			return ErrTerminalFailure
		}
		complete := true
		final := s.newRequest()
		final.Complete = &complete
		final.ExitCode = &exitCode
		err = s.send(ctx, final)
		s.flushMu.Unlock()
		if err == nil {
			s.logger.Info("file stream closed", map[string]any{
				"run_id":    s.target.RunID,
				"exit_code": exitCode,
			})
			return nil
		}
		if s.isFailed() {
			return ErrTerminalFailure
		}
	}
}

func (s *Stream) logFlushFailure(trigger FlushTrigger, err error) {
	s.logger.Warn("file stream flush failed", map[string]any{
		"trigger": string(trigger),
		"error":   err.Error(),
	})
}
