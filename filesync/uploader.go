// Package filesync uploads run files to the blob store.
//
// Uploader is a bounded worker pool with retries and content
// fingerprints. DirWatcher tracks the upload policy of every file under
// the run's files directory and feeds the Uploader.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/justapithecus/runsync/iox"
	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/storage"
)

// Defaults for UploaderConfig.
const (
	DefaultWorkers   = 4
	DefaultRetries   = 3
	DefaultRetryBase = 500 * time.Millisecond
)

// UploadJob is one file to upload.
type UploadJob struct {
	// SavePath is the path relative to the files dir, slash separated.
	SavePath string
	// LocalPath is the file on disk.
	LocalPath string
}

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	// Entity, Project and RunID determine the object keys.
	Entity  string
	Project string
	RunID   string

	// Workers is the maximum number of concurrent uploads.
	Workers int
	// Retries is the number of retries per job after the first attempt.
	Retries int
	// RetryBase is the first backoff; it doubles per retry.
	RetryBase time.Duration

	// OnUploaded is called after each successful upload.
	OnUploaded func(savePath string)
	Logger     *log.Logger
}

// Summary counts upload outcomes.
type Summary struct {
	Queued   int64
	Uploaded int64
	// Skipped counts files that vanished before they could be read.
	Skipped int64
	Failed  int64
	// Deduped counts uploads skipped because content was unchanged.
	Deduped int64
	Bytes   int64
}

// Uploader runs upload jobs on a bounded pool of workers.
//
// Jobs for the same save path never run concurrently, and a job queued
// while an identical one is still waiting is coalesced into it.
type Uploader struct {
	store  storage.BlobStore
	config UploaderConfig
	logger *log.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []UploadJob
	active   map[string]struct{}
	prints   map[string][32]byte // last uploaded fingerprint per save path
	summary  Summary
	started  bool
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	finishOnce sync.Once
	finishErr  error
}

// NewUploader creates an uploader writing to store.
func NewUploader(store storage.BlobStore, config UploaderConfig) *Uploader {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryBase <= 0 {
		config.RetryBase = DefaultRetryBase
	}
	if config.Logger == nil {
		config.Logger = log.Nop()
	}
	u := &Uploader{
		store:  store,
		config: config,
		logger: config.Logger.Named("uploader"),
		active: make(map[string]struct{}),
		prints: make(map[string][32]byte),
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Start launches the workers. Uploads use ctx until Finish.
func (u *Uploader) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return
	}
	u.started = true
	u.ctx, u.cancel = context.WithCancel(ctx)
	for range u.config.Workers {
		u.wg.Add(1)
		go u.worker()
	}
}

// Enqueue schedules a job. It never blocks. Jobs enqueued after Finish
// began are dropped and logged.
func (u *Uploader) Enqueue(job UploadJob) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopping {
		u.logger.Warn("upload enqueued after finish", map[string]any{"path": job.SavePath})
		return
	}
	for _, p := range u.pending {
		if p.SavePath == job.SavePath {
			return
		}
	}
	u.pending = append(u.pending, job)
	u.summary.Queued++
	u.cond.Signal()
}

// next blocks until a runnable job is available or the pool stops.
// Caller must hold mu.
func (u *Uploader) next() (UploadJob, bool) {
	for {
		for i, job := range u.pending {
			if _, busy := u.active[job.SavePath]; busy {
				continue
			}
			u.pending = append(u.pending[:i], u.pending[i+1:]...)
			u.active[job.SavePath] = struct{}{}
			return job, true
		}
		if u.stopping && len(u.pending) == 0 {
			return UploadJob{}, false
		}
		u.cond.Wait()
	}
}

func (u *Uploader) worker() {
	defer u.wg.Done()
	for {
		u.mu.Lock()
		job, ok := u.next()
		u.mu.Unlock()
		if !ok {
			return
		}

		u.run(job)

		u.mu.Lock()
		delete(u.active, job.SavePath)
		u.cond.Broadcast()
		u.mu.Unlock()
	}
}

// outcome of a single job.
type outcome int

const (
	outcomeUploaded outcome = iota
	outcomeDeduped
	outcomeSkipped
	outcomeFailed
)

func (u *Uploader) run(job UploadJob) {
	var (
		result outcome
		size   int64
		err    error
	)
	for attempt := 0; attempt <= u.config.Retries; attempt++ {
		if attempt > 0 && !u.sleep(time.Duration(1<<uint(attempt-1))*u.config.RetryBase) {
			break
		}

		result, size, err = u.attempt(job)
		if err == nil {
			break
		}
		if result == outcomeFailed && !storage.IsRetryable(err) {
			break
		}
	}
	if err != nil && result != outcomeSkipped {
		result = outcomeFailed
	}

	u.mu.Lock()
	switch result {
	case outcomeUploaded:
		u.summary.Uploaded++
		u.summary.Bytes += size
	case outcomeDeduped:
		u.summary.Deduped++
	case outcomeSkipped:
		u.summary.Skipped++
	case outcomeFailed:
		u.summary.Failed++
	}
	u.mu.Unlock()

	switch result {
	case outcomeUploaded:
		u.logger.Debug("uploaded file", map[string]any{"path": job.SavePath, "bytes": size})
		if u.config.OnUploaded != nil {
			u.config.OnUploaded(job.SavePath)
		}
	case outcomeSkipped:
		u.logger.Warn("file vanished before upload", map[string]any{"path": job.SavePath})
	case outcomeFailed:
		u.logger.Error("upload failed", map[string]any{"path": job.SavePath, "error": errString(err)})
	}
}

// sleep waits for d, returning false if the uploader is canceled first.
func (u *Uploader) sleep(d time.Duration) bool {
	select {
	case <-u.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// attempt uploads job once. A missing file reports outcomeSkipped with
// an error so the caller retries it.
func (u *Uploader) attempt(job UploadJob) (outcome, int64, error) {
	f, err := os.Open(job.LocalPath)
	if errors.Is(err, fs.ErrNotExist) {
		return outcomeSkipped, 0, err
	}
	if err != nil {
		return outcomeFailed, 0, fmt.Errorf("open %s: %w", job.LocalPath, err)
	}
	defer iox.DiscardClose(f)

	h := blake3.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return outcomeFailed, 0, fmt.Errorf("hash %s: %w", job.LocalPath, err)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))

	u.mu.Lock()
	prev, seen := u.prints[job.SavePath]
	u.mu.Unlock()
	if seen && prev == sum {
		return outcomeDeduped, 0, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return outcomeFailed, 0, fmt.Errorf("rewind %s: %w", job.LocalPath, err)
	}
	key := storage.RunFileKey(u.config.Entity, u.config.Project, u.config.RunID, job.SavePath)
	if err := u.store.Put(u.ctx, key, io.LimitReader(f, size)); err != nil {
		return outcomeFailed, 0, err
	}

	u.mu.Lock()
	u.prints[job.SavePath] = sum
	u.mu.Unlock()
	return outcomeUploaded, size, nil
}

// Finish blocks until every queued job has succeeded or permanently
// failed, then stops the workers. If ctx ends first, in-flight uploads
// are canceled. Finish is idempotent.
func (u *Uploader) Finish(ctx context.Context) error {
	u.finishOnce.Do(func() {
		u.mu.Lock()
		u.stopping = true
		started := u.started
		u.cond.Broadcast()
		u.mu.Unlock()

		if !started {
			return
		}

		done := make(chan struct{})
		go func() {
			u.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			u.cancel()
			<-done
			u.finishErr = fmt.Errorf("upload drain interrupted: %w", ctx.Err())
		}
		u.cancel()
	})
	return u.finishErr
}

// Summary returns the upload counters.
func (u *Uploader) Summary() Summary {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.summary
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
