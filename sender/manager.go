// Package sender implements the SendManager: it dispatches producer
// records to run start/resume, the streaming channel, file sync and
// artifact commits, and performs the orderly shutdown of all of them.
//
// Records are handled strictly one at a time in arrival order. Only the
// collaborators it drives run in the background.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/justapithecus/runsync/adapter"
	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/artifacts"
	"github.com/justapithecus/runsync/filestream"
	"github.com/justapithecus/runsync/filesync"
	"github.com/justapithecus/runsync/gitmeta"
	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/metrics"
	"github.com/justapithecus/runsync/runfiles"
	"github.com/justapithecus/runsync/storage"
	"github.com/justapithecus/runsync/types"
)

// ErrFinished is returned by Send after Finish.
var ErrFinished = errors.New("send manager finished")

// Settings configures a SendManager.
type Settings struct {
	// FilesDir is the run's working directory; local state is kept here
	// and every file under it is uploaded.
	FilesDir string
	// RootDir is where git metadata is looked up. Defaults to ".".
	RootDir   string
	GitRemote string
	Program   string
	Args      []string
	Host      string
	// Resume applies when the Run record carries no resume mode.
	Resume types.ResumeMode
	// StartTime is the producer process start, the base of stats _runtime.
	StartTime time.Time

	IgnoreGlobs  []string
	Workers      int
	Retries      int
	LiveDebounce time.Duration
	// ArtifactParallel bounds concurrent blob uploads per artifact.
	ArtifactParallel int
}

// Deps are the collaborators of a SendManager. API and StreamFactory are
// required; a nil Store disables file uploads and artifact commits.
type Deps struct {
	API           api.Client
	StreamFactory filestream.Factory
	Store         storage.BlobStore
	Notifier      adapter.Adapter
	Git           gitmeta.Reader
	Clock         func() time.Time
	Logger        *log.Logger
	Collector     *metrics.Collector
}

// session is the mutable state of the one run a SendManager serves.
type session struct {
	run      runHandle
	record   *types.RunRecord // as returned to the producer
	offsets  Offsets
	started  bool
	exitCode int32
	exited   bool

	config  map[string]runfiles.ConfigValue
	summary map[string]any
	output  *outputReassembler

	stream   *filestream.Stream
	uploader *filesync.Uploader
	watcher  *filesync.DirWatcher
}

// SendManager handles producer records for a single run.
type SendManager struct {
	settings Settings
	deps     Deps
	results  chan<- *types.Result
	logger   *log.Logger
	now      func() time.Time

	committer *artifacts.Committer
	commits   sync.WaitGroup

	// bgCtx scopes background work; it outlives individual Send calls
	// and is canceled at the end of Finish.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	s session

	finishOnce sync.Once
	finishErr  error
	finished   bool
	report     Report
}

// New creates a SendManager. Results for req_resp records are delivered
// on results in record order.
func New(settings Settings, deps Deps, results chan<- *types.Result) *SendManager {
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Git == nil {
		deps.Git = gitmeta.GoGitReader{}
	}
	if settings.RootDir == "" {
		settings.RootDir = "."
	}
	if settings.GitRemote == "" {
		settings.GitRemote = gitmeta.DefaultRemote
	}
	if settings.StartTime.IsZero() {
		settings.StartTime = deps.Clock()
	}

	logger := deps.Logger.Named("sender")
	bgCtx, bgCancel := context.WithCancel(context.Background())
	m := &SendManager{
		settings: settings,
		deps:     deps,
		results:  results,
		logger:   logger,
		now:      deps.Clock,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		s: session{
			run:     inertRun{logger: logger},
			config:  make(map[string]runfiles.ConfigValue),
			summary: make(map[string]any),
			output:  newOutputReassembler(deps.Clock),
		},
	}
	if deps.Store != nil {
		m.committer = artifacts.NewCommitter(deps.API, deps.Store, artifacts.Config{
			Parallel: settings.ArtifactParallel,
			Logger:   deps.Logger,
		})
	}
	return m
}

func (m *SendManager) path(name string) string {
	return filepath.Join(m.settings.FilesDir, name)
}

// Send handles one record. Exactly one handler runs per record. A Result
// is emitted for every req_resp record and for no other.
//
// Send returns an error only for fatal conditions, such as failing to
// persist local run state; the daemon must stop on them.
func (m *SendManager) Send(ctx context.Context, rec *types.Record) error {
	if m.finished {
		return ErrFinished
	}

	var (
		res *types.Result
		err error
	)
	variant := rec.Variant()
	if variant != types.VariantNone {
		m.deps.Collector.IncRecord(string(variant))
	}

	switch variant {
	case types.VariantRun:
		res, err = m.handleRun(ctx, rec.Run, rec.ReqResp())
	case types.VariantHistory:
		m.handleHistory(rec.History)
	case types.VariantSummary:
		err = m.handleSummary(rec.Summary)
	case types.VariantStats:
		m.handleStats(rec.Stats)
	case types.VariantOutput:
		m.handleOutput(rec.Output)
	case types.VariantConfig:
		err = m.handleConfig(ctx, rec.Config)
	case types.VariantFiles:
		m.handleFiles(rec.Files)
	case types.VariantArtifact:
		m.handleArtifact(rec.Artifact)
	case types.VariantExit:
		res = m.handleExit(rec.Exit)
	default:
		m.deps.Collector.IncUnknownRecord()
		m.logger.Warn("unknown record variant", map[string]any{"req_resp": rec.ReqResp()})
	}
	if err != nil {
		return err
	}

	if !rec.ReqResp() {
		return nil
	}
	if res == nil {
		res = &types.Result{}
	}
	return m.emit(ctx, res)
}

func (m *SendManager) emit(ctx context.Context, res *types.Result) error {
	select {
	case m.results <- res:
		m.deps.Collector.IncResult()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deliver result: %w", ctx.Err())
	}
}

// --- Run ---

func (m *SendManager) handleRun(ctx context.Context, run *types.RunRecord, reqResp bool) (*types.Result, error) {
	if m.s.started {
		return m.runError(run, &types.ErrorInfo{
			Code:    types.ErrorCodeInvalid,
			Message: fmt.Sprintf("run (%s) already started", m.s.record.RunID),
		}, reqResp), nil
	}

	// Durability before any network call.
	if run.Config != nil {
		m.mergeConfig(run.Config)
		if err := runfiles.WriteConfig(m.path(runfiles.ConfigFilename), m.s.config); err != nil {
			return nil, fmt.Errorf("persist config: %w", err)
		}
	}

	git := m.deps.Git.Read(m.settings.RootDir, m.settings.GitRemote)

	mode := run.Resume
	if mode == types.ResumeNone {
		mode = m.settings.Resume
	}
	offsets, policyErr, err := negotiateResume(ctx, m.deps.API, mode, run.Entity, run.Project, run.RunID)
	if err != nil {
		policyErr = errorInfo(err)
	}
	if policyErr != nil {
		return m.runError(run, policyErr, reqResp), nil
	}

	host := run.Host
	if host == "" {
		host = m.settings.Host
	}
	ups, _, err := m.deps.API.UpsertRun(ctx, api.UpsertRunParams{
		RunID:       run.RunID,
		Entity:      run.Entity,
		Project:     run.Project,
		Group:       run.RunGroup,
		JobType:     run.JobType,
		DisplayName: run.DisplayName,
		Notes:       run.Notes,
		Tags:        run.UniqueTags(),
		Config:      m.remoteConfig(),
		SweepID:     run.SweepID,
		Host:        host,
		ProgramPath: m.settings.Program,
		RepoURL:     git.RemoteURL,
		Commit:      git.Commit,
	})
	if err != nil {
		return m.runError(run, errorInfo(err), reqResp), nil
	}

	started := run.Clone()
	started.StartingStep = offsets.Step
	started.StartTime = run.StartTime - offsets.Runtime
	started.StorageID = ups.ID
	if ups.DisplayName != "" {
		started.DisplayName = ups.DisplayName
	}
	if ups.Entity != "" {
		started.Entity = ups.Entity
	}
	if ups.Project != "" {
		started.Project = ups.Project
	}
	if started.SweepID == "" {
		started.SweepID = ups.SweepID
	}
	m.deps.API.SetDefaults(started.Entity, started.Project)

	m.s.started = true
	m.s.record = started
	m.s.offsets = offsets
	m.s.run = activeRun{
		client:  m.deps.API,
		runID:   run.RunID,
		entity:  started.Entity,
		project: started.Project,
	}
	if offsets.Resumed {
		for k, v := range parseObject(offsets.Summary) {
			if _, ok := m.s.summary[k]; !ok {
				m.s.summary[k] = v
			}
		}
	}

	m.logger = m.logger.WithRun(run.RunID, started.Entity, started.Project)
	m.deps.Collector.SetRun(run.RunID)

	m.startStream(started, offsets)
	m.startFileSync(started)
	m.recordMetadata(started, git, offsets.Resumed)

	m.logger.Info("run started", map[string]any{
		"resumed":       offsets.Resumed,
		"starting_step": offsets.Step,
		"storage_id":    started.StorageID,
	})

	return &types.Result{RunResult: &types.RunResult{Run: started.Clone()}}, nil
}

// runError reports a failed start. No subsystem is started.
func (m *SendManager) runError(run *types.RunRecord, info *types.ErrorInfo, reqResp bool) *types.Result {
	m.deps.Collector.IncPolicyError()
	m.logger.Error("run not started", map[string]any{
		"run_id":   run.RunID,
		"code":     string(info.Code),
		"error":    info.Message,
		"req_resp": reqResp,
	})
	return &types.Result{RunResult: &types.RunResult{Run: run.Clone(), Error: info}}
}

func (m *SendManager) startStream(run *types.RunRecord, offsets Offsets) {
	if m.deps.StreamFactory == nil {
		return
	}
	st := m.deps.StreamFactory(filestream.Target{
		RunID:     run.RunID,
		Entity:    run.Entity,
		Project:   run.Project,
		StartTime: time.Unix(run.StartTime, 0),
	})
	st.SetPolicy(runfiles.SummaryFilename, filestream.SummaryPolicy{})
	st.SetPolicy(runfiles.HistoryFilename, filestream.NewJSONLPolicy(int(offsets.History)))
	st.SetPolicy(runfiles.EventsFilename, filestream.NewJSONLPolicy(int(offsets.Events)))
	st.SetPolicy(runfiles.OutputFilename, filestream.NewCRDedupePolicy(int(offsets.Output)))
	m.s.stream = st
}

func (m *SendManager) startFileSync(run *types.RunRecord) {
	if m.deps.Store == nil {
		m.logger.Warn("no blob store configured; file uploads disabled", nil)
		return
	}
	var onUploaded func(string)
	if st := m.s.stream; st != nil {
		onUploaded = st.MarkUploaded
	}
	m.s.uploader = filesync.NewUploader(m.deps.Store, filesync.UploaderConfig{
		Entity:     run.Entity,
		Project:    run.Project,
		RunID:      run.RunID,
		Workers:    m.settings.Workers,
		Retries:    m.settings.Retries,
		OnUploaded: onUploaded,
		Logger:     m.logger,
	})
	m.s.uploader.Start(m.bgCtx)

	m.s.watcher = filesync.NewDirWatcher(m.settings.FilesDir, m.s.uploader, filesync.WatcherConfig{
		IgnoreGlobs:  m.settings.IgnoreGlobs,
		LiveDebounce: m.settings.LiveDebounce,
		Logger:       m.logger,
	})
	if err := m.s.watcher.Start(); err != nil {
		// The exit scan and final pass still cover every file.
		m.logger.Warn("directory watch unavailable", map[string]any{"error": err.Error()})
	}
}

// recordMetadata writes the metadata sidecar and announces the run.
// Both are advisory.
func (m *SendManager) recordMetadata(run *types.RunRecord, git gitmeta.Info, resumed bool) {
	meta := &runfiles.Metadata{
		RunID:     run.RunID,
		Entity:    run.Entity,
		Project:   run.Project,
		Program:   m.settings.Program,
		Args:      m.settings.Args,
		Host:      run.Host,
		GitRemote: git.RemoteURL,
		GitCommit: git.Commit,
		StartedAt: time.Unix(run.StartTime, 0).UTC().Format(time.RFC3339),
		Resumed:   resumed,
	}
	if meta.Host == "" {
		meta.Host = m.settings.Host
	}
	if err := runfiles.WriteMetadata(m.path(runfiles.MetadataFilename), meta); err != nil {
		m.logger.Warn("failed to write run metadata", map[string]any{"error": err.Error()})
	}
	m.publish(m.event(adapter.EventRunStarted))
}

// --- History / Summary / Stats / Output ---

func (m *SendManager) push(filename string, row any) {
	if m.s.stream == nil {
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		m.logger.Warn("dropping unencodable row", map[string]any{
			"file":  filename,
			"error": err.Error(),
		})
		return
	}
	m.s.stream.Push(filename, string(data))
}

func (m *SendManager) handleHistory(rec *types.HistoryRecord) {
	if m.s.stream == nil {
		m.logger.Debug("history before run start dropped", nil)
		return
	}
	m.push(runfiles.HistoryFilename, runfiles.DecodeItems(rec.Items))
}

func (m *SendManager) handleSummary(rec *types.SummaryRecord) error {
	for k, v := range runfiles.DecodeItems(rec.Update) {
		m.s.summary[k] = v
	}
	m.push(runfiles.SummaryFilename, m.s.summary)
	if err := runfiles.WriteSummary(m.path(runfiles.SummaryFilename), m.s.summary); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	return nil
}

func (m *SendManager) handleStats(rec *types.StatsRecord) {
	if rec.StatsType != types.StatsTypeSystem || m.s.stream == nil {
		return
	}
	ts := rec.Timestamp
	if ts == 0 {
		ts = m.now().Unix()
	}
	row := runfiles.Flatten(map[string]any{"system": runfiles.DecodeItems(rec.Items)})
	row["_wandb"] = true
	row["_timestamp"] = ts
	row["_runtime"] = ts - m.settings.StartTime.Unix()
	m.push(runfiles.EventsFilename, row)
}

func (m *SendManager) handleOutput(rec *types.OutputRecord) {
	if m.s.stream == nil {
		return
	}
	if line, ok := m.s.output.Feed(rec.OutputType, rec.Line); ok {
		m.s.stream.Push(runfiles.OutputFilename, line)
	}
}

// --- Config ---

func (m *SendManager) mergeConfig(rec *types.ConfigRecord) {
	for k, v := range runfiles.DecodeConfigItems(rec.Update) {
		m.s.config[k] = v
	}
	for _, k := range rec.Remove {
		delete(m.s.config, k)
	}
}

// remoteConfig is the full config in the {desc, value} shape the remote
// run API stores.
func (m *SendManager) remoteConfig() map[string]any {
	if len(m.s.config) == 0 {
		return nil
	}
	return runfiles.ConfigEntries(m.s.config)
}

func (m *SendManager) handleConfig(ctx context.Context, rec *types.ConfigRecord) error {
	m.mergeConfig(rec)
	if err := m.s.run.UpdateConfig(ctx, m.remoteConfig()); err != nil {
		m.logger.Error("config update failed", map[string]any{"error": err.Error()})
	}
	if err := runfiles.WriteConfig(m.path(runfiles.ConfigFilename), m.s.config); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

// --- Files / Artifacts ---

func (m *SendManager) handleFiles(rec *types.FilesRecord) {
	if m.s.watcher == nil {
		m.logger.Warn("files record before run start dropped", map[string]any{"files": len(rec.Files)})
		return
	}
	for _, f := range rec.Files {
		policy, err := types.ParseFilePolicy(string(f.Policy))
		if err != nil {
			// Still uploaded in the final pass.
			m.logger.Warn("unknown file policy, using end", map[string]any{
				"path":   f.Path,
				"policy": string(f.Policy),
			})
			policy = types.FilePolicyEnd
		}
		if err := m.s.watcher.SetPolicy(f.Path, policy); err != nil {
			m.logger.Warn("file policy rejected", map[string]any{
				"path":  f.Path,
				"error": err.Error(),
			})
		}
	}
}

// handleArtifact starts the commit in the background; Finish waits for it.
func (m *SendManager) handleArtifact(rec *types.ArtifactRecord) {
	if m.committer == nil {
		m.logger.Warn("no blob store configured; artifact dropped", map[string]any{"name": rec.Name})
		return
	}
	a := *rec
	if run := m.s.record; run != nil {
		if a.RunID == "" {
			a.RunID = run.RunID
		}
		if a.Entity == "" {
			a.Entity = run.Entity
		}
		if a.Project == "" {
			a.Project = run.Project
		}
	}

	m.commits.Add(1)
	go func() {
		defer m.commits.Done()
		// Failures are logged and counted by the committer.
		_, _ = m.committer.Commit(m.bgCtx, &a)
	}()
}

// --- Exit / Finish ---

// handleExit records the exit code and registers every file under the
// files directory for upload at end. Already registered files keep a
// higher policy.
func (m *SendManager) handleExit(rec *types.ExitRecord) *types.Result {
	m.s.exitCode = rec.ExitCode
	m.s.exited = true

	if m.s.watcher != nil {
		n, err := m.s.watcher.Scan()
		if err != nil {
			m.logger.Warn("exit scan incomplete", map[string]any{"error": err.Error()})
		}
		m.logger.Info("run exited", map[string]any{"exit_code": rec.ExitCode, "files": n})
	}
	return &types.Result{ExitResult: &types.ExitResult{}}
}

// Finish shuts down every started subsystem, in order: flush partial
// output, stop the directory watcher, drain the uploader, wait for
// artifact commits, close the stream with the exit code, then report.
// Subsystems that never started are skipped. Finish is idempotent.
func (m *SendManager) Finish(ctx context.Context) error {
	m.finishOnce.Do(func() {
		m.finished = true
		m.finishErr = m.finish(ctx)
		m.bgCancel()
	})
	return m.finishErr
}

func (m *SendManager) finish(ctx context.Context) error {
	var result *multierror.Error

	if st := m.s.stream; st != nil {
		for _, line := range m.s.output.Drain() {
			st.Push(runfiles.OutputFilename, line)
		}
	}
	if w := m.s.watcher; w != nil {
		if err := w.Finish(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if u := m.s.uploader; u != nil {
		if err := u.Finish(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("drain uploads: %w", err))
		}
	}
	if err := m.waitCommits(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if st := m.s.stream; st != nil {
		if err := st.Close(ctx, m.s.exitCode); err != nil {
			result = multierror.Append(result, fmt.Errorf("close stream: %w", err))
		}
	}

	m.report = m.buildReport()
	m.absorbReport(m.report)
	if m.s.started {
		m.logReport(m.report)
		m.publish(m.event(adapter.EventRunFinished))
	}
	return result.ErrorOrNil()
}

func (m *SendManager) waitCommits(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.commits.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.bgCancel()
		<-done
		return fmt.Errorf("artifact commits interrupted: %w", ctx.Err())
	}
}

// --- Notifications ---

func (m *SendManager) event(eventType string) *adapter.Event {
	run := m.s.record
	ev := &adapter.Event{
		ContractVersion: adapter.ContractVersion,
		EventType:       eventType,
		RunID:           run.RunID,
		Entity:          run.Entity,
		Project:         run.Project,
		DisplayName:     run.DisplayName,
		StorageID:       run.StorageID,
		FilesDir:        m.settings.FilesDir,
		Timestamp:       m.now().UTC().Format(time.RFC3339),
	}
	if eventType == adapter.EventRunFinished {
		code := m.s.exitCode
		ev.ExitCode = &code
		u := m.report.Uploads
		ev.Uploads = &adapter.UploadCounts{
			Queued:   u.Queued,
			Uploaded: u.Uploaded,
			Skipped:  u.Skipped,
			Failed:   u.Failed,
			Deduped:  u.Deduped,
			Bytes:    u.Bytes,
		}
	}
	return ev
}

// publish delivers ev to the notifier. Failures are logged only.
func (m *SendManager) publish(ev *adapter.Event) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.Publish(m.bgCtx, ev); err != nil {
		m.logger.Warn("run event not delivered", map[string]any{
			"event": ev.EventType,
			"error": err.Error(),
		})
	}
}
