package sender

import (
	"github.com/justapithecus/runsync/artifacts"
	"github.com/justapithecus/runsync/filestream"
	"github.com/justapithecus/runsync/filesync"
)

// Report summarizes a finished run's sync activity.
type Report struct {
	Started     bool
	RunID       string
	Entity      string
	Project     string
	DisplayName string
	Resumed     bool
	Exited      bool
	ExitCode    int32

	Stream    filestream.Stats
	Uploads   filesync.Summary
	Artifacts artifacts.Stats
	// PendingArtifacts names commits that never finished.
	PendingArtifacts []string
}

// Report returns the report built by Finish. Before Finish it is empty.
func (m *SendManager) Report() Report {
	return m.report
}

func (m *SendManager) buildReport() Report {
	r := Report{
		Started:  m.s.started,
		Exited:   m.s.exited,
		ExitCode: m.s.exitCode,
		Resumed:  m.s.offsets.Resumed,
	}
	if run := m.s.record; run != nil {
		r.RunID = run.RunID
		r.Entity = run.Entity
		r.Project = run.Project
		r.DisplayName = run.DisplayName
	}
	if st := m.s.stream; st != nil {
		r.Stream = st.Stats()
	}
	if u := m.s.uploader; u != nil {
		r.Uploads = u.Summary()
	}
	if c := m.committer; c != nil {
		r.Artifacts = c.Stats()
		r.PendingArtifacts = c.Pending()
	}
	return r
}

func (m *SendManager) absorbReport(r Report) {
	c := m.deps.Collector
	c.AbsorbStreamStats(r.Stream.LinesPushed, r.Stream.LinesDropped, r.Stream.Requests, r.Stream.Failures)
	c.AbsorbUploads(r.Uploads.Queued, r.Uploads.Uploaded, r.Uploads.Skipped, r.Uploads.Failed, r.Uploads.Deduped, r.Uploads.Bytes)
	c.AbsorbArtifacts(r.Artifacts.Committed, r.Artifacts.Deduped, r.Artifacts.Failed)
}

func (m *SendManager) logReport(r Report) {
	fields := map[string]any{
		"exit_code":         r.ExitCode,
		"exited":            r.Exited,
		"lines_pushed":      r.Stream.LinesPushed,
		"lines_dropped":     r.Stream.LinesDropped,
		"stream_failed":     r.Stream.Failed,
		"uploads_queued":    r.Uploads.Queued,
		"uploads_done":      r.Uploads.Uploaded,
		"uploads_skipped":   r.Uploads.Skipped,
		"uploads_failed":    r.Uploads.Failed,
		"uploads_deduped":   r.Uploads.Deduped,
		"upload_bytes":      r.Uploads.Bytes,
		"artifacts":         r.Artifacts.Committed,
		"artifacts_deduped": r.Artifacts.Deduped,
		"artifacts_failed":  r.Artifacts.Failed,
	}
	if r.Uploads.Failed > 0 || r.Stream.Failed || r.Artifacts.Failed > 0 {
		m.logger.Warn("run sync finished with failures", fields)
		return
	}
	m.logger.Info("run sync finished", fields)
}
