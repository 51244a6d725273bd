package render

import (
	"fmt"
	"strings"

	"github.com/justapithecus/runsync/sender"
)

// Sync outcomes shown in the summary.
const (
	StateSynced     = "synced"
	StatePartial    = "partial"
	StateFailed     = "failed"
	StateNotStarted = "not_started"
)

// ReportView is the rendered form of a sender.Report.
type ReportView struct {
	State       string `json:"state" yaml:"state"`
	RunID       string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Entity      string `json:"entity,omitempty" yaml:"entity,omitempty"`
	Project     string `json:"project,omitempty" yaml:"project,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Resumed     bool   `json:"resumed" yaml:"resumed"`
	ExitCode    *int32 `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`

	LinesPushed    int64 `json:"lines_pushed" yaml:"lines_pushed"`
	LinesDropped   int64 `json:"lines_dropped" yaml:"lines_dropped"`
	StreamRequests int64 `json:"stream_requests" yaml:"stream_requests"`
	StreamFailed   bool  `json:"stream_failed" yaml:"stream_failed"`

	FilesUploaded int64 `json:"files_uploaded" yaml:"files_uploaded"`
	FilesDeduped  int64 `json:"files_deduped" yaml:"files_deduped"`
	FilesSkipped  int64 `json:"files_skipped" yaml:"files_skipped"`
	FilesFailed   int64 `json:"files_failed" yaml:"files_failed"`
	BytesUploaded int64 `json:"bytes_uploaded" yaml:"bytes_uploaded"`

	ArtifactsCommitted int64    `json:"artifacts_committed" yaml:"artifacts_committed"`
	ArtifactsDeduped   int64    `json:"artifacts_deduped" yaml:"artifacts_deduped"`
	ArtifactsFailed    int64    `json:"artifacts_failed" yaml:"artifacts_failed"`
	PendingArtifacts   []string `json:"pending_artifacts,omitempty" yaml:"pending_artifacts,omitempty"`
}

// NewReportView flattens a report for rendering.
func NewReportView(r sender.Report) ReportView {
	v := ReportView{
		State:              reportState(r),
		RunID:              r.RunID,
		Entity:             r.Entity,
		Project:            r.Project,
		DisplayName:        r.DisplayName,
		Resumed:            r.Resumed,
		LinesPushed:        r.Stream.LinesPushed,
		LinesDropped:       r.Stream.LinesDropped,
		StreamRequests:     r.Stream.Requests,
		StreamFailed:       r.Stream.Failed,
		FilesUploaded:      r.Uploads.Uploaded,
		FilesDeduped:       r.Uploads.Deduped,
		FilesSkipped:       r.Uploads.Skipped,
		FilesFailed:        r.Uploads.Failed,
		BytesUploaded:      r.Uploads.Bytes,
		ArtifactsCommitted: r.Artifacts.Committed,
		ArtifactsDeduped:   r.Artifacts.Deduped,
		ArtifactsFailed:    r.Artifacts.Failed,
		PendingArtifacts:   r.PendingArtifacts,
	}
	if r.Exited {
		code := r.ExitCode
		v.ExitCode = &code
	}
	return v
}

func reportState(r sender.Report) string {
	switch {
	case !r.Started:
		return StateNotStarted
	case r.Stream.Failed:
		return StateFailed
	case r.Uploads.Failed > 0 || r.Artifacts.Failed > 0 || len(r.PendingArtifacts) > 0 || r.Stream.LinesDropped > 0:
		return StatePartial
	default:
		return StateSynced
	}
}

// RenderReport renders the finish report. Table output is a styled box.
func (r *Renderer) RenderReport(rep sender.Report) error {
	view := NewReportView(rep)
	if r.format != FormatTable {
		return r.Render(view)
	}
	_, err := fmt.Fprintln(r.out, r.reportBox(view))
	return err
}

func (r *Renderer) reportBox(v ReportView) string {
	st := newStyles(r.out, r.noColor)

	title := "runsync"
	if v.RunID != "" {
		title = fmt.Sprintf("runsync: %s", v.RunID)
		if v.Entity != "" || v.Project != "" {
			title += fmt.Sprintf(" (%s/%s)", v.Entity, v.Project)
		}
	}

	var b strings.Builder
	b.WriteString(st.title.Render(title))
	b.WriteByte('\n')
	row := func(label, value string, style func(string) string) {
		b.WriteString(st.label.Render(label))
		b.WriteString(style(value))
		b.WriteByte('\n')
	}
	plain := func(s string) string { return st.value.Render(s) }

	row("state", v.State, func(s string) string { return st.state(s).Render(s) })
	if v.ExitCode != nil {
		row("exit code", fmt.Sprint(*v.ExitCode), plain)
	}
	if v.Resumed {
		row("resumed", "yes", plain)
	}
	row("lines streamed", fmt.Sprintf("%d (%d dropped)", v.LinesPushed, v.LinesDropped), plain)
	row("files uploaded", fmt.Sprintf("%d (%d unchanged, %d failed)", v.FilesUploaded, v.FilesDeduped, v.FilesFailed), plain)
	row("bytes uploaded", humanBytes(v.BytesUploaded), plain)
	row("artifacts", fmt.Sprintf("%d committed, %d deduped, %d failed", v.ArtifactsCommitted, v.ArtifactsDeduped, v.ArtifactsFailed), plain)
	if len(v.PendingArtifacts) > 0 {
		row("unfinished", strings.Join(v.PendingArtifacts, ", "), func(s string) string { return st.warning.Render(s) })
	}

	return st.box.Render(strings.TrimSuffix(b.String(), "\n"))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
