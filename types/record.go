// Package types defines the record protocol exchanged between the user
// process and the sync daemon.
package types

// ProtocolVersion is the record protocol version.
const ProtocolVersion = "0.1.0"

// RecordVariant identifies the populated variant of a Record.
type RecordVariant string

// Record variants.
const (
	VariantNone     RecordVariant = ""
	VariantRun      RecordVariant = "run"
	VariantHistory  RecordVariant = "history"
	VariantSummary  RecordVariant = "summary"
	VariantStats    RecordVariant = "stats"
	VariantOutput   RecordVariant = "output"
	VariantConfig   RecordVariant = "config"
	VariantFiles    RecordVariant = "files"
	VariantArtifact RecordVariant = "artifact"
	VariantExit     RecordVariant = "exit"
)

// Control carries delivery options for a record.
type Control struct {
	// ReqResp is set when the producer blocks waiting for a Result.
	ReqResp bool `msgpack:"req_resp"`
}

// Record is one unit of the producer to daemon protocol.
// Exactly one variant pointer is expected to be non-nil.
type Record struct {
	Control *Control `msgpack:"control,omitempty"`

	Run      *RunRecord      `msgpack:"run,omitempty"`
	History  *HistoryRecord  `msgpack:"history,omitempty"`
	Summary  *SummaryRecord  `msgpack:"summary,omitempty"`
	Stats    *StatsRecord    `msgpack:"stats,omitempty"`
	Output   *OutputRecord   `msgpack:"output,omitempty"`
	Config   *ConfigRecord   `msgpack:"config,omitempty"`
	Files    *FilesRecord    `msgpack:"files,omitempty"`
	Artifact *ArtifactRecord `msgpack:"artifact,omitempty"`
	Exit     *ExitRecord     `msgpack:"exit,omitempty"`
}

// Variant returns the populated variant.
// Records with no variant, or with more than one, report VariantNone.
func (r *Record) Variant() RecordVariant {
	if r == nil {
		return VariantNone
	}
	found := VariantNone
	n := 0
	set := func(ok bool, v RecordVariant) {
		if ok {
			found = v
			n++
		}
	}
	set(r.Run != nil, VariantRun)
	set(r.History != nil, VariantHistory)
	set(r.Summary != nil, VariantSummary)
	set(r.Stats != nil, VariantStats)
	set(r.Output != nil, VariantOutput)
	set(r.Config != nil, VariantConfig)
	set(r.Files != nil, VariantFiles)
	set(r.Artifact != nil, VariantArtifact)
	set(r.Exit != nil, VariantExit)
	if n != 1 {
		return VariantNone
	}
	return found
}

// ReqResp reports whether the producer waits for a Result.
func (r *Record) ReqResp() bool {
	return r != nil && r.Control != nil && r.Control.ReqResp
}

// KeyValue is a key with a JSON-encoded value.
type KeyValue struct {
	Key       string `msgpack:"key"`
	ValueJSON string `msgpack:"value_json"`
}

// ResumeMode controls how an existing remote run is treated at start.
type ResumeMode string

// Resume modes. ResumeNone disables the remote lookup entirely.
const (
	ResumeNone  ResumeMode = ""
	ResumeAllow ResumeMode = "allow"
	ResumeAuto  ResumeMode = "auto"
	ResumeMust  ResumeMode = "must"
	ResumeNever ResumeMode = "never"
)

// Valid reports whether m is a known resume mode.
func (m ResumeMode) Valid() bool {
	switch m {
	case ResumeNone, ResumeAllow, ResumeAuto, ResumeMust, ResumeNever:
		return true
	}
	return false
}

// RunRecord describes the run. It is sent once per process lifetime.
type RunRecord struct {
	RunID       string        `msgpack:"run_id"`
	Entity      string        `msgpack:"entity,omitempty"`
	Project     string        `msgpack:"project,omitempty"`
	RunGroup    string        `msgpack:"run_group,omitempty"`
	JobType     string        `msgpack:"job_type,omitempty"`
	DisplayName string        `msgpack:"display_name,omitempty"`
	Notes       string        `msgpack:"notes,omitempty"`
	Tags        []string      `msgpack:"tags,omitempty"`
	Config      *ConfigRecord `msgpack:"config,omitempty"`
	SweepID     string        `msgpack:"sweep_id,omitempty"`
	Host        string        `msgpack:"host,omitempty"`
	// StartTime is wall-clock seconds since the epoch.
	StartTime int64      `msgpack:"start_time"`
	Resume    ResumeMode `msgpack:"resume,omitempty"`

	// Set by the daemon in the RunResult.
	StartingStep int64  `msgpack:"starting_step,omitempty"`
	StorageID    string `msgpack:"storage_id,omitempty"`
}

// Clone returns a deep copy of the run record.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	if r.Config != nil {
		cfg := *r.Config
		cfg.Update = append([]KeyValue(nil), r.Config.Update...)
		cfg.Remove = append([]string(nil), r.Config.Remove...)
		c.Config = &cfg
	}
	return &c
}

// UniqueTags returns tags in first-seen order with duplicates removed.
func (r *RunRecord) UniqueTags() []string {
	if len(r.Tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(r.Tags))
	out := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// HistoryRecord is one row of logged metrics.
type HistoryRecord struct {
	Items []KeyValue `msgpack:"items"`
}

// SummaryRecord updates the run summary.
type SummaryRecord struct {
	Update []KeyValue `msgpack:"update"`
}

// ConfigRecord amends the run config.
type ConfigRecord struct {
	Update []KeyValue `msgpack:"update"`
	Remove []string   `msgpack:"remove,omitempty"`
}

// StatsType classifies a stats record.
type StatsType string

// Stats types. Only system stats are forwarded.
const (
	StatsTypeSystem StatsType = "system"
)

// StatsRecord carries sampled system statistics.
type StatsRecord struct {
	StatsType StatsType `msgpack:"stats_type"`
	// Timestamp is wall-clock seconds since the epoch.
	Timestamp int64      `msgpack:"timestamp"`
	Items     []KeyValue `msgpack:"items"`
}

// OutputType selects the console stream.
type OutputType string

// Console streams.
const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
)

// OutputRecord carries a console fragment.
type OutputRecord struct {
	OutputType OutputType `msgpack:"output_type"`
	Line       string     `msgpack:"line"`
}

// FileItem requests a sync policy for a path relative to the files dir.
type FileItem struct {
	Path   string     `msgpack:"path"`
	Policy FilePolicy `msgpack:"policy"`
}

// FilesRecord registers files for upload.
type FilesRecord struct {
	Files []FileItem `msgpack:"files"`
}

// ArtifactRecord requests an artifact commit.
type ArtifactRecord struct {
	RunID          string   `msgpack:"run_id"`
	Entity         string   `msgpack:"entity,omitempty"`
	Project        string   `msgpack:"project,omitempty"`
	Type           string   `msgpack:"type"`
	Name           string   `msgpack:"name"`
	Digest         string   `msgpack:"digest"`
	Description    string   `msgpack:"description,omitempty"`
	Metadata       string   `msgpack:"metadata,omitempty"`
	Aliases        []string `msgpack:"aliases,omitempty"`
	UserCreated    bool     `msgpack:"user_created"`
	UseAfterCommit bool     `msgpack:"use_after_commit"`
	Manifest       Manifest `msgpack:"manifest"`
}

// ExitRecord reports the user process exit.
type ExitRecord struct {
	ExitCode int32 `msgpack:"exit_code"`
}
