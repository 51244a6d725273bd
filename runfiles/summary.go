package runfiles

import (
	"encoding/json"
	"fmt"
	"os"
)

// WriteSummary rewrites the summary file with the full summary mapping.
func WriteSummary(path string, summary map[string]any) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadSummary reads a summary file. A missing file yields an empty map.
func ReadSummary(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	summary := map[string]any{}
	if len(data) == 0 {
		return summary, nil
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("invalid summary file %s: %w", path, err)
	}
	return summary, nil
}

// Metadata describes the run environment for sidecar processes.
type Metadata struct {
	RunID     string   `json:"run_id"`
	Entity    string   `json:"entity,omitempty"`
	Project   string   `json:"project,omitempty"`
	Program   string   `json:"program,omitempty"`
	Args      []string `json:"args,omitempty"`
	Host      string   `json:"host,omitempty"`
	GitRemote string   `json:"git_remote,omitempty"`
	GitCommit string   `json:"git_commit,omitempty"`
	StartedAt string   `json:"started_at"`
	Resumed   bool     `json:"resumed"`
}

// WriteMetadata writes the metadata file.
func WriteMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadMetadata reads the metadata file. A missing file yields nil, nil.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("invalid metadata file %s: %w", path, err)
	}
	return &meta, nil
}
