// Package runfiles persists run state under the run's files directory.
//
// The config and summary files are rewritten in full on every update and
// are only written from record handlers, so there is a single writer.
package runfiles

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known filenames under the files directory.
const (
	ConfigFilename   = "config.yaml"
	SummaryFilename  = "run-summary.json"
	HistoryFilename  = "run-history.jsonl"
	EventsFilename   = "run-events.jsonl"
	OutputFilename   = "output.log"
	MetadataFilename = "run-metadata.json"
)

// TempFilePattern matches the base name of the temp files writeAtomic
// creates next to its target. They are never uploaded.
const TempFilePattern = ".*.tmp-*"

// writeAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
