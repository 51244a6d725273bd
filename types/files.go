package types

import "fmt"

// FilePolicy is the upload cadence assigned to a tracked file.
type FilePolicy string

// File policies ordered by rank. A file's policy may move up the
// ranking but is never lowered once set.
const (
	FilePolicyNone FilePolicy = "none"
	FilePolicyEnd  FilePolicy = "end"
	FilePolicyNow  FilePolicy = "now"
	FilePolicyLive FilePolicy = "live"
)

// Rank orders policies: none < end < now < live.
func (p FilePolicy) Rank() int {
	switch p {
	case FilePolicyEnd:
		return 1
	case FilePolicyNow:
		return 2
	case FilePolicyLive:
		return 3
	default:
		return 0
	}
}

// UploadsAtEnd reports whether files under this policy are uploaded in
// the final pass.
func (p FilePolicy) UploadsAtEnd() bool {
	return p.Rank() > 0
}

// ParseFilePolicy parses a policy name. The empty string is "end".
func ParseFilePolicy(s string) (FilePolicy, error) {
	switch FilePolicy(s) {
	case "", FilePolicyEnd:
		return FilePolicyEnd, nil
	case FilePolicyNone, FilePolicyNow, FilePolicyLive:
		return FilePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown file policy %q", s)
	}
}
