// Package gitmeta reads advisory repository metadata for a run:
// the remote URL and the HEAD commit.
//
// Failures never surface as errors; a directory outside any repository
// simply yields an empty Info.
package gitmeta

import (
	"github.com/go-git/go-git/v5"
)

// DefaultRemote is the remote consulted when none is configured.
const DefaultRemote = "origin"

// Info is the metadata attached to a run.
type Info struct {
	RemoteURL string
	Commit    string
}

// Empty reports whether no metadata was found.
func (i Info) Empty() bool {
	return i.RemoteURL == "" && i.Commit == ""
}

// Reader extracts Info for a working directory.
type Reader interface {
	Read(dir, remote string) Info
}

// GoGitReader reads metadata with go-git, searching parent directories
// for the repository root.
type GoGitReader struct{}

// Verify GoGitReader implements Reader.
var _ Reader = GoGitReader{}

// Read returns the remote URL and HEAD commit of the repository
// containing dir. Missing pieces are left empty.
func (GoGitReader) Read(dir, remote string) Info {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Info{}
	}
	if remote == "" {
		remote = DefaultRemote
	}

	var info Info
	if r, err := repo.Remote(remote); err == nil {
		if urls := r.Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
		}
	}
	if head, err := repo.Head(); err == nil {
		info.Commit = head.Hash().String()
	}
	return info
}

// StaticReader returns fixed Info. Use in tests.
type StaticReader Info

// Read returns the fixed Info.
func (s StaticReader) Read(string, string) Info {
	return Info(s)
}
