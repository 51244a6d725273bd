package types //nolint:revive // types is a valid package name

import "testing"

func TestManifest_ComputeDigest_OrderAndLocalPathIndependent(t *testing.T) {
	a := Manifest{Entries: []ManifestEntry{
		{Path: "a.txt", Digest: "d1", LocalPath: "/tmp/one/a.txt"},
		{Path: "b.txt", Digest: "d2", LocalPath: "/tmp/one/b.txt"},
	}}
	b := Manifest{Entries: []ManifestEntry{
		{Path: "b.txt", Digest: "d2", LocalPath: "/other/b.txt"},
		{Path: "a.txt", Digest: "d1", LocalPath: "/other/a.txt"},
	}}

	if a.ComputeDigest() != b.ComputeDigest() {
		t.Error("digest should not depend on entry order or local paths")
	}

	c := Manifest{Entries: []ManifestEntry{{Path: "a.txt", Digest: "changed"}}}
	if a.ComputeDigest() == c.ComputeDigest() {
		t.Error("different entries should produce different digests")
	}
}

func TestManifest_JSONContents(t *testing.T) {
	m := Manifest{
		Version:       1,
		StoragePolicy: "content-addressed",
		Entries:       []ManifestEntry{{Path: "x/y.bin", Digest: "abc", Size: 3}},
	}
	contents, ok := m.JSONContents()["contents"].(map[string]any)
	if !ok {
		t.Fatal("expected contents map")
	}
	entry, ok := contents["x/y.bin"].(map[string]any)
	if !ok {
		t.Fatal("expected entry keyed by path")
	}
	if entry["digest"] != "abc" {
		t.Errorf("digest = %v, want abc", entry["digest"])
	}
}
