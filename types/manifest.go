package types

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
)

// ManifestEntry is one file of an artifact.
type ManifestEntry struct {
	Path   string `msgpack:"path" json:"path"`
	Digest string `msgpack:"digest" json:"digest"`
	Ref    string `msgpack:"ref,omitempty" json:"ref,omitempty"`
	Size   int64  `msgpack:"size" json:"size"`
	// LocalPath is where the content can be read. Entries without one
	// are references and are never uploaded.
	LocalPath string `msgpack:"local_path,omitempty" json:"-"`
}

// Manifest is the content-addressed description of an artifact.
type Manifest struct {
	Version             int               `msgpack:"version" json:"version"`
	StoragePolicy       string            `msgpack:"storage_policy" json:"storagePolicy"`
	StoragePolicyConfig map[string]string `msgpack:"storage_policy_config,omitempty" json:"storagePolicyConfig,omitempty"`
	Entries             []ManifestEntry   `msgpack:"entries" json:"-"`
}

// ComputeDigest returns the md5 hex digest over sorted "path:digest" lines.
// Two manifests with the same entries produce the same digest regardless
// of entry order or local paths.
func (m *Manifest) ComputeDigest() string {
	entries := make([]ManifestEntry, len(m.Entries))
	copy(entries, m.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	h := md5.New()
	h.Write([]byte("runsync-artifact-manifest-v1\n"))
	for _, e := range entries {
		h.Write([]byte(e.Path))
		h.Write([]byte{':'})
		h.Write([]byte(e.Digest))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// JSONContents returns the manifest in its uploaded form, entries keyed
// by path.
func (m *Manifest) JSONContents() map[string]any {
	contents := make(map[string]any, len(m.Entries))
	for _, e := range m.Entries {
		entry := map[string]any{"digest": e.Digest, "size": e.Size}
		if e.Ref != "" {
			entry["ref"] = e.Ref
		}
		contents[e.Path] = entry
	}
	out := map[string]any{
		"version":       m.Version,
		"storagePolicy": m.StoragePolicy,
		"contents":      contents,
	}
	if len(m.StoragePolicyConfig) > 0 {
		out["storagePolicyConfig"] = m.StoragePolicyConfig
	}
	return out
}
