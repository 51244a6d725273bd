package runfiles

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigVersionKey is the header key written at the top of config.yaml.
const ConfigVersionKey = "runsync_version"

// ConfigValue is one config entry. Desc is kept for compatibility with
// the on-disk format and is normally empty.
type ConfigValue struct {
	Desc  *string `yaml:"desc"`
	Value any     `yaml:"value"`
}

// WriteConfig rewrites the config file from the full config mapping.
func WriteConfig(path string, cfg map[string]ConfigValue) error {
	doc := make(map[string]any, len(cfg)+1)
	doc[ConfigVersionKey] = 1
	for k, v := range cfg {
		doc[k] = v
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadConfig reads a config file written by WriteConfig.
func ReadConfig(path string) (map[string]ConfigValue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	cfg := make(map[string]ConfigValue, len(doc))
	for k, node := range doc {
		if k == ConfigVersionKey {
			continue
		}
		var v ConfigValue
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("config key %q: %w", k, err)
		}
		cfg[k] = v
	}
	return cfg, nil
}

// ConfigEntries returns key to {"desc", "value"} maps. A missing
// description is nil.
func ConfigEntries(cfg map[string]ConfigValue) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		var desc any
		if v.Desc != nil {
			desc = *v.Desc
		}
		out[k] = map[string]any{"desc": desc, "value": v.Value}
	}
	return out
}

// ConfigValues strips descriptions and returns key to value.
func ConfigValues(cfg map[string]ConfigValue) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v.Value
	}
	return out
}
