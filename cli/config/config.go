package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/justapithecus/runsync/adapter/redis"
	"github.com/justapithecus/runsync/adapter/webhook"
	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/filestream"
	"github.com/justapithecus/runsync/sender"
	"github.com/justapithecus/runsync/storage"
	"github.com/justapithecus/runsync/types"
)

// Notifier types.
const (
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

// Config represents a runsync.yaml configuration file.
// Environment variables override file values, keyed by field name under
// EnvPrefix (BaseURL is RUNSYNC_BASE_URL, Storage.Backend is
// RUNSYNC_STORAGE_BACKEND). CLI flags override both. All values are
// optional until Validate.
type Config struct {
	BaseURL string `yaml:"base_url" split_words:"true"`
	APIKey  string `yaml:"api_key" split_words:"true"`
	Entity  string `yaml:"entity" split_words:"true"`
	Project string `yaml:"project" split_words:"true"`
	// APIRetries bounds retries of remote API calls; nil uses the client default.
	APIRetries *int `yaml:"api_retries" split_words:"true"`

	FilesDir  string `yaml:"files_dir" split_words:"true"`
	RootDir   string `yaml:"root_dir" split_words:"true"`
	Program   string `yaml:"program" split_words:"true"`
	GitRemote string `yaml:"git_remote" split_words:"true"`
	Host      string `yaml:"host" split_words:"true"`
	Resume    string `yaml:"resume" split_words:"true"`
	// StartTime is the producer process start in epoch seconds.
	StartTime   int64    `yaml:"start_time" split_words:"true"`
	IgnoreGlobs []string `yaml:"ignore_globs" split_words:"true"`
	LogLevel    string   `yaml:"log_level" split_words:"true"`

	Storage   StorageConfig   `yaml:"storage" split_words:"true"`
	Stream    StreamConfig    `yaml:"stream" split_words:"true"`
	Uploads   UploadsConfig   `yaml:"uploads" split_words:"true"`
	Artifacts ArtifactsConfig `yaml:"artifacts" split_words:"true"`
	Notify    NotifyConfig    `yaml:"notify" split_words:"true"`
}

// StorageConfig selects the blob store for uploads.
type StorageConfig struct {
	Backend     string `yaml:"backend" split_words:"true"`
	Path        string `yaml:"path" split_words:"true"`
	Region      string `yaml:"region" split_words:"true"`
	Endpoint    string `yaml:"endpoint" split_words:"true"`
	S3PathStyle bool   `yaml:"s3_path_style" split_words:"true"`
	AccessKey   string `yaml:"access_key" split_words:"true"`
	SecretKey   string `yaml:"secret_key" split_words:"true"`
	UseSSL      bool   `yaml:"use_ssl" split_words:"true"`
}

// StreamConfig tunes the streaming channel.
type StreamConfig struct {
	FlushInterval Duration `yaml:"flush_interval" split_words:"true"`
	FlushCount    int      `yaml:"flush_count" split_words:"true"`
	MaxRetries    int      `yaml:"max_retries" split_words:"true"`
	Timeout       Duration `yaml:"timeout" split_words:"true"`
}

// UploadsConfig tunes file uploads.
type UploadsConfig struct {
	Workers      int      `yaml:"workers" split_words:"true"`
	Retries      int      `yaml:"retries" split_words:"true"`
	LiveDebounce Duration `yaml:"live_debounce" split_words:"true"`
}

// ArtifactsConfig tunes artifact commits.
type ArtifactsConfig struct {
	Parallel int `yaml:"parallel" split_words:"true"`
}

// NotifyConfig configures the optional run event publisher.
type NotifyConfig struct {
	Type    string            `yaml:"type" split_words:"true"`
	URL     string            `yaml:"url" split_words:"true"`
	Channel string            `yaml:"channel,omitempty" split_words:"true"`
	Headers map[string]string `yaml:"headers,omitempty" split_words:"true"`
	Timeout Duration          `yaml:"timeout,omitempty" split_words:"true"`
	Retries *int              `yaml:"retries,omitempty" split_words:"true"`
}

// Duration wraps time.Duration for YAML and env parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

// Decode parses a duration from an environment variable.
func (d *Duration) Decode(value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks the settings needed to serve a run. Offline runs need
// no remote endpoint and default to a memory blob store.
func (c *Config) Validate(offline bool) error {
	if c.FilesDir == "" {
		return errors.New("files_dir is required")
	}
	if !offline && c.BaseURL == "" {
		return errors.New("base_url is required unless running offline")
	}
	if !types.ResumeMode(c.Resume).Valid() {
		return fmt.Errorf("invalid resume mode %q (want allow, auto, must or never)", c.Resume)
	}
	if c.Storage.Backend == "" {
		// Files and artifacts have nowhere else to go.
		if !offline {
			return errors.New("storage.backend is required unless running offline")
		}
	} else if err := c.StorageConfig().Validate(); err != nil {
		return err
	}
	switch c.Notify.Type {
	case "":
	case NotifyWebhook, NotifyRedis:
		if c.Notify.URL == "" {
			return fmt.Errorf("notify.url is required for %s", c.Notify.Type)
		}
	default:
		return fmt.Errorf("unknown notify type %q (want webhook or redis)", c.Notify.Type)
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		return fmt.Errorf("notify.retries must be >= 0, got %d", *c.Notify.Retries)
	}
	return nil
}

// SenderSettings returns the SendManager settings.
func (c *Config) SenderSettings() sender.Settings {
	s := sender.Settings{
		FilesDir:         c.FilesDir,
		RootDir:          c.RootDir,
		GitRemote:        c.GitRemote,
		Program:          c.Program,
		Host:             c.Host,
		Resume:           types.ResumeMode(c.Resume),
		IgnoreGlobs:      c.IgnoreGlobs,
		Workers:          c.Uploads.Workers,
		Retries:          c.Uploads.Retries,
		LiveDebounce:     c.Uploads.LiveDebounce.Duration,
		ArtifactParallel: c.Artifacts.Parallel,
	}
	if c.StartTime > 0 {
		s.StartTime = time.Unix(c.StartTime, 0)
	}
	return s
}

// APIConfig returns the remote run API client configuration.
func (c *Config) APIConfig() api.Config {
	cfg := api.Config{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Retries: api.DefaultRetries,
		Entity:  c.Entity,
		Project: c.Project,
	}
	if c.APIRetries != nil {
		cfg.Retries = *c.APIRetries
	}
	return cfg
}

// StreamTransportConfig returns the streaming channel transport configuration.
func (c *Config) StreamTransportConfig() filestream.HTTPTransportConfig {
	return filestream.HTTPTransportConfig{
		BaseURL: c.BaseURL,
		APIKey:  c.APIKey,
		Timeout: c.Stream.Timeout.Duration,
		Retries: c.Stream.MaxRetries,
	}
}

// StreamSettings returns the streaming channel batching settings.
func (c *Config) StreamSettings() filestream.Settings {
	return filestream.Settings{
		FlushInterval: c.Stream.FlushInterval.Duration,
		FlushCount:    c.Stream.FlushCount,
		MaxRetries:    c.Stream.MaxRetries,
	}
}

// StorageConfig returns the blob store configuration.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Backend:      c.Storage.Backend,
		Path:         c.Storage.Path,
		Region:       c.Storage.Region,
		Endpoint:     c.Storage.Endpoint,
		UsePathStyle: c.Storage.S3PathStyle,
		AccessKey:    c.Storage.AccessKey,
		SecretKey:    c.Storage.SecretKey,
		UseSSL:       c.Storage.UseSSL,
	}
}

// WebhookConfig returns the webhook notifier configuration.
func (c *Config) WebhookConfig() webhook.Config {
	cfg := webhook.Config{
		URL:     c.Notify.URL,
		Headers: c.Notify.Headers,
		Timeout: c.Notify.Timeout.Duration,
		Retries: webhook.DefaultRetries,
	}
	if c.Notify.Retries != nil {
		cfg.Retries = *c.Notify.Retries
	}
	return cfg
}

// RedisConfig returns the redis notifier configuration.
func (c *Config) RedisConfig() redis.Config {
	cfg := redis.Config{
		URL:     c.Notify.URL,
		Channel: c.Notify.Channel,
		Timeout: c.Notify.Timeout.Duration,
		Retries: redis.DefaultRetries,
	}
	if c.Notify.Retries != nil {
		cfg.Retries = *c.Notify.Retries
	}
	return cfg
}
