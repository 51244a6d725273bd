package cmd

import (
	"errors"
	"flag"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runsync/adapter/redis"
	"github.com/justapithecus/runsync/adapter/webhook"
	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/cli/config"
	"github.com/justapithecus/runsync/cli/render"
	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/runfiles"
	"github.com/justapithecus/runsync/storage"
)

func TestReadOnlyFlags(t *testing.T) {
	names := map[string]bool{}
	for _, f := range ReadOnlyFlags() {
		names[f.Names()[0]] = true
	}
	if !names["format"] || !names["no-color"] {
		t.Errorf("flags = %v", names)
	}
}

func TestIsStderrTTY(_ *testing.T) {
	// Actual TTY behavior depends on the environment.
	_ = isStderrTTY()
}

// serveContext parses args against the serve command's flags.
func serveContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("serve", flag.ContinueOnError)
	for _, f := range ServeCommand().Flags {
		if err := f.Apply(set); err != nil {
			t.Fatalf("apply flag: %v", err)
		}
	}
	if err := set.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestApplyFlags_OverrideOnlyWhenSet(t *testing.T) {
	cfg := &config.Config{BaseURL: "https://file.example.com", Entity: "file-team", Host: "box"}
	c := serveContext(t, "--files-dir", "/runs/1", "--entity", "flag-team", "--start-time", "1700000000")

	applyFlags(c, cfg)

	if cfg.FilesDir != "/runs/1" || cfg.Entity != "flag-team" || cfg.StartTime != 1700000000 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.BaseURL != "https://file.example.com" {
		t.Errorf("unset flag overrode base_url: %q", cfg.BaseURL)
	}
	if cfg.Host != "box" {
		t.Errorf("configured host replaced: %q", cfg.Host)
	}
}

func TestBuildBackends_Offline(t *testing.T) {
	cfg := &config.Config{FilesDir: t.TempDir(), Entity: "team", Project: "proj"}
	b, err := buildBackends(t.Context(), cfg, true, log.Nop())
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if _, ok := b.deps.API.(*api.StubAPI); !ok {
		t.Errorf("offline API = %T", b.deps.API)
	}
	if _, ok := b.deps.Store.(*storage.LodeStore); !ok {
		t.Errorf("offline store = %T", b.deps.Store)
	}
	if b.deps.StreamFactory == nil || b.deps.Notifier != nil {
		t.Errorf("deps = %+v", b.deps)
	}
	if got := b.deps.Collector.Snapshot().StorageBackend; got != storage.BackendMemory {
		t.Errorf("collector backend = %q", got)
	}
}

func TestBuildBackends_Online(t *testing.T) {
	cfg := &config.Config{
		BaseURL: "https://api.example.com",
		APIKey:  "k",
		Storage: config.StorageConfig{Backend: storage.BackendFS, Path: t.TempDir()},
	}
	b, err := buildBackends(t.Context(), cfg, false, log.Nop())
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if _, ok := b.deps.API.(*api.HTTPClient); !ok {
		t.Errorf("API = %T", b.deps.API)
	}
}

func TestBuildBackends_NoStore(t *testing.T) {
	cfg := &config.Config{BaseURL: "https://api.example.com", APIKey: "k"}
	b, err := buildBackends(t.Context(), cfg, false, log.Nop())
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if b.deps.Store != nil {
		t.Errorf("store = %T, want none", b.deps.Store)
	}
}

func TestBuildNotifier(t *testing.T) {
	tests := []struct {
		name   string
		notify config.NotifyConfig
		check  func(t *testing.T, got any)
	}{
		{"none", config.NotifyConfig{}, func(t *testing.T, got any) {
			if got != nil {
				t.Errorf("notifier = %T", got)
			}
		}},
		{"webhook", config.NotifyConfig{Type: config.NotifyWebhook, URL: "http://127.0.0.1:1/hook"}, func(t *testing.T, got any) {
			if _, ok := got.(*webhook.Adapter); !ok {
				t.Errorf("notifier = %T", got)
			}
		}},
		{"redis", config.NotifyConfig{Type: config.NotifyRedis, URL: "redis://127.0.0.1:1"}, func(t *testing.T, got any) {
			if _, ok := got.(*redis.Adapter); !ok {
				t.Errorf("notifier = %T", got)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := buildNotifier(&config.Config{Notify: tt.notify})
			if err != nil {
				t.Fatalf("buildNotifier: %v", err)
			}
			if n == nil {
				tt.check(t, nil)
				return
			}
			t.Cleanup(func() { _ = n.Close() })
			tt.check(t, n)
		})
	}
}

func writeRunFiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := runfiles.WriteConfig(filepath.Join(dir, runfiles.ConfigFilename), map[string]runfiles.ConfigValue{
		"lr": {Value: 0.01},
	}); err != nil {
		t.Fatal(err)
	}
	if err := runfiles.WriteSummary(filepath.Join(dir, runfiles.SummaryFilename), map[string]any{
		"loss": 0.2,
		"eval": map[string]any{"acc": 0.9},
	}); err != nil {
		t.Fatal(err)
	}
	if err := runfiles.WriteMetadata(filepath.Join(dir, runfiles.MetadataFilename), &runfiles.Metadata{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestInspect(t *testing.T) {
	dir := writeRunFiles(t)

	meta, err := inspectRun(dir, render.FormatJSON)
	if err != nil || meta.(*runfiles.Metadata).RunID != "run-1" {
		t.Errorf("inspect run = %+v, %v", meta, err)
	}

	cfg, err := inspectConfig(dir, render.FormatJSON)
	if err != nil || cfg.(map[string]any)["lr"] != 0.01 {
		t.Errorf("inspect config = %+v, %v", cfg, err)
	}

	table, err := inspectSummary(dir, render.FormatTable)
	if err != nil || table.(map[string]any)["eval.acc"] != 0.9 {
		t.Errorf("table summary = %+v, %v", table, err)
	}
	nested, err := inspectSummary(dir, render.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := nested.(map[string]any)["eval"].(map[string]any); !ok {
		t.Errorf("json summary must stay nested: %+v", nested)
	}
}

func TestInspect_EmptyDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := inspectRun(dir, render.FormatJSON); !errors.Is(err, errNoRun) {
		t.Errorf("inspect run err = %v", err)
	}
	cfg, err := inspectConfig(dir, render.FormatJSON)
	if err != nil || len(cfg.(map[string]any)) != 0 {
		t.Errorf("inspect config = %+v, %v", cfg, err)
	}
}

func TestInspect_MissingFilesDir(t *testing.T) {
	app := &cli.App{
		Commands:       []*cli.Command{InspectCommand()},
		ExitErrHandler: func(*cli.Context, error) {},
	}
	err := app.Run([]string{"runsync", "inspect", "config"})
	var coder cli.ExitCoder
	if !errors.As(err, &coder) || coder.ExitCode() != exitInvalidInput {
		t.Fatalf("err = %v, want exit %d", err, exitInvalidInput)
	}
}
