package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runsync/cli/config"
	"github.com/justapithecus/runsync/cli/render"
	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/runtime"
	"github.com/justapithecus/runsync/sender"
	"github.com/justapithecus/runsync/types"
)

// Exit codes, shared with the daemon.
const (
	exitSyncError    = runtime.ExitCodeSyncError
	exitInvalidInput = runtime.ExitCodeInvalidInput
)

// ServeCommand returns the serve command. It is the only command that
// talks to the remote service: it reads Record frames on stdin and
// writes Result frames on stdout until the producer closes stdin.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Sync one run from records on stdin",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to runsync.yaml",
				EnvVars: []string{"RUNSYNC_CONFIG"},
			},
			FilesDirFlag,
			&cli.StringFlag{Name: "base-url", Usage: "Remote service base URL"},
			&cli.StringFlag{Name: "entity", Usage: "Default entity"},
			&cli.StringFlag{Name: "project", Usage: "Default project"},
			&cli.StringFlag{Name: "resume", Usage: "Resume mode when the run record has none: allow, auto, must, never"},
			&cli.StringFlag{Name: "program", Usage: "Program path recorded with the run"},
			&cli.Int64Flag{Name: "start-time", Usage: "Producer process start, epoch seconds"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error"},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "Use in-memory API and stream stubs; nothing leaves the host except blob uploads",
			},
			&cli.BoolFlag{
				Name:  "summary",
				Usage: "Render a sync summary to stderr on exit",
			},
			FormatFlag,
			NoColorFlag,
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Resolve(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	applyFlags(c, cfg)

	offline := c.Bool("offline")
	if err := cfg.Validate(offline); err != nil {
		return cli.Exit(fmt.Sprintf("invalid settings: %v", err), exitInvalidInput)
	}

	var summary *render.Renderer
	if c.Bool("summary") {
		if summary, err = newSummaryRenderer(c); err != nil {
			return cli.Exit(err.Error(), exitInvalidInput)
		}
	}

	logger := log.NewLoggerWithWriter(os.Stderr, log.ParseLevel(cfg.LogLevel))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := buildBackends(ctx, cfg, offline, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("setup failed: %v", err), exitInvalidInput)
	}
	defer b.close(logger)

	results := make(chan *types.Result, runtime.ResultBuffer)
	m := sender.New(cfg.SenderSettings(), b.deps, results)
	d := runtime.NewDaemon(runtime.DaemonConfig{
		Reader:    os.Stdin,
		Writer:    os.Stdout,
		Sender:    m,
		Results:   results,
		Logger:    logger,
		Collector: b.deps.Collector,
	})

	// A blocked read only returns once stdin is closed.
	go func() {
		<-ctx.Done()
		_ = os.Stdin.Close()
	}()

	runErr := d.Run(ctx)

	if summary != nil {
		if err := summary.RenderReport(m.Report()); err != nil {
			logger.Warn("failed to render summary", map[string]any{"error": err.Error()})
		}
	}
	if runErr != nil {
		return cli.Exit(runErr.Error(), runtime.ExitCode(runErr))
	}
	return nil
}

// applyFlags overrides file and environment settings with set flags.
func applyFlags(c *cli.Context, cfg *config.Config) {
	strs := map[string]*string{
		"files-dir": &cfg.FilesDir,
		"base-url":  &cfg.BaseURL,
		"entity":    &cfg.Entity,
		"project":   &cfg.Project,
		"resume":    &cfg.Resume,
		"program":   &cfg.Program,
		"log-level": &cfg.LogLevel,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("start-time") {
		cfg.StartTime = c.Int64("start-time")
	}
	if cfg.Host == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Host = host
		}
	}
}

// newSummaryRenderer writes to stderr; stdout carries Result frames.
func newSummaryRenderer(c *cli.Context) (*render.Renderer, error) {
	format, err := render.ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = render.FormatJSON
		if isStderrTTY() {
			format = render.FormatTable
		}
	}
	return render.NewRendererWithWriter(format, c.Bool("no-color"), os.Stderr), nil
}

// isStderrTTY returns true if stderr is a terminal.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
