package cmd

import (
	"context"
	"fmt"

	"github.com/justapithecus/runsync/adapter"
	"github.com/justapithecus/runsync/adapter/redis"
	"github.com/justapithecus/runsync/adapter/webhook"
	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/cli/config"
	"github.com/justapithecus/runsync/filestream"
	"github.com/justapithecus/runsync/log"
	"github.com/justapithecus/runsync/metrics"
	"github.com/justapithecus/runsync/sender"
	"github.com/justapithecus/runsync/storage"
)

// backends holds the collaborators built for one serve invocation.
type backends struct {
	deps     sender.Deps
	notifier adapter.Adapter
}

// buildBackends builds the remote API, stream transport, blob store and
// notifier described by cfg. Offline mode swaps the API and transport for
// in-memory stubs and defaults the blob store to memory.
func buildBackends(ctx context.Context, cfg *config.Config, offline bool, logger *log.Logger) (*backends, error) {
	var (
		client    api.Client
		transport filestream.Transport
	)
	if offline {
		client = api.NewStubAPI(cfg.Entity, cfg.Project)
		transport = filestream.NewStubTransport()
	} else {
		apiCfg := cfg.APIConfig()
		apiCfg.Logger = logger
		c, err := api.NewHTTPClient(apiCfg)
		if err != nil {
			return nil, fmt.Errorf("api client: %w", err)
		}
		client = c

		tCfg := cfg.StreamTransportConfig()
		tCfg.Logger = logger
		t, err := filestream.NewHTTPTransport(tCfg)
		if err != nil {
			return nil, fmt.Errorf("stream transport: %w", err)
		}
		transport = t
	}

	storeCfg := cfg.StorageConfig()
	if storeCfg.Backend == "" && offline {
		storeCfg.Backend = storage.BackendMemory
	}
	var store storage.BlobStore
	if storeCfg.Backend != "" {
		s, err := storage.Open(ctx, storeCfg)
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
		store = s
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return nil, err
	}

	streamSettings := cfg.StreamSettings()
	streamSettings.Logger = logger
	b := &backends{
		deps: sender.Deps{
			API:           client,
			StreamFactory: filestream.NewFactory(transport, streamSettings),
			Store:         store,
			Notifier:      notifier,
			Logger:        logger,
			Collector:     metrics.NewCollector(storeCfg.Backend),
		},
		notifier: notifier,
	}
	return b, nil
}

func buildNotifier(cfg *config.Config) (adapter.Adapter, error) {
	switch cfg.Notify.Type {
	case config.NotifyWebhook:
		a, err := webhook.New(cfg.WebhookConfig())
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		return a, nil
	case config.NotifyRedis:
		a, err := redis.New(cfg.RedisConfig())
		if err != nil {
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		return a, nil
	default:
		return nil, nil
	}
}

func (b *backends) close(logger *log.Logger) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Close(); err != nil {
		logger.Warn("failed to close notifier", map[string]any{"error": err.Error()})
	}
}
