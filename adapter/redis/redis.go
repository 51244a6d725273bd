// Package redis publishes run events to a Redis pub/sub channel.
//
// Each publish also records the latest event for the run under a
// per-run key, so late subscribers can read current state.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/justapithecus/runsync/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "runsync:runs"

// DefaultKeyPrefix prefixes the per-run latest-event key.
const DefaultKeyPrefix = "runsync:run:"

// DefaultStateTTL is how long the latest-event key lives.
const DefaultStateTTL = 24 * time.Hour

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: runsync:runs).
	Channel string
	// KeyPrefix prefixes the latest-event key (default: runsync:run:).
	KeyPrefix string
	// StateTTL is the latest-event key expiry. Negative disables the key.
	StateTTL time.Duration
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
}

// Adapter publishes run events via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis adapter from the given config.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.StateTTL == 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// StateKey returns the latest-event key for a run.
func (a *Adapter) StateKey(runID string) string {
	return a.config.KeyPrefix + runID
}

// Publish sends the event as JSON to the configured channel and stores
// it as the run's latest event, in one transaction.
func (a *Adapter) Publish(ctx context.Context, event *adapter.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + a.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		lastErr = a.publish(publishCtx, event.RunID, body)
		cancel()

		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, goredis.ErrClosed) {
			break
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

func (a *Adapter) publish(ctx context.Context, runID string, body []byte) error {
	_, err := a.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if a.config.StateTTL > 0 && runID != "" {
			pipe.Set(ctx, a.StateKey(runID), body, a.config.StateTTL)
		}
		pipe.Publish(ctx, a.config.Channel, body)
		return nil
	})
	return err
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
