package sender

import (
	"context"
	"fmt"

	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/log"
)

// runHandle is what record handlers may do to the remote run.
//
// Before the run starts, and after a failed start, the handle is inert:
// there is no remote run to amend. After a successful upsert it is active.
type runHandle interface {
	Active() bool
	// UpdateConfig replaces the remote run config with cfg.
	UpdateConfig(ctx context.Context, cfg map[string]any) error
}

// inertRun drops remote amendments.
type inertRun struct {
	logger *log.Logger
}

func (inertRun) Active() bool { return false }

func (r inertRun) UpdateConfig(_ context.Context, cfg map[string]any) error {
	r.logger.Debug("config update without active run; kept locally", map[string]any{
		"keys": len(cfg),
	})
	return nil
}

// activeRun amends the upserted remote run.
type activeRun struct {
	client  api.Client
	runID   string
	entity  string
	project string
}

func (activeRun) Active() bool { return true }

func (r activeRun) UpdateConfig(ctx context.Context, cfg map[string]any) error {
	_, _, err := r.client.UpsertRun(ctx, api.UpsertRunParams{
		RunID:   r.runID,
		Entity:  r.entity,
		Project: r.project,
		Config:  cfg,
	})
	if err != nil {
		return fmt.Errorf("update run config: %w", err)
	}
	return nil
}
