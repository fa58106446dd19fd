package main

import (
	"context"
	"sync"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/bridge"
	"github.com/angelmondragon/civicreport-sync/internal/remote"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

const defaultSyncInterval = 2 * time.Minute

type cycleRunner interface {
	RunCycle(ctx context.Context) (replay.Result, error)
}

// syncTriggers starts foreground cycles when connectivity returns and on a
// fixed interval. Explicit requests arrive over HTTP instead.
type syncTriggers struct {
	logg     *logger.Logger
	runner   cycleRunner
	online   <-chan struct{}
	interval time.Duration
}

func (t *syncTriggers) Run(ctx context.Context) error {
	interval := t.interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var trigger string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			trigger = "interval"
		case <-t.online:
			trigger = "online"
		}
		t.run(t.logg.WithField(ctx, "trigger", trigger))
	}
}

func (t *syncTriggers) run(ctx context.Context) {
	if _, err := t.runner.RunCycle(ctx); err != nil {
		t.logg.Error(ctx, "foreground sync cycle failed", err)
	}
}

// configRelay re-pushes the last config seen by this process when a
// background agent reports it has none, and logs background completions.
type configRelay struct {
	logg   *logger.Logger
	bridge bridge.Bridge

	mu   sync.Mutex
	last *remote.Config
}

func (c *configRelay) Run(ctx context.Context) error {
	requests, err := c.bridge.ConfigRequests(ctx)
	if err != nil {
		return err
	}
	updates, err := c.bridge.ConfigUpdates(ctx)
	if err != nil {
		return err
	}
	completions, err := c.bridge.SyncCompletions(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			c.mu.Lock()
			c.last = &cfg
			c.mu.Unlock()
		case _, ok := <-requests:
			if !ok {
				return ctx.Err()
			}
			c.answer(ctx)
		case summary, ok := <-completions:
			if !ok {
				return ctx.Err()
			}
			c.logg.Info(c.logg.WithFields(ctx, map[string]any{
				"synced":  summary.Synced,
				"failed":  summary.Failed,
				"evicted": summary.Evicted,
			}), "sync completed")
		}
	}
}

func (c *configRelay) answer(ctx context.Context) {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last == nil {
		c.logg.Info(ctx, "config requested but no session has pushed one")
		return
	}
	if err := c.bridge.PushConfig(ctx, *last); err != nil {
		c.logg.Error(ctx, "failed to re-push session config", err)
		return
	}
	c.logg.Info(ctx, "session config re-pushed on request")
}
