package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/civicreport-sync/internal/bridge"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

const (
	defaultWakeInterval = 5 * time.Minute
	defaultMaxBackoff   = 10 * time.Minute
	jitterWindow        = 30 * time.Second
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
}

type cycleRunner interface {
	RunCycle(ctx context.Context) (replay.Result, error)
}

type syncServer interface {
	ServeSync(ctx context.Context, handler bridge.SyncHandler) error
}

type connectivityMonitor interface {
	Run(ctx context.Context) error
	OnlineTransitions(ctx context.Context) <-chan struct{}
}

type ServiceParams struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           dbClient
	Orchestrator cycleRunner
	Bridge       syncServer
	Monitor      connectivityMonitor
	Jitter       func(time.Duration) time.Duration
}

// Service wakes the background orchestrator on a timer, when connectivity
// returns, and when a sync-now request arrives over the bridge.
type Service struct {
	logg       *logger.Logger
	db         dbClient
	orch       cycleRunner
	bridge     syncServer
	monitor    connectivityMonitor
	wake       time.Duration
	maxBackoff time.Duration
	jitter     func(time.Duration) time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if params.Bridge == nil {
		return nil, errors.New("bridge is required")
	}
	if params.Monitor == nil {
		return nil, errors.New("connectivity monitor is required")
	}

	wake := params.Config.Agent.WakeInterval
	if wake <= 0 {
		wake = defaultWakeInterval
	}
	maxBackoff := params.Config.Agent.MaxBackoff
	if maxBackoff < wake {
		maxBackoff = defaultMaxBackoff
		if maxBackoff < wake {
			maxBackoff = wake
		}
	}
	jitter := params.Jitter
	if jitter == nil {
		jitter = withJitter
	}

	return &Service{
		logg:       params.Logger,
		db:         params.DB,
		orch:       params.Orchestrator,
		bridge:     params.Bridge,
		monitor:    params.Monitor,
		wake:       wake,
		maxBackoff: maxBackoff,
		jitter:     jitter,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.monitor.Run(ctx) })
	g.Go(func() error { return s.bridge.ServeSync(ctx, s.handleSyncRequest) })
	g.Go(func() error { return s.wakeLoop(ctx) })
	return g.Wait()
}

func (s *Service) handleSyncRequest(ctx context.Context, req bridge.SyncRequest) bridge.SyncResponse {
	ctx = s.logg.WithFields(ctx, map[string]any{"trigger": "sync-request", "requested_by": req.RequestedBy})
	return bridge.OrchestratorHandler(s.orch)(ctx, req)
}

func (s *Service) wakeLoop(ctx context.Context) error {
	online := s.monitor.OnlineTransitions(ctx)
	delay := s.wake

	for {
		trigger, err := s.waitForWake(ctx, online, s.jitter(delay))
		if err != nil {
			return err
		}

		wakeCtx := s.logg.WithField(ctx, "trigger", trigger)
		result, err := s.orch.RunCycle(wakeCtx)
		if err != nil {
			s.logg.Error(wakeCtx, "background sync cycle failed", err)
			delay = nextBackoff(delay, s.wake, s.maxBackoff)
			continue
		}
		delay = s.wake
		if result.Skipped != replay.SkipNone {
			s.logg.Debug(s.logg.WithField(wakeCtx, "skipped", result.Skipped), "background wake deferred")
		}
	}
}

func (s *Service) waitForWake(ctx context.Context, online <-chan struct{}, d time.Duration) (string, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "timer", nil
	case <-online:
		return "online", nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
