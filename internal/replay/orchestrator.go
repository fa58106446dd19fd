package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/remote"
	"github.com/angelmondragon/civicreport-sync/internal/reports"
	"github.com/angelmondragon/civicreport-sync/pkg/auth"
	"github.com/angelmondragon/civicreport-sync/pkg/db/models"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/angelmondragon/civicreport-sync/pkg/metrics"
	"go.uber.org/multierr"
)

const (
	DriverForeground = "foreground"
	DriverBackground = "background"

	defaultStaleAfter = 10 * time.Minute
)

// Notifier receives the summary of every cycle that ran.
type Notifier interface {
	PublishSyncComplete(ctx context.Context, summary Summary) error
}

// OrchestratorParams configure an Orchestrator.
type OrchestratorParams struct {
	Driver      string
	Logger      *logger.Logger
	Repository  reports.Repository
	Remote      remote.Submitter
	Config      ConfigSource
	Gate        Gate
	Notifier    Notifier
	Metrics     *metrics.SyncMetrics
	MaxAttempts int
	StaleAfter  time.Duration
	Clock       func() time.Time

	// RequestConfigOnMissing asks the config source for a push when a
	// cycle finds no config.
	RequestConfigOnMissing bool
}

// Orchestrator drives sync cycles over the local queue for one driver.
type Orchestrator struct {
	driver      string
	logg        *logger.Logger
	repo        reports.Repository
	remote      remote.Submitter
	config      ConfigSource
	gate        Gate
	notifier    Notifier
	metrics     *metrics.SyncMetrics
	maxAttempts int
	staleAfter  time.Duration
	now         func() time.Time
	requestCfg  bool

	running atomic.Bool

	mu    sync.RWMutex
	state State
	last  *Result
}

// NewOrchestrator validates params and returns an idle orchestrator.
func NewOrchestrator(params OrchestratorParams) (*Orchestrator, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Repository == nil {
		return nil, errors.New("repository required")
	}
	if params.Remote == nil {
		return nil, errors.New("remote submitter required")
	}
	if params.Config == nil {
		return nil, errors.New("config source required")
	}
	gate := params.Gate
	if gate == nil {
		gate = ForegroundGate(nil)
	}
	driver := params.Driver
	if driver == "" {
		driver = DriverForeground
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = reports.DefaultMaxAttempts
	}
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		driver:      driver,
		logg:        params.Logger,
		repo:        params.Repository,
		remote:      params.Remote,
		config:      params.Config,
		gate:        gate,
		notifier:    params.Notifier,
		metrics:     params.Metrics,
		maxAttempts: maxAttempts,
		staleAfter:  staleAfter,
		now:         clock,
		requestCfg:  params.RequestConfigOnMissing,
		state:       StateIdle,
	}, nil
}

// State returns the current lifecycle position.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastResult returns the most recent cycle that passed its preconditions.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// Driver names the context this orchestrator replays for.
func (o *Orchestrator) Driver() string {
	return o.driver
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

// RunCycle replays every eligible record once, oldest first. Remote failures
// are recorded per record and never abort the cycle; storage failures are
// returned together with the partial summary.
func (o *Orchestrator) RunCycle(ctx context.Context) (Result, error) {
	return o.run(ctx, "")
}

// RetryOne replays a single record immediately under the same preconditions.
func (o *Orchestrator) RetryOne(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "report id is required")
	}
	return o.run(ctx, id)
}

func (o *Orchestrator) run(ctx context.Context, onlyID string) (Result, error) {
	ctx = o.logg.WithDriver(ctx, o.driver)
	result := Result{StartedAt: o.now()}

	if !o.running.CompareAndSwap(false, true) {
		return o.skip(ctx, result, SkipBusy), nil
	}
	defer o.running.Store(false)
	defer o.setState(StateIdle)

	o.setState(StateCheckingPre)
	lease, reason, err := o.gate.Enter(ctx)
	if err != nil {
		return result, err
	}
	if reason != SkipNone {
		return o.skip(ctx, result, reason), nil
	}
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			o.logg.Error(ctx, "failed to release replay lock", relErr)
		}
	}()

	cfg, reason, err := o.loadConfig(ctx)
	if err != nil {
		return result, err
	}
	if reason != SkipNone {
		return o.skip(ctx, result, reason), nil
	}

	o.setState(StateReplaying)
	var errs error
	if requeued, rqErr := o.repo.RequeueStale(ctx, o.now().Add(-o.staleAfter)); rqErr != nil {
		errs = multierr.Append(errs, fmt.Errorf("requeue stale: %w", rqErr))
	} else if requeued > 0 {
		o.logg.Warn(o.logg.WithField(ctx, "requeued", requeued), "requeued interrupted sync attempts")
	}

	ids, err := o.candidates(ctx, onlyID)
	if err != nil {
		return result, multierr.Append(errs, err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		// Stop rather than replay without the lock; the rest waits for the next cycle.
		if renewErr := lease.Renew(ctx); renewErr != nil {
			errs = multierr.Append(errs, fmt.Errorf("cycle lock: %w", renewErr))
			break
		}
		outcome, recErr := o.replayOne(ctx, *cfg, id)
		result.Summary.add(outcome)
		result.Visited++
		errs = multierr.Append(errs, recErr)
	}

	result.FinishedAt = o.now()
	o.finish(ctx, result)
	return result, errs
}

func (o *Orchestrator) skip(ctx context.Context, result Result, reason SkipReason) Result {
	result.Skipped = reason
	result.FinishedAt = o.now()
	if o.metrics != nil {
		o.metrics.IncSkipped(o.driver, string(reason))
	}
	o.logg.Info(o.logg.WithField(ctx, "skip_reason", string(reason)), "sync cycle skipped")
	return result
}

func (o *Orchestrator) loadConfig(ctx context.Context) (*remote.Config, SkipReason, error) {
	cfg, err := o.config.LoadConfig(ctx)
	if err != nil && !errors.Is(err, ErrNoConfig) {
		return nil, SkipNone, fmt.Errorf("load remote config: %w", err)
	}
	if cfg == nil || !cfg.Configured() {
		if o.requestCfg {
			if reqErr := o.config.RequestConfig(ctx); reqErr != nil {
				o.logg.Error(ctx, "failed to request remote config", reqErr)
			}
		}
		return nil, SkipNoConfig, nil
	}
	if cfg.AccessToken != "" {
		// Tokens that are not JWTs are passed through untouched.
		if claims, parseErr := auth.ParseSessionToken(cfg.AccessToken); parseErr == nil && claims.ExpiredAt(o.now()) {
			if o.requestCfg {
				if reqErr := o.config.RequestConfig(ctx); reqErr != nil {
					o.logg.Error(ctx, "failed to request remote config", reqErr)
				}
			}
			return nil, SkipCredentialsExpired, nil
		}
	}
	return cfg, SkipNone, nil
}

func (o *Orchestrator) candidates(ctx context.Context, onlyID string) ([]string, error) {
	if onlyID != "" {
		return []string{onlyID}, nil
	}
	rows, err := o.repo.ListReplayCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list replay candidates: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// replayOne re-reads the record before acting so state written by another
// driver since the listing wins.
func (o *Orchestrator) replayOne(ctx context.Context, cfg remote.Config, id string) (Summary, error) {
	ctx = o.logg.WithReportID(ctx, id)

	current, err := o.repo.Get(ctx, id)
	if errors.Is(err, reports.ErrNotFound) {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("read report %s: %w", id, err)
	}
	if !current.SyncStatus.Replayable() {
		return Summary{}, nil
	}
	if current.SyncAttempts >= o.maxAttempts {
		return o.evict(ctx, current, false)
	}

	now := o.now()
	claimed, err := o.repo.Update(ctx, id, reports.Patch{
		RequireReplayable: true,
		Status:            reports.StatusOf(enums.SyncStatusSyncing),
		IncrementAttempts: true,
		LastSyncAttempt:   &now,
	})
	switch {
	case errors.Is(err, reports.ErrNotFound), errors.Is(err, reports.ErrNotReplayable):
		return Summary{}, nil
	case err != nil:
		return Summary{}, fmt.Errorf("claim report %s: %w", id, err)
	}
	ctx = o.logg.WithField(ctx, "sync_attempts", claimed.SyncAttempts)
	// Update returns the row without its photos.
	claimed.Photos = current.Photos

	decoded := reports.DecodeForUpload(*claimed)
	created, submitErr := o.remote.Submit(ctx, cfg, decoded)
	if submitErr == nil {
		if err := o.repo.Delete(ctx, id); err != nil {
			return Summary{}, fmt.Errorf("delete synced report %s: %w", id, err)
		}
		if created != nil {
			ctx = o.logg.WithField(ctx, "remote_issue_id", created.ID)
		}
		o.logg.Info(ctx, "queued report synced")
		return Summary{Synced: 1}, nil
	}

	o.logg.Warn(o.logg.WithField(ctx, "error", submitErr.Error()), "queued report sync attempt failed")
	after, err := o.repo.Get(ctx, id)
	if errors.Is(err, reports.ErrNotFound) {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{Failed: 1}, fmt.Errorf("reread report %s: %w", id, err)
	}
	if after.SyncAttempts >= o.maxAttempts {
		return o.evict(ctx, after, true)
	}

	msg := failureMessage(submitErr)
	failedAt := o.now()
	_, err = o.repo.Update(ctx, id, reports.Patch{
		Status:          reports.StatusOf(enums.SyncStatusFailed),
		SyncError:       &msg,
		LastSyncAttempt: &failedAt,
	})
	if err != nil && !errors.Is(err, reports.ErrNotFound) {
		return Summary{Failed: 1}, fmt.Errorf("mark report %s failed: %w", id, err)
	}
	return Summary{Failed: 1}, nil
}

// evict deletes a record that reached the attempt ceiling. Records swept
// before any attempt this cycle count only as evicted.
func (o *Orchestrator) evict(ctx context.Context, report *models.QueuedReport, attempted bool) (Summary, error) {
	fields := map[string]any{"sync_attempts": report.SyncAttempts, "max_attempts": o.maxAttempts}
	if report.SyncError != nil {
		fields["last_sync_error"] = *report.SyncError
	}
	if err := o.repo.Delete(ctx, report.ID); err != nil {
		return Summary{}, fmt.Errorf("evict report %s: %w", report.ID, err)
	}
	o.logg.Warn(o.logg.WithFields(ctx, fields), "queued report evicted after exhausting sync attempts")
	if attempted {
		return Summary{Failed: 1, Evicted: 1}, nil
	}
	return Summary{Evicted: 1}, nil
}

func (o *Orchestrator) finish(ctx context.Context, result Result) {
	o.mu.Lock()
	stored := result
	o.last = &stored
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ObserveCycle(o.driver, result.FinishedAt.Sub(result.StartedAt))
		o.metrics.AddOutcomes(o.driver, result.Summary.Synced, result.Summary.Failed, result.Summary.Evicted)
	}
	if result.Visited == 0 {
		o.logg.Debug(ctx, "sync cycle found nothing to replay")
		return
	}
	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"synced":  result.Summary.Synced,
		"failed":  result.Summary.Failed,
		"evicted": result.Summary.Evicted,
	}), "sync cycle complete")
	if o.notifier == nil {
		return
	}
	if err := o.notifier.PublishSyncComplete(ctx, result.Summary); err != nil {
		o.logg.Error(ctx, "failed to publish sync completion", err)
	}
}

// failureMessage keeps the step-specific text the remote client produced.
func failureMessage(err error) string {
	if typed := pkgerrors.As(err); typed != nil && typed.Message() != "" {
		return typed.Message()
	}
	return err.Error()
}
