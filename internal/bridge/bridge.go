package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/remote"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
)

var (
	// ErrNoResponder means no replay agent is listening for sync requests.
	ErrNoResponder = errors.New("no sync responder listening")
	// ErrSyncTimeout means the responder did not answer in time.
	ErrSyncTimeout = errors.New("sync request timed out")
)

const defaultSyncTimeout = 2 * time.Minute

// SyncRequest asks a replay agent to run one cycle now.
type SyncRequest struct {
	ID          string `json:"id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// SyncResponse answers a SyncRequest with the same id.
type SyncResponse struct {
	ID      string            `json:"id"`
	Summary replay.Summary    `json:"summary"`
	Skipped replay.SkipReason `json:"skipped,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// SyncHandler runs a cycle for a request received over the bridge.
type SyncHandler func(ctx context.Context, req SyncRequest) SyncResponse

// Bridge carries config, sync triggers and presence between execution
// contexts that share nothing but the local store.
type Bridge interface {
	// PushConfig stores cfg and announces it to ConfigUpdates subscribers.
	PushConfig(ctx context.Context, cfg remote.Config) error
	// LoadConfig returns the last pushed config or replay.ErrNoConfig.
	LoadConfig(ctx context.Context) (*remote.Config, error)
	// RequestConfig asks any foreground context to push its config.
	RequestConfig(ctx context.Context) error
	ConfigRequests(ctx context.Context) (<-chan struct{}, error)
	ConfigUpdates(ctx context.Context) (<-chan remote.Config, error)

	// RequestSync blocks until a responder answers or timeout elapses.
	RequestSync(ctx context.Context, req SyncRequest, timeout time.Duration) (SyncResponse, error)
	// ServeSync answers sync requests until ctx ends.
	ServeSync(ctx context.Context, handler SyncHandler) error
	PublishSyncComplete(ctx context.Context, summary replay.Summary) error
	SyncCompletions(ctx context.Context) (<-chan replay.Summary, error)

	MarkActive(ctx context.Context, contextID string, ttl time.Duration) error
	MarkInactive(ctx context.Context, contextID string) error
	AnyActive(ctx context.Context) (bool, error)
	ActiveContexts(ctx context.Context) ([]string, error)
}

var (
	_ Bridge                 = (*RedisBridge)(nil)
	_ Bridge                 = (*MemoryBridge)(nil)
	_ replay.ConfigSource    = Bridge(nil)
	_ replay.PresenceChecker = Bridge(nil)
	_ replay.Notifier        = Bridge(nil)
)

// OrchestratorHandler adapts an orchestrator cycle into a SyncHandler.
func OrchestratorHandler(orch interface {
	RunCycle(ctx context.Context) (replay.Result, error)
}) SyncHandler {
	return func(ctx context.Context, req SyncRequest) SyncResponse {
		result, err := orch.RunCycle(ctx)
		resp := SyncResponse{ID: req.ID, Summary: result.Summary, Skipped: result.Skipped}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp
	}
}

func syncTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultSyncTimeout
	}
	return timeout
}
