package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/remote"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/angelmondragon/civicreport-sync/pkg/redis"
	"github.com/google/uuid"
)

const (
	topicConfig        = "config"
	topicConfigRequest = "config-request"
	topicSyncRequest   = "sync-request"
	topicSyncReply     = "sync-reply"
	topicSyncComplete  = "sync-complete"
)

// redisStore is the slice of pkg/redis the bridge depends on.
type redisStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Publish(ctx context.Context, channel string, payload any) (int64, error)
	Subscribe(ctx context.Context, channels ...string) (<-chan redis.Message, func() error, error)
	ZAddScore(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZTrimBelow(ctx context.Context, key string, min float64) error
	ZCountFrom(ctx context.Context, key string, min float64) (int64, error)
	ZMembersFrom(ctx context.Context, key string, min float64) ([]string, error)
	BridgeKey(parts ...string) string
	PresenceKey() string
}

// RedisBridge relays bridge traffic through Redis keys and pub/sub so the
// api and replay-agent processes can coordinate.
type RedisBridge struct {
	store redisStore
	logg  *logger.Logger
	now   func() time.Time
}

// NewRedisBridge binds a bridge to the shared Redis client.
func NewRedisBridge(store redisStore, logg *logger.Logger) (*RedisBridge, error) {
	if store == nil {
		return nil, errors.New("redis client required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &RedisBridge{store: store, logg: logg, now: time.Now}, nil
}

func (b *RedisBridge) PushConfig(ctx context.Context, cfg remote.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	key := b.store.BridgeKey(topicConfig)
	if err := b.store.Set(ctx, key, payload, 0); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if _, err := b.store.Publish(ctx, key, payload); err != nil {
		return fmt.Errorf("announce config: %w", err)
	}
	return nil
}

func (b *RedisBridge) LoadConfig(ctx context.Context) (*remote.Config, error) {
	raw, err := b.store.Get(ctx, b.store.BridgeKey(topicConfig))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, replay.ErrNoConfig
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg remote.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if !cfg.Configured() {
		return nil, replay.ErrNoConfig
	}
	return &cfg, nil
}

func (b *RedisBridge) RequestConfig(ctx context.Context) error {
	receivers, err := b.store.Publish(ctx, b.store.BridgeKey(topicConfigRequest), b.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("publish config request: %w", err)
	}
	if receivers == 0 {
		b.logg.Debug(ctx, "config request published with no foreground listener")
	}
	return nil
}

func (b *RedisBridge) ConfigRequests(ctx context.Context) (<-chan struct{}, error) {
	msgs, closeFn, err := b.store.Subscribe(ctx, b.store.BridgeKey(topicConfigRequest))
	if err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer b.closeSubscription(ctx, closeFn)
		for range msgs {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

func (b *RedisBridge) ConfigUpdates(ctx context.Context) (<-chan remote.Config, error) {
	msgs, closeFn, err := b.store.Subscribe(ctx, b.store.BridgeKey(topicConfig))
	if err != nil {
		return nil, err
	}
	return relay[remote.Config](ctx, b, msgs, closeFn, "config update"), nil
}

func (b *RedisBridge) RequestSync(ctx context.Context, req SyncRequest, timeout time.Duration) (SyncResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout(timeout))
	defer cancel()

	// Subscribe to the reply before publishing so a fast responder is not missed.
	replies, closeFn, err := b.store.Subscribe(ctx, b.store.BridgeKey(topicSyncReply, req.ID))
	if err != nil {
		return SyncResponse{}, err
	}
	defer b.closeSubscription(ctx, closeFn)

	payload, err := json.Marshal(req)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("encode sync request: %w", err)
	}
	receivers, err := b.store.Publish(ctx, b.store.BridgeKey(topicSyncRequest), payload)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("publish sync request: %w", err)
	}
	if receivers == 0 {
		return SyncResponse{}, ErrNoResponder
	}

	for {
		select {
		case <-ctx.Done():
			return SyncResponse{}, ErrSyncTimeout
		case msg, ok := <-replies:
			if !ok {
				return SyncResponse{}, ErrSyncTimeout
			}
			var resp SyncResponse
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				b.logg.Warn(b.logg.WithField(ctx, "error", err.Error()), "discarding malformed sync reply")
				continue
			}
			if resp.ID != req.ID {
				continue
			}
			return resp, nil
		}
	}
}

func (b *RedisBridge) ServeSync(ctx context.Context, handler SyncHandler) error {
	if handler == nil {
		return errors.New("sync handler required")
	}
	msgs, closeFn, err := b.store.Subscribe(ctx, b.store.BridgeKey(topicSyncRequest))
	if err != nil {
		return err
	}
	defer b.closeSubscription(ctx, closeFn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var req SyncRequest
			if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil || req.ID == "" {
				b.logg.Warn(ctx, "discarding malformed sync request")
				continue
			}
			reqCtx := b.logg.WithRequestID(ctx, req.ID)
			resp := handler(reqCtx, req)
			resp.ID = req.ID
			payload, err := json.Marshal(resp)
			if err != nil {
				b.logg.Error(reqCtx, "failed to encode sync reply", err)
				continue
			}
			if _, err := b.store.Publish(reqCtx, b.store.BridgeKey(topicSyncReply, req.ID), payload); err != nil {
				b.logg.Error(reqCtx, "failed to publish sync reply", err)
			}
		}
	}
}

func (b *RedisBridge) PublishSyncComplete(ctx context.Context, summary replay.Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if _, err := b.store.Publish(ctx, b.store.BridgeKey(topicSyncComplete), payload); err != nil {
		return fmt.Errorf("publish sync completion: %w", err)
	}
	return nil
}

func (b *RedisBridge) SyncCompletions(ctx context.Context) (<-chan replay.Summary, error) {
	msgs, closeFn, err := b.store.Subscribe(ctx, b.store.BridgeKey(topicSyncComplete))
	if err != nil {
		return nil, err
	}
	return relay[replay.Summary](ctx, b, msgs, closeFn, "sync completion"), nil
}

// MarkActive scores contextID by its expiry so lapsed heartbeats age out.
func (b *RedisBridge) MarkActive(ctx context.Context, contextID string, ttl time.Duration) error {
	if contextID == "" {
		return errors.New("context id is required")
	}
	if ttl <= 0 {
		return errors.New("presence ttl must be positive")
	}
	expiry := b.now().Add(ttl).UnixMilli()
	return b.store.ZAddScore(ctx, b.store.PresenceKey(), contextID, float64(expiry))
}

func (b *RedisBridge) MarkInactive(ctx context.Context, contextID string) error {
	return b.store.ZRem(ctx, b.store.PresenceKey(), contextID)
}

func (b *RedisBridge) AnyActive(ctx context.Context) (bool, error) {
	now := float64(b.now().UnixMilli())
	if err := b.store.ZTrimBelow(ctx, b.store.PresenceKey(), now); err != nil {
		return false, fmt.Errorf("trim presence: %w", err)
	}
	count, err := b.store.ZCountFrom(ctx, b.store.PresenceKey(), now)
	if err != nil {
		return false, fmt.Errorf("count presence: %w", err)
	}
	return count > 0, nil
}

func (b *RedisBridge) ActiveContexts(ctx context.Context) ([]string, error) {
	now := float64(b.now().UnixMilli())
	if err := b.store.ZTrimBelow(ctx, b.store.PresenceKey(), now); err != nil {
		return nil, fmt.Errorf("trim presence: %w", err)
	}
	return b.store.ZMembersFrom(ctx, b.store.PresenceKey(), now)
}

func (b *RedisBridge) closeSubscription(ctx context.Context, closeFn func() error) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		b.logg.Error(ctx, "failed to close bridge subscription", err)
	}
}

func relay[T any](ctx context.Context, b *RedisBridge, msgs <-chan redis.Message, closeFn func() error, kind string) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		defer b.closeSubscription(ctx, closeFn)
		for msg := range msgs {
			var v T
			if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
				b.logg.Warn(b.logg.WithField(ctx, "error", err.Error()), "discarding malformed "+kind)
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
