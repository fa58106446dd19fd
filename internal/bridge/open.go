package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/angelmondragon/civicreport-sync/pkg/redis"
)

const cycleLockName = "replay"

// Open builds the bridge named by CIVIC_BRIDGE_DRIVER. The redis client is
// nil for the memory driver; callers own closing it otherwise.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Bridge, *redis.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Bridge.Driver)) {
	case config.BridgeDriverRedis:
		client, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		b, err := NewRedisBridge(client, logg)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return b, client, nil
	case config.BridgeDriverMemory:
		logg.Warn(ctx, "memory bridge in use; other processes cannot see config or presence")
		return NewMemoryBridge(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported %s %q", config.EnvBridgeDriver, cfg.Bridge.Driver)
	}
}

// CycleLock returns the lock shared by every orchestrator on this queue: a
// Redis lock when a client exists, a process-local one otherwise.
func CycleLock(client *redis.Client, ttl time.Duration) (replay.Lock, error) {
	if client == nil {
		return replay.NewLocalLock(), nil
	}
	lock, err := replay.NewRedisLock(client, client.LockKey(cycleLockName), ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}
