package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace   = "cr"
	bridgePrefix   = "bridge"
	presencePrefix = "presence"
	lockPrefix     = "lock"
	idemPrefix     = "idem"

	subscriptionBuffer = 16
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = redis.Nil

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
	Publish(context.Context, string, any) *redis.IntCmd
	ZAdd(context.Context, string, ...redis.Z) *redis.IntCmd
	ZRem(context.Context, string, ...any) *redis.IntCmd
	ZRemRangeByScore(context.Context, string, string, string) *redis.IntCmd
	ZCount(context.Context, string, string, string) *redis.IntCmd
	ZRangeByScore(context.Context, string, *redis.ZRangeBy) *redis.StringSliceCmd
	Eval(context.Context, string, []string, ...any) *redis.Cmd
}

// Client wraps the redis connection helpers used by the bridge and locks.
type Client struct {
	store cmdable
	raw   *redis.Client
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(context.Context) error
}

// IdempotencyStore is the key/value surface the HTTP idempotency middleware
// claims, commits and releases request keys through.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	Set(context.Context, string, any, time.Duration) error
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	Del(context.Context, ...string) error
	IdempotencyKey(scope, id string) string
}

// Message is a pub/sub payload delivered to a subscriber.
type Message struct {
	Channel string
	Payload string
}

// New bootstraps a Redis client with pooling/timeouts and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case cfg.Address == "":
		return nil, errors.New("redis url or address is required")
	}

	// The URL wins for anything it spells out; config fills the rest.
	fill := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	fillDur := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	fill(&opts.DB, cfg.DB)
	fill(&opts.PoolSize, cfg.PoolSize)
	fill(&opts.MinIdleConns, cfg.MinIdleConns)
	fillDur(&opts.DialTimeout, cfg.DialTimeout)
	fillDur(&opts.ReadTimeout, cfg.ReadTimeout)
	fillDur(&opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

var errNotReady = errors.New("redis client not initialized")

func (c *Client) ready() error {
	if c == nil || c.store == nil {
		return errNotReady
	}
	return nil
}

func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.Set(ctx, key, value, ttl).Err()
}

// Get returns ErrNil when key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	return c.store.Get(ctx, key).Result()
}

// SetNX reports whether the key was created.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.Del(ctx, keys...).Err()
}

const compareAndDelete = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`

// DeleteIfEquals removes key only while it still holds value, atomically.
func (c *Client) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	n, err := c.store.Eval(ctx, compareAndDelete, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const compareAndExpire = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`

// ExpireIfEquals resets key's TTL only while it still holds value.
func (c *Client) ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	n, err := c.store.Eval(ctx, compareAndExpire, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Publish returns how many subscribers received payload.
func (c *Client) Publish(ctx context.Context, channel string, payload any) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.store.Publish(ctx, channel, payload).Result()
}

// Presence sets score members by expiry (unix millis); the Z helpers below
// keep that convention.

func (c *Client) ZAddScore(ctx context.Context, key, member string, score float64) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.store.ZRem(ctx, key, args...).Err()
}

// ZTrimBelow drops every member scored strictly below min.
func (c *Client) ZTrimBelow(ctx context.Context, key string, min float64) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.ZRemRangeByScore(ctx, key, "-inf", "("+scoreArg(min)).Err()
}

// ZCountFrom counts members scored at or above min.
func (c *Client) ZCountFrom(ctx context.Context, key string, min float64) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.store.ZCount(ctx, key, scoreArg(min), "+inf").Result()
}

// ZMembersFrom lists members scored at or above min, lowest score first.
func (c *Client) ZMembersFrom(ctx context.Context, key string, min float64) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.store.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: scoreArg(min), Max: "+inf"}).Result()
}

func scoreArg(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Subscribe listens on channels until ctx ends or the returned close func runs.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func() error, error) {
	if c == nil || c.raw == nil {
		return nil, nil, errNotReady
	}
	if len(channels) == 0 {
		return nil, nil, errors.New("at least one channel is required")
	}
	ps := c.raw.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", strings.Join(channels, ","), err)
	}

	out := make(chan Message, subscriptionBuffer)
	in := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, ps.Close, nil
}

// BridgeKey names a bridge key or channel, e.g. cr:bridge:sync-reply:<id>.
func (c *Client) BridgeKey(parts ...string) string {
	return joinKey(append([]string{bridgePrefix}, parts...)...)
}

// PresenceKey is the sorted set of live foreground contexts.
func (c *Client) PresenceKey() string {
	return joinKey(presencePrefix)
}

func (c *Client) LockKey(name string) string {
	return joinKey(lockPrefix, name)
}

// IdempotencyKey hashes scope so user ids and paths never leak into key
// names or collide on separators.
func (c *Client) IdempotencyKey(scope, id string) string {
	sum := sha256.Sum256([]byte(scope))
	return joinKey(idemPrefix, hex.EncodeToString(sum[:12]), id)
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func joinKey(parts ...string) string {
	key := keyNamespace
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			key += ":" + part
		}
	}
	return key
}
