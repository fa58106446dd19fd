package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/redis/go-redis/v9"
)

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	if err := client.Set(ctx, "cr:bridge:config", `{"endpoint":"x"}`, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := client.Get(ctx, "cr:bridge:config")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != `{"endpoint":"x"}` {
		t.Fatalf("unexpected value %q", got)
	}
	if err := client.Del(ctx, "cr:bridge:config"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := client.Get(ctx, "cr:bridge:config"); err != ErrNil {
		t.Fatalf("expected ErrNil after delete, got %v", err)
	}
}

func TestSetNXOnlyOnce(t *testing.T) {
	ctx := context.Background()
	client := &Client{store: newMockCmdable()}

	ok, err := client.SetNX(ctx, "cr:lock:replay", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to win, ok=%v err=%v", ok, err)
	}
	ok, err = client.SetNX(ctx, "cr:lock:replay", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("second setnx should lose")
	}
}

func TestDeleteIfEqualsChecksOwner(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	mock.data["cr:lock:replay"] = "owner-a"

	if ok, err := client.DeleteIfEquals(ctx, "cr:lock:replay", "owner-b"); err != nil || ok {
		t.Fatalf("foreign owner deleted the key: ok=%v err=%v", ok, err)
	}
	if ok, err := client.DeleteIfEquals(ctx, "cr:lock:replay", "owner-a"); err != nil || !ok {
		t.Fatalf("owner could not delete: ok=%v err=%v", ok, err)
	}
	if _, held := mock.data["cr:lock:replay"]; held {
		t.Fatalf("key still present")
	}
}

func TestExpireIfEqualsChecksOwner(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}
	mock.data["cr:lock:replay"] = "owner-a"

	if ok, err := client.ExpireIfEquals(ctx, "cr:lock:replay", "owner-b", time.Minute); err != nil || ok {
		t.Fatalf("foreign owner renewed the key: ok=%v err=%v", ok, err)
	}
	if ok, err := client.ExpireIfEquals(ctx, "cr:lock:replay", "owner-a", time.Minute); err != nil || !ok {
		t.Fatalf("owner could not renew: ok=%v err=%v", ok, err)
	}
	if len(mock.expirations) != 1 || mock.expirations[0] != "60000" {
		t.Fatalf("expected one 60000ms expiry, got %v", mock.expirations)
	}
}

func TestPublishRecordsChannel(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	receivers, err := client.Publish(ctx, "cr:bridge:sync-request", "payload")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if receivers != 0 {
		t.Fatalf("expected no receivers, got %d", receivers)
	}
	if len(mock.published) != 1 || mock.published[0] != "cr:bridge:sync-request=payload" {
		t.Fatalf("unexpected publish log %v", mock.published)
	}
}

func TestPresenceSortedSet(t *testing.T) {
	ctx := context.Background()
	client := &Client{store: newMockCmdable()}
	key := client.PresenceKey()

	if err := client.ZAddScore(ctx, key, "tab-1", 100); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}
	if err := client.ZAddScore(ctx, key, "tab-2", 200); err != nil {
		t.Fatalf("zadd failed: %v", err)
	}

	count, err := client.ZCountFrom(ctx, key, 150)
	if err != nil {
		t.Fatalf("zcount failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one live member, got %d", count)
	}

	if err := client.ZTrimBelow(ctx, key, 150); err != nil {
		t.Fatalf("trim failed: %v", err)
	}
	members, err := client.ZMembersFrom(ctx, key, 0)
	if err != nil {
		t.Fatalf("zrange failed: %v", err)
	}
	if len(members) != 1 || members[0] != "tab-2" {
		t.Fatalf("unexpected members after trim %v", members)
	}

	if err := client.ZRem(ctx, key, "tab-2"); err != nil {
		t.Fatalf("zrem failed: %v", err)
	}
	count, _ = client.ZCountFrom(ctx, key, 0)
	if count != 0 {
		t.Fatalf("expected empty set, got %d", count)
	}
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, _, err := client.Subscribe(context.Background(), "x"); err == nil {
		t.Fatalf("expected error subscribing without connection")
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.BridgeKey("config"); got != "cr:bridge:config" {
		t.Fatalf("unexpected bridge key %s", got)
	}
	if got := client.BridgeKey("sync-reply", "abc"); got != "cr:bridge:sync-reply:abc" {
		t.Fatalf("unexpected reply key %s", got)
	}
	if got := client.BridgeKey("sync-reply", ""); got != "cr:bridge:sync-reply" {
		t.Fatalf("empty parts should be skipped, got %s", got)
	}
	if got := client.PresenceKey(); got != "cr:presence" {
		t.Fatalf("unexpected presence key %s", got)
	}
	if got := client.LockKey("replay"); got != "cr:lock:replay" {
		t.Fatalf("unexpected lock key %s", got)
	}
	a := client.IdempotencyKey("user-1|POST|/api/v1/reports", "k1")
	b := client.IdempotencyKey("user-2|POST|/api/v1/reports", "k1")
	if !strings.HasPrefix(a, "cr:idem:") || !strings.HasSuffix(a, ":k1") || strings.Contains(a, "user-1") {
		t.Fatalf("unexpected idempotency key %s", a)
	}
	if a == b {
		t.Fatalf("scopes must not share a key: %s", a)
	}
	if a != client.IdempotencyKey("user-1|POST|/api/v1/reports", "k1") {
		t.Fatalf("idempotency key is not stable")
	}
}

func TestOptionsFromConfigRequiresTarget(t *testing.T) {
	if _, err := optionsFromConfig(configWith("", "")); err == nil {
		t.Fatalf("expected error without url or address")
	}
	opts, err := optionsFromConfig(configWith("", "localhost:6379"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.PoolSize != 5 {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts, err = optionsFromConfig(configWith("redis://localhost:6380/2", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.DB != 2 {
		t.Fatalf("url options not honored: %+v", opts)
	}
}

type mockCmdable struct {
	data        map[string]string
	expirations []string
	zsets       map[string]map[string]float64
	published   []string
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:  make(map[string]string),
		zsets: make(map[string]map[string]float64),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	m.published = append(m.published, channel+"="+fmt.Sprint(message))
	return redis.NewIntResult(0, nil)
}

// Eval understands only the owner-checked delete and expire scripts.
func (m *mockCmdable) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if len(keys) != 1 || len(args) == 0 {
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected arguments"))
	}
	v, ok := m.data[keys[0]]
	owned := ok && v == fmt.Sprint(args[0])
	switch {
	case script == compareAndDelete && owned:
		delete(m.data, keys[0])
	case script == compareAndExpire && owned && len(args) == 2:
		m.expirations = append(m.expirations, fmt.Sprint(args[1]))
	case script != compareAndDelete && script != compareAndExpire:
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected script"))
	default:
		return redis.NewCmdResult(int64(0), nil)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (m *mockCmdable) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	for _, z := range members {
		set[fmt.Sprint(z.Member)] = z.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (m *mockCmdable) ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	for _, member := range members {
		delete(m.zsets[key], fmt.Sprint(member))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (m *mockCmdable) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	var removed int64
	for member, score := range m.zsets[key] {
		if inRange(score, min, max) {
			delete(m.zsets[key], member)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (m *mockCmdable) ZCount(ctx context.Context, key, min, max string) *redis.IntCmd {
	var count int64
	for _, score := range m.zsets[key] {
		if inRange(score, min, max) {
			count++
		}
	}
	return redis.NewIntResult(count, nil)
}

func (m *mockCmdable) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	var members []string
	for member, score := range m.zsets[key] {
		if inRange(score, opt.Min, opt.Max) {
			members = append(members, member)
		}
	}
	sort.Strings(members)
	return redis.NewStringSliceResult(members, nil)
}

func inRange(score float64, min, max string) bool {
	return aboveMin(score, min) && belowMax(score, max)
}

func aboveMin(score float64, min string) bool {
	switch {
	case min == "-inf":
		return true
	case strings.HasPrefix(min, "("):
		v, _ := strconv.ParseFloat(min[1:], 64)
		return score > v
	default:
		v, _ := strconv.ParseFloat(min, 64)
		return score >= v
	}
}

func belowMax(score float64, max string) bool {
	switch {
	case max == "+inf":
		return true
	case strings.HasPrefix(max, "("):
		v, _ := strconv.ParseFloat(max[1:], 64)
		return score < v
	default:
		v, _ := strconv.ParseFloat(max, 64)
		return score <= v
	}
}

func configWith(url, addr string) config.RedisConfig {
	return config.RedisConfig{URL: url, Address: addr, PoolSize: 5}
}
