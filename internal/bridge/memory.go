package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/remote"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/google/uuid"
)

// MemoryBridge is the single-process Bridge used with CIVIC_BRIDGE_DRIVER=memory
// and in tests.
type MemoryBridge struct {
	mu       sync.Mutex
	config   *remote.Config
	presence map[string]time.Time
	now      func() time.Time

	configUpdates  fanout[remote.Config]
	configRequests fanout[struct{}]
	completions    fanout[replay.Summary]
	syncRequests   fanout[pendingSync]
}

type pendingSync struct {
	req   SyncRequest
	reply chan SyncResponse
}

// NewMemoryBridge returns an empty in-process bridge.
func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{presence: map[string]time.Time{}, now: time.Now}
}

func (b *MemoryBridge) PushConfig(_ context.Context, cfg remote.Config) error {
	b.mu.Lock()
	cp := cfg
	b.config = &cp
	b.mu.Unlock()
	b.configUpdates.publish(cfg)
	return nil
}

func (b *MemoryBridge) LoadConfig(context.Context) (*remote.Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config == nil || !b.config.Configured() {
		return nil, replay.ErrNoConfig
	}
	cp := *b.config
	return &cp, nil
}

func (b *MemoryBridge) RequestConfig(context.Context) error {
	b.configRequests.publish(struct{}{})
	return nil
}

func (b *MemoryBridge) ConfigRequests(ctx context.Context) (<-chan struct{}, error) {
	return b.configRequests.subscribe(ctx), nil
}

func (b *MemoryBridge) ConfigUpdates(ctx context.Context) (<-chan remote.Config, error) {
	return b.configUpdates.subscribe(ctx), nil
}

func (b *MemoryBridge) RequestSync(ctx context.Context, req SyncRequest, timeout time.Duration) (SyncResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout(timeout))
	defer cancel()

	reply := make(chan SyncResponse, 1)
	if b.syncRequests.publish(pendingSync{req: req, reply: reply}) == 0 {
		return SyncResponse{}, ErrNoResponder
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return SyncResponse{}, ErrSyncTimeout
	}
}

func (b *MemoryBridge) ServeSync(ctx context.Context, handler SyncHandler) error {
	if handler == nil {
		return errors.New("sync handler required")
	}
	requests := b.syncRequests.subscribe(ctx)
	for pending := range requests {
		resp := handler(ctx, pending.req)
		resp.ID = pending.req.ID
		select {
		case pending.reply <- resp:
		default:
		}
	}
	return ctx.Err()
}

func (b *MemoryBridge) PublishSyncComplete(_ context.Context, summary replay.Summary) error {
	b.completions.publish(summary)
	return nil
}

func (b *MemoryBridge) SyncCompletions(ctx context.Context) (<-chan replay.Summary, error) {
	return b.completions.subscribe(ctx), nil
}

func (b *MemoryBridge) MarkActive(_ context.Context, contextID string, ttl time.Duration) error {
	if contextID == "" {
		return errors.New("context id is required")
	}
	if ttl <= 0 {
		return errors.New("presence ttl must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence[contextID] = b.now().Add(ttl)
	return nil
}

func (b *MemoryBridge) MarkInactive(_ context.Context, contextID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.presence, contextID)
	return nil
}

func (b *MemoryBridge) AnyActive(ctx context.Context) (bool, error) {
	active, err := b.ActiveContexts(ctx)
	return len(active) > 0, err
}

func (b *MemoryBridge) ActiveContexts(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]string, 0, len(b.presence))
	for id, expiry := range b.presence {
		if !now.Before(expiry) {
			delete(b.presence, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// fanout delivers each published value to every live subscriber without
// blocking; a subscriber with a full buffer misses the value.
type fanout[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

func (f *fanout[T]) subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 4)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = map[int]chan T{}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for _, ch := range f.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}
