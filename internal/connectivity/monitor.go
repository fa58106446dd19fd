package connectivity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/remote"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

const (
	defaultInterval    = 30 * time.Second
	defaultTimeout     = 5 * time.Second
	defaultPoorLatency = 1500 * time.Millisecond
	probePath          = "/rest/v1/"
	targetLoadTimeout  = 2 * time.Second
)

// Status is a snapshot of the monitor outputs.
type Status struct {
	Reachable   bool                      `json:"reachable"`
	Probing     bool                      `json:"probing"`
	Quality     enums.ConnectivityQuality `json:"quality"`
	LastProbeAt time.Time                 `json:"last_probe_at,omitempty"`
	LastLatency time.Duration             `json:"last_latency_ns,omitempty"`
}

// Target returns the probe URL and API key to send. An empty URL means the
// remote is not configured yet and counts as offline.
type Target func() (probeURL, apiKey string)

// EndpointTarget probes <endpoint>/rest/v1/ of a remote base URL.
func EndpointTarget(endpoint, apiKey string) Target {
	return func() (string, string) {
		if strings.TrimSpace(endpoint) == "" {
			return "", apiKey
		}
		return strings.TrimRight(endpoint, "/") + probePath, apiKey
	}
}

// ConfigLoader returns the remote config currently in effect.
type ConfigLoader func(ctx context.Context) (*remote.Config, error)

// ConfigTarget probes the endpoint of whatever config load returns, so the
// monitor follows config pushed by a foreground session.
func ConfigTarget(load ConfigLoader) Target {
	return func() (string, string) {
		ctx, cancel := context.WithTimeout(context.Background(), targetLoadTimeout)
		defer cancel()
		cfg, err := load(ctx)
		if err != nil || cfg == nil {
			return "", ""
		}
		return EndpointTarget(cfg.Endpoint, cfg.APIKey)()
	}
}

// MonitorParams wires a Monitor.
type MonitorParams struct {
	Logger      *logger.Logger
	HTTPClient  *http.Client
	Target      Target
	Interval    time.Duration
	Timeout     time.Duration
	PoorLatency time.Duration
}

// Monitor actively probes the remote API and classifies reachability.
type Monitor struct {
	logg        *logger.Logger
	client      *http.Client
	target      Target
	interval    time.Duration
	timeout     time.Duration
	poorLatency time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	status Status
	subs   map[int]chan Status
	nextID int

	kick chan struct{}
}

// NewMonitor validates params and starts in the offline state.
func NewMonitor(params MonitorParams) (*Monitor, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Target == nil {
		return nil, errors.New("probe target is required")
	}
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	poor := params.PoorLatency
	if poor <= 0 {
		poor = defaultPoorLatency
	}
	return &Monitor{
		logg:        params.Logger,
		client:      client,
		target:      params.Target,
		interval:    interval,
		timeout:     timeout,
		poorLatency: poor,
		now:         time.Now,
		status:      Status{Quality: enums.ConnectivityOffline},
		subs:        make(map[int]chan Status),
		kick:        make(chan struct{}, 1),
	}, nil
}

// Run probes immediately, then on every interval tick and platform notification.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.kick:
		}
		m.Probe(ctx)
	}
}

// NotifyPlatform relays a network interface event. Offline is published at
// once; online only triggers a probe, which publishes if it succeeds.
func (m *Monitor) NotifyPlatform(online bool) {
	if !online {
		m.mu.Lock()
		m.status.Reachable = false
		m.status.Quality = enums.ConnectivityOffline
		snapshot := m.status
		m.mu.Unlock()
		m.publish(snapshot)
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Probe runs one reachability check and publishes the result. Failures are
// not errors; they classify as offline.
func (m *Monitor) Probe(ctx context.Context) Status {
	m.setProbing(true)

	started := m.now()
	reachable, latency := m.check(ctx)

	m.mu.Lock()
	m.status.Probing = false
	m.status.LastProbeAt = started
	m.status.LastLatency = latency
	m.status.Reachable = reachable
	switch {
	case !reachable:
		m.status.Quality = enums.ConnectivityOffline
	case latency > m.poorLatency:
		m.status.Quality = enums.ConnectivityPoor
	default:
		m.status.Quality = enums.ConnectivityGood
	}
	snapshot := m.status
	m.mu.Unlock()

	m.publish(snapshot)
	return snapshot
}

func (m *Monitor) check(ctx context.Context) (bool, time.Duration) {
	probeURL, apiKey := m.target()
	if probeURL == "" {
		return false, 0
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		m.logg.Warn(m.logg.WithField(ctx, "probe_url", probeURL), "connectivity probe request invalid")
		return false, 0
	}
	if apiKey != "" {
		req.Header.Set("apikey", apiKey)
	}

	started := m.now()
	resp, err := m.client.Do(req)
	latency := m.now().Sub(started)
	if err != nil {
		m.logg.Debug(m.logg.WithField(ctx, "error", err.Error()), "connectivity probe failed")
		return false, latency
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()

	// Below 500 counts as reachable.
	return resp.StatusCode < http.StatusInternalServerError, latency
}

func (m *Monitor) setProbing(probing bool) {
	m.mu.Lock()
	m.status.Probing = probing
	snapshot := m.status
	m.mu.Unlock()
	m.publish(snapshot)
}

// Status returns the latest snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe delivers snapshots until the returned cancel func runs. Slow
// subscribers only see the newest snapshot.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// OnlineTransitions emits once every time the remote becomes reachable after
// being unreachable.
func (m *Monitor) OnlineTransitions(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	updates, cancel := m.Subscribe()
	wasReachable := m.Status().Reachable

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-updates:
				if s.Probing {
					continue
				}
				if s.Reachable && !wasReachable {
					select {
					case out <- struct{}{}:
					default:
					}
				}
				wasReachable = s.Reachable
			}
		}
	}()
	return out
}

func (m *Monitor) publish(s Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
