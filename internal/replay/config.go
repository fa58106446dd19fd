package replay

import (
	"context"
	"errors"
	"sync"

	"github.com/angelmondragon/civicreport-sync/internal/remote"
)

// ErrNoConfig is returned by a ConfigSource that has nothing to offer.
var ErrNoConfig = errors.New("remote config not available")

// ConfigSource supplies the endpoint and credentials for a cycle.
type ConfigSource interface {
	LoadConfig(ctx context.Context) (*remote.Config, error)
	RequestConfig(ctx context.Context) error
}

type fallbackConfig struct {
	primary  ConfigSource
	fallback remote.Config
}

// FallbackConfig consults primary first and uses fallback when primary has
// no config. An unconfigured fallback leaves primary's answer untouched.
func FallbackConfig(primary ConfigSource, fallback remote.Config) ConfigSource {
	return &fallbackConfig{primary: primary, fallback: fallback}
}

func (f *fallbackConfig) LoadConfig(ctx context.Context) (*remote.Config, error) {
	if f.primary != nil {
		cfg, err := f.primary.LoadConfig(ctx)
		switch {
		case err == nil && cfg != nil && cfg.Configured():
			return cfg, nil
		case err != nil && !errors.Is(err, ErrNoConfig):
			return nil, err
		}
	}
	if !f.fallback.Configured() {
		return nil, ErrNoConfig
	}
	cfg := f.fallback
	return &cfg, nil
}

func (f *fallbackConfig) RequestConfig(ctx context.Context) error {
	if f.primary == nil {
		return nil
	}
	return f.primary.RequestConfig(ctx)
}

// StaticConfig is a ConfigSource holding one mutable value.
type StaticConfig struct {
	mu  sync.RWMutex
	cfg *remote.Config
}

// NewStaticConfig returns a StaticConfig seeded with cfg, which may be nil.
func NewStaticConfig(cfg *remote.Config) *StaticConfig {
	s := &StaticConfig{}
	s.Set(cfg)
	return s
}

// Set replaces the held config.
func (s *StaticConfig) Set(cfg *remote.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == nil {
		s.cfg = nil
		return
	}
	cp := *cfg
	s.cfg = &cp
}

func (s *StaticConfig) LoadConfig(context.Context) (*remote.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, ErrNoConfig
	}
	cp := *s.cfg
	return &cp, nil
}

func (s *StaticConfig) RequestConfig(context.Context) error { return nil }
