package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
)

// Constructor builds an adapter from a validated config.
type Constructor func(cfg Config, res *Resilience, log *logger.Logger) (Adapter, error)

// Factory registers adapter constructors and hands out cached instances.
// Instances are keyed by (provider kind, credential hash, organization);
// the model identifier is deliberately not part of the key, so callers
// sharing a credential share one adapter across models.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	cache        map[string]Adapter

	res    *Resilience
	logger *logger.Logger
}

// NewFactory creates an empty factory. Adapters constructed through it share
// the given resilience layer.
func NewFactory(res *Resilience, log *logger.Logger) *Factory {
	return &Factory{
		constructors: make(map[string]Constructor),
		cache:        make(map[string]Adapter),
		res:          res,
		logger:       log.WithComponent("provider_factory"),
	}
}

// Register adds a constructor for a provider kind. Registering the same kind
// twice replaces the previous constructor.
func (f *Factory) Register(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Create validates the config and returns a cached adapter for its identity,
// constructing one if needed. With forceNew, any cached instance is destroyed
// and replaced.
func (f *Factory) Create(kind string, cfg Config, forceNew bool) (Adapter, error) {
	cfg.Provider = kind
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	ctor, ok := f.constructors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, aierrors.New(aierrors.KindValidation, "unknown provider kind: "+kind)
	}

	key := cacheKey(kind, cfg.APIKey, cfg.Organization)

	if !forceNew {
		f.mu.RLock()
		cached, ok := f.cache[key]
		f.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !forceNew {
		if cached, ok := f.cache[key]; ok {
			return cached, nil
		}
	} else if old, ok := f.cache[key]; ok {
		old.Destroy()
		delete(f.cache, key)
	}

	adapter, err := ctor(cfg, f.res, f.logger)
	if err != nil {
		return nil, err
	}
	f.cache[key] = adapter

	f.logger.Info("provider adapter created",
		slog.String("provider", kind),
		slog.String("default_model", cfg.DefaultModel))

	return adapter, nil
}

// ClearCache destroys every cached adapter and empties the cache.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, adapter := range f.cache {
		adapter.Destroy()
		delete(f.cache, key)
	}
}

// Catalog returns the metadata of every cached adapter, for the stats
// surface.
func (f *Factory) Catalog() []Metadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	metas := make([]Metadata, 0, len(f.cache))
	for _, adapter := range f.cache {
		metas = append(metas, adapter.Metadata())
	}
	return metas
}

func cacheKey(kind, apiKey, org string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("%s:%s:%s", kind, hex.EncodeToString(sum[:8]), org)
}
