package provider

import (
	"testing"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	f := NewFactory(&Resilience{}, testLogger())
	f.Register("first", func(cfg Config, res *Resilience, log *logger.Logger) (Adapter, error) {
		return &stubAdapter{meta: Metadata{
			Name: "first",
			Models: []ModelInfo{
				{ID: "first-default"},
				{ID: "retired", Deprecated: true},
			},
		}}, nil
	})
	f.Register("second", func(cfg Config, res *Resilience, log *logger.Logger) (Adapter, error) {
		return &stubAdapter{meta: Metadata{
			Name:   "second",
			Models: []ModelInfo{{ID: "second-special"}},
		}}, nil
	})

	firstCfg := validConfig()
	firstCfg.DefaultModel = "first-default"
	secondCfg := validConfig()
	secondCfg.APIKey = "sk-second"
	secondCfg.DefaultModel = "second-special"

	return NewRouter(f, map[string]Config{"first": firstCfg, "second": secondCfg}, "first")
}

func TestRouterDefaultsWithoutOverride(t *testing.T) {
	r := newTestRouter(t)
	adapter, err := r.AdapterFor("")
	if err != nil {
		t.Fatalf("default adapter: %v", err)
	}
	if adapter.Metadata().Name != "first" {
		t.Fatalf("adapter = %q, want the default provider", adapter.Metadata().Name)
	}
}

func TestRouterMatchesOverrideAcrossProviders(t *testing.T) {
	r := newTestRouter(t)
	adapter, err := r.AdapterFor("second-special")
	if err != nil {
		t.Fatalf("override adapter: %v", err)
	}
	if adapter.Metadata().Name != "second" {
		t.Fatalf("adapter = %q, want second", adapter.Metadata().Name)
	}
}

func TestRouterRejectsUnservedModel(t *testing.T) {
	r := newTestRouter(t)
	if _, err := r.AdapterFor("no-such-model"); aierrors.KindOf(err) != aierrors.KindInvalidRequest {
		t.Fatalf("kind = %v, want invalid_request", aierrors.KindOf(err))
	}
}

func TestRouterSkipsDeprecatedModels(t *testing.T) {
	r := newTestRouter(t)
	if _, err := r.AdapterFor("retired"); aierrors.KindOf(err) != aierrors.KindInvalidRequest {
		t.Fatalf("kind = %v, want invalid_request for a deprecated model", aierrors.KindOf(err))
	}
}
