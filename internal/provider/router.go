package provider

import (
	"github.com/emberworks/chatbridge/internal/aierrors"
)

// Router resolves which provider should serve a request. A model override is
// matched against every registered provider's catalog; without an override
// the default provider is used with its default model.
type Router struct {
	factory     *Factory
	configs     map[string]Config
	defaultKind string
}

// NewRouter creates a router over the given per-provider configs.
func NewRouter(factory *Factory, configs map[string]Config, defaultKind string) *Router {
	return &Router{
		factory:     factory,
		configs:     configs,
		defaultKind: defaultKind,
	}
}

// AdapterFor returns the adapter serving the given model, or the default
// provider's adapter when model is empty. An override that no provider
// serves is an invalid_request.
func (r *Router) AdapterFor(model string) (Adapter, error) {
	if model == "" {
		return r.adapter(r.defaultKind)
	}

	for kind := range r.configs {
		adapter, err := r.adapter(kind)
		if err != nil {
			continue
		}
		for _, m := range adapter.Metadata().Models {
			if m.ID == model && !m.Deprecated {
				return adapter, nil
			}
		}
	}

	return nil, aierrors.New(aierrors.KindInvalidRequest, "no provider serves model: "+model)
}

func (r *Router) adapter(kind string) (Adapter, error) {
	cfg, ok := r.configs[kind]
	if !ok {
		return nil, aierrors.New(aierrors.KindValidation, "provider not configured: "+kind)
	}
	return r.factory.Create(kind, cfg, false)
}
