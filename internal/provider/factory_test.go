package provider

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/emberworks/chatbridge/internal/aierrors"
	"github.com/emberworks/chatbridge/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

type stubAdapter struct {
	meta      Metadata
	destroyed bool
}

func (a *stubAdapter) Metadata() Metadata                        { return a.meta }
func (a *stubAdapter) TestConnection(ctx context.Context) error  { return nil }
func (a *stubAdapter) Destroy()                                  { a.destroyed = true }
func (a *stubAdapter) Send(ctx context.Context, params SendParams) (*Result, error) {
	return &Result{Content: "ok"}, nil
}
func (a *stubAdapter) Stream(ctx context.Context, params SendParams, sink StreamSink) (*Result, error) {
	return &Result{Content: "ok"}, nil
}

func validConfig() Config {
	return Config{
		APIKey:        "sk-test",
		DefaultModel:  "alpha",
		MaxTokens:     1024,
		SendTimeout:   time.Minute,
		StreamTimeout: 10 * time.Minute,
	}
}

func newTestFactory() (*Factory, *int) {
	f := NewFactory(&Resilience{}, testLogger())
	built := 0
	f.Register("stub", func(cfg Config, res *Resilience, log *logger.Logger) (Adapter, error) {
		built++
		return &stubAdapter{meta: testMeta}, nil
	})
	return f, &built
}

func TestFactoryCachesByCredential(t *testing.T) {
	f, built := newTestFactory()

	a1, err := f.Create("stub", validConfig(), false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a2, err := f.Create("stub", validConfig(), false)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if a1 != a2 {
		t.Fatal("same credential must hit the cache")
	}
	if *built != 1 {
		t.Fatalf("constructor calls = %d, want 1", *built)
	}

	other := validConfig()
	other.APIKey = "sk-other"
	a3, err := f.Create("stub", other, false)
	if err != nil {
		t.Fatalf("create with other key: %v", err)
	}
	if a3 == a1 {
		t.Fatal("different credential must construct a new adapter")
	}
	if *built != 2 {
		t.Fatalf("constructor calls = %d, want 2", *built)
	}
}

func TestFactoryForceNewDestroysCached(t *testing.T) {
	f, built := newTestFactory()

	a1, _ := f.Create("stub", validConfig(), false)
	a2, _ := f.Create("stub", validConfig(), true)
	if a1 == a2 {
		t.Fatal("forceNew must replace the cached adapter")
	}
	if !a1.(*stubAdapter).destroyed {
		t.Fatal("forceNew must destroy the replaced adapter")
	}
	if *built != 2 {
		t.Fatalf("constructor calls = %d, want 2", *built)
	}
}

func TestFactoryRejectsUnknownKindAndBadConfig(t *testing.T) {
	f, _ := newTestFactory()

	if _, err := f.Create("nope", validConfig(), false); aierrors.KindOf(err) != aierrors.KindValidation {
		t.Fatalf("unknown kind: %v, want validation", aierrors.KindOf(err))
	}

	bad := validConfig()
	bad.APIKey = ""
	if _, err := f.Create("stub", bad, false); aierrors.KindOf(err) != aierrors.KindValidation {
		t.Fatalf("bad config: %v, want validation", aierrors.KindOf(err))
	}
}

func TestFactoryClearCacheDestroysAll(t *testing.T) {
	f, built := newTestFactory()

	a1, _ := f.Create("stub", validConfig(), false)
	f.ClearCache()
	if !a1.(*stubAdapter).destroyed {
		t.Fatal("ClearCache must destroy cached adapters")
	}

	_, _ = f.Create("stub", validConfig(), false)
	if *built != 2 {
		t.Fatalf("constructor calls = %d, want 2 after cache clear", *built)
	}
}
