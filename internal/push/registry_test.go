package push

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

// stubProvider is a minimal Provider for exercising registry logic.
type stubProvider struct {
	platform string
	initOK   bool
	inits    int
	cleanups int
}

func (s *stubProvider) Platform() string { return s.platform }
func (s *stubProvider) Initialize(ctx context.Context) bool {
	s.inits++
	return s.initOK
}
func (s *stubProvider) Send(ctx context.Context, token string, payload *Payload) Result {
	return successResult(s.platform, token, "stub-1", "ok")
}
func (s *stubProvider) SendBulk(ctx context.Context, targets []Target) []Result {
	return fanOutBulk(ctx, s, targets)
}
func (s *stubProvider) SendTopic(ctx context.Context, topic string, payload *Payload) Result {
	return failureResult(s.platform, topic, CodeTopicUnsupported, "stub")
}
func (s *stubProvider) ValidateToken(token string) bool { return token != "" }
func (s *stubProvider) Info() Info                      { return Info{Platform: s.platform} }
func (s *stubProvider) Cleanup()                        { s.cleanups++ }

func stubFactory(p *stubProvider) Factory {
	return func(logger *zap.Logger) (Provider, error) { return p, nil }
}

func TestRegistry_GetCachesInstance(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	stub := &stubProvider{platform: "stub", initOK: true}
	r.Register("stub", stubFactory(stub))

	a, err := r.Get(context.Background(), "stub", false)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	b, err := r.Get(context.Background(), "stub", false)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if a != b {
		t.Error("second get should return the cached instance")
	}
	if stub.inits != 1 {
		t.Errorf("expected one initialize, got %d", stub.inits)
	}
}

func TestRegistry_GetForceNewReplacesInstance(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	stub := &stubProvider{platform: "stub", initOK: true}
	r.Register("stub", stubFactory(stub))

	if _, err := r.Get(context.Background(), "stub", false); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if _, err := r.Get(context.Background(), "stub", true); err != nil {
		t.Fatalf("forced get failed: %v", err)
	}
	if stub.cleanups != 1 {
		t.Errorf("old instance should be cleaned up, got %d cleanups", stub.cleanups)
	}
	if stub.inits != 2 {
		t.Errorf("expected re-initialize, got %d inits", stub.inits)
	}
}

func TestRegistry_GetUnknownPlatform(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if _, err := r.Get(context.Background(), "nope", false); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestRegistry_InitFailureIsInitError(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("broken", stubFactory(&stubProvider{platform: "broken", initOK: false}))

	_, err := r.Get(context.Background(), "broken", false)
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected InitError, got %v", err)
	}
	if initErr.Platform != "broken" {
		t.Errorf("expected platform broken, got %s", initErr.Platform)
	}
}

func TestRegistry_ProbeMarksUnavailable(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("good", stubFactory(&stubProvider{platform: "good", initOK: true}))
	r.Register("bad", func(logger *zap.Logger) (Provider, error) {
		return nil, errors.New("missing credentials")
	})

	r.Probe()

	available := r.Available()
	if len(available) != 1 || available[0] != "good" {
		t.Errorf("expected only good available, got %v", available)
	}
}

func TestRegistry_GetFallbackFirstSuccess(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("primary", stubFactory(&stubProvider{platform: "primary", initOK: false}))
	fallback := &stubProvider{platform: "simulation", initOK: true}
	r.Register("simulation", stubFactory(fallback))

	p := r.GetFallback(context.Background(), []string{"primary", "simulation"})
	if p == nil {
		t.Fatal("expected fallback provider")
	}
	if p.Platform() != "simulation" {
		t.Errorf("expected simulation, got %s", p.Platform())
	}
}

func TestRegistry_GetFallbackAllFail(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("a", stubFactory(&stubProvider{platform: "a", initOK: false}))

	if p := r.GetFallback(context.Background(), []string{"a", "unknown"}); p != nil {
		t.Errorf("expected nil when every candidate fails, got %v", p.Platform())
	}
}

func TestRegistry_GetFallbackSkipsKnownUnavailable(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	constructed := 0
	r.Register("flaky", func(logger *zap.Logger) (Provider, error) {
		constructed++
		return nil, errors.New("no credentials")
	})
	r.Probe() // marks flaky unavailable, one construction

	r.GetFallback(context.Background(), []string{"flaky"})
	if constructed != 1 {
		t.Errorf("known-unavailable platform should be skipped, constructed %d times", constructed)
	}
}

func TestRegistry_DecoratorWrapsProviders(t *testing.T) {
	decorated := 0
	r := NewRegistry(zap.NewNop(), WithDecorator(func(p Provider) Provider {
		decorated++
		return p
	}))
	r.Register("stub", stubFactory(&stubProvider{platform: "stub", initOK: true}))

	if _, err := r.Get(context.Background(), "stub", false); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if decorated != 1 {
		t.Errorf("decorator should run once per instance, ran %d times", decorated)
	}
}

func TestRegistry_CleanupAllSurvivesPanic(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	panicky := &panickyProvider{stubProvider{platform: "panicky", initOK: true}}
	calm := &stubProvider{platform: "calm", initOK: true}
	r.Register("panicky", func(logger *zap.Logger) (Provider, error) { return panicky, nil })
	r.Register("calm", stubFactory(calm))

	if _, err := r.Get(context.Background(), "panicky", false); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if _, err := r.Get(context.Background(), "calm", false); err != nil {
		t.Fatalf("get failed: %v", err)
	}

	r.CleanupAll()

	if calm.cleanups != 1 {
		t.Error("a panicking cleanup must not stop the others")
	}
	if len(r.Info()) != 0 {
		t.Error("cache should be empty after CleanupAll")
	}
}

type panickyProvider struct{ stubProvider }

func (p *panickyProvider) Cleanup() { panic("cleanup exploded") }
