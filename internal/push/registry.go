package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownPlatform is returned when no factory is registered for the
// requested platform name.
var ErrUnknownPlatform = errors.New("unknown platform")

// InitError marks a provider that constructed but failed to
// initialize. It is a setup error, distinct from delivery failures,
// which are always reported as Results.
type InitError struct {
	Platform string
	Reason   string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("provider %s failed to initialize: %s", e.Platform, e.Reason)
}

// Factory constructs an uninitialized provider. Construction validates
// configuration only; no credentials are loaded until Initialize.
type Factory func(logger *zap.Logger) (Provider, error)

// Decorator wraps a freshly initialized provider before it is cached,
// e.g. with circuit-breaker protection.
type Decorator func(Provider) Provider

// Registry owns the name-to-factory map and a cache of one live provider
// instance per platform. Cached instances are shared across all
// workers; providers carry their own locking.
type Registry struct {
	logger   *zap.Logger
	decorate Decorator

	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Provider
	available map[string]bool
}

// RegistryOption adjusts registry construction.
type RegistryOption func(*Registry)

// WithDecorator installs a wrapper applied to every provider instance
// the registry caches.
func WithDecorator(d Decorator) RegistryOption {
	return func(r *Registry) { r.decorate = d }
}

func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
		cache:     make(map[string]Provider),
		available: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a platform factory. Platforms start out presumed
// available until Probe says otherwise.
func (r *Registry) Register(platform string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = factory
	r.available[platform] = true
}

// Probe constructs and discards each registered factory to record
// which platforms are usable. A platform whose configuration is
// missing is marked unavailable; that is not fatal to the registry.
func (r *Registry) Probe() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, factory := range r.factories {
		p, err := factory(r.logger)
		if err != nil {
			r.available[name] = false
			r.logger.Warn("platform unavailable",
				zap.String("platform", name),
				zap.Error(err),
			)
			continue
		}
		p.Cleanup()
		r.available[name] = true
	}
}

// Available lists platforms that passed the last Probe (or have not
// been probed).
func (r *Registry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.available))
	for name, ok := range r.available {
		if ok {
			out = append(out, name)
		}
	}
	return out
}

// Get returns the cached instance for a platform, constructing and
// initializing one if needed. With forceNew the cached instance is
// cleaned up and replaced.
func (r *Registry) Get(ctx context.Context, platform string, forceNew bool) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(ctx, platform, forceNew)
}

func (r *Registry) getLocked(ctx context.Context, platform string, forceNew bool) (Provider, error) {
	if cached, ok := r.cache[platform]; ok && !forceNew {
		return cached, nil
	}

	factory, ok := r.factories[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	if old, ok := r.cache[platform]; ok {
		old.Cleanup()
		delete(r.cache, platform)
	}

	p, err := factory(r.logger)
	if err != nil {
		r.available[platform] = false
		return nil, &InitError{Platform: platform, Reason: err.Error()}
	}
	if !p.Initialize(ctx) {
		return nil, &InitError{Platform: platform, Reason: "initialize returned false"}
	}

	if r.decorate != nil {
		p = r.decorate(p)
	}
	r.cache[platform] = p
	r.available[platform] = true
	return p, nil
}

// GetFallback tries each platform in order, skipping unavailable ones,
// and returns the first provider that initializes. It returns nil when
// every candidate fails; callers must treat nil as "no delivery
// possible", not as a crash.
func (r *Registry) GetFallback(ctx context.Context, platforms []string) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range platforms {
		if avail, known := r.available[name]; known && !avail {
			continue
		}
		p, err := r.getLocked(ctx, name, false)
		if err != nil {
			r.logger.Warn("fallback candidate failed",
				zap.String("platform", name),
				zap.Error(err),
			)
			continue
		}
		return p
	}
	return nil
}

// Info reports the state of every cached provider instance.
func (r *Registry) Info() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.cache))
	for _, p := range r.cache {
		out = append(out, p.Info())
	}
	return out
}

// CleanupAll releases every cached instance and clears the cache.
// Individual cleanup panics are contained so the rest still run.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, p := range r.cache {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("provider cleanup panicked",
						zap.String("platform", name),
						zap.Any("panic", rec),
					)
				}
			}()
			p.Cleanup()
		}()
		delete(r.cache, name)
	}
}
