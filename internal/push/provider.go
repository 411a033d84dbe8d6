package push

import (
	"context"
	"sync"
	"time"
)

// Platform names known to the registry.
const (
	PlatformAPNS       = "apns"
	PlatformFCM        = "fcm"
	PlatformWNS        = "wns"
	PlatformWebPush    = "webpush"
	PlatformMQTT       = "mqtt"
	PlatformSimulation = "simulation"
)

// Target pairs a device token with the payload destined for it.
type Target struct {
	Token   string
	Payload *Payload
}

// Info describes a provider's current state for health reporting.
// It is observational only; nothing branches on it.
type Info struct {
	Platform        string    `json:"platform"`
	Initialized     bool      `json:"initialized"`
	Connected       bool      `json:"connected"`
	AuthValid       bool      `json:"auth_valid"`
	AuthExpiresAt   time.Time `json:"auth_expires_at,omitempty"`
	MaxPayloadBytes int       `json:"max_payload_bytes"`
}

// Provider is a single push platform. Implementations own their auth
// lifecycle, payload shape, and error mapping, and must be safe for
// concurrent use by multiple workers.
//
// Send and its bulk/topic variants never return Go errors for expected
// failure classes; every outcome is a structured Result. Only
// Initialize reports setup failure, and it does so as a boolean so the
// registry can move on to a fallback platform.
type Provider interface {
	// Platform returns the registry name of this provider.
	Platform() string

	// Initialize performs credential loading and connection setup.
	// It is idempotent: after a successful call, subsequent calls are
	// no-ops returning true.
	Initialize(ctx context.Context) bool

	// Send delivers one notification. Validation failures (malformed
	// token, oversized payload) short-circuit before any network call.
	Send(ctx context.Context, token string, payload *Payload) Result

	// SendBulk delivers to many targets, returning one Result per
	// input in the same order. Individual failures do not abort the
	// batch.
	SendBulk(ctx context.Context, targets []Target) []Result

	// SendTopic publishes to a topic/broadcast channel. Platforms
	// without native topic support return a failed Result with
	// ErrorCode TOPIC_UNSUPPORTED.
	SendTopic(ctx context.Context, topic string, payload *Payload) Result

	// ValidateToken is a pure, total format check for the platform's
	// token shape. It performs no I/O and never panics.
	ValidateToken(token string) bool

	// Info reports current auth/connection state and limits.
	Info() Info

	// Cleanup releases connections and sessions. Safe to call more
	// than once.
	Cleanup()
}

// bulkConcurrency bounds in-flight sends inside one bulk call.
const bulkConcurrency = 8

// fanOutBulk is the shared bulk path for platforms without a native
// batch API: concurrent single sends, order preserved. One target's
// failure never aborts the rest.
func fanOutBulk(ctx context.Context, p Provider, targets []Target) []Result {
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	sem := make(chan struct{}, bulkConcurrency)
	for i, t := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t Target) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.Send(ctx, t.Token, t.Payload)
		}(i, t)
	}
	wg.Wait()
	return results
}
