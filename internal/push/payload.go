// Package push provides the normalized notification model, the
// per-platform provider implementations, and the registry that hands
// out shared provider instances with fallback selection.
package push

import (
	"time"
)

// Priority is advisory delivery priority carried on a payload.
// Providers map it onto whatever the platform supports.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Payload is a platform-neutral push notification. Providers serialize
// it into their own wire shape; Data values are opaque to this package.
type Payload struct {
	Title        string                 `json:"title"`
	Body         string                 `json:"body"`
	Data         map[string]string      `json:"data,omitempty"`
	Priority     Priority               `json:"priority"`
	TTLSeconds   int                    `json:"ttl_seconds"`
	CollapseKey  string                 `json:"collapse_key,omitempty"`
	PlatformData map[string]interface{} `json:"platform_data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

// PayloadOption adjusts optional payload fields at construction time.
type PayloadOption func(*Payload)

// WithExpiry overrides the derived expiry. Without this option the
// expiry is always CreatedAt + TTL.
func WithExpiry(t time.Time) PayloadOption {
	return func(p *Payload) { p.ExpiresAt = t }
}

// WithCollapseKey sets the collapse key used to supersede queued
// notifications for the same logical target.
func WithCollapseKey(key string) PayloadOption {
	return func(p *Payload) { p.CollapseKey = key }
}

// WithData attaches opaque key/value data.
func WithData(data map[string]string) PayloadOption {
	return func(p *Payload) { p.Data = data }
}

// WithPlatformData attaches per-platform extension data, keyed by
// platform name.
func WithPlatformData(data map[string]interface{}) PayloadOption {
	return func(p *Payload) { p.PlatformData = data }
}

// NewPayload builds a payload with expiry derived from the TTL.
func NewPayload(title, body string, priority Priority, ttlSeconds int, opts ...PayloadOption) *Payload {
	now := time.Now().UTC()
	p := &Payload{
		Title:      title,
		Body:       body,
		Priority:   priority,
		TTLSeconds: ttlSeconds,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Expired reports whether the payload's lifetime has elapsed at now.
func (p *Payload) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
