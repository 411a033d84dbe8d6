package circuitbreaker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleetpush/internal/push"
)

// ProtectedProvider decorates a push.Provider with a CircuitBreaker.
// When the platform's circuit is open, sends fail fast with a
// CIRCUIT_OPEN result carrying the recovery timeout as a retry hint.
//
// Only transport-class failures count against the breaker. A dead
// device token or an oversized payload says nothing about the
// platform's health.
type ProtectedProvider struct {
	provider push.Provider
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

// NewProtectedProvider wraps a provider with breaker protection.
func NewProtectedProvider(provider push.Provider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		provider: provider,
		breaker:  breaker,
		logger:   logger,
	}
}

func (p *ProtectedProvider) Platform() string { return p.provider.Platform() }

func (p *ProtectedProvider) Initialize(ctx context.Context) bool {
	return p.provider.Initialize(ctx)
}

func (p *ProtectedProvider) Send(ctx context.Context, token string, payload *push.Payload) push.Result {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("platform", p.provider.Platform()),
			zap.String("token", push.TruncateToken(token)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return push.Result{
			Success:    false,
			Message:    "circuit open, platform failing",
			Platform:   p.provider.Platform(),
			Token:      push.TruncateToken(token),
			ErrorCode:  push.CodeCircuitOpen,
			RetryAfter: p.breaker.RecoveryTimeout(),
			Timestamp:  time.Now().UTC(),
		}
	}

	result := p.provider.Send(ctx, token, payload)
	p.record(result)
	return result
}

func (p *ProtectedProvider) SendBulk(ctx context.Context, targets []push.Target) []push.Result {
	results := p.provider.SendBulk(ctx, targets)
	for _, r := range results {
		p.record(r)
	}
	return results
}

func (p *ProtectedProvider) SendTopic(ctx context.Context, topic string, payload *push.Payload) push.Result {
	result := p.provider.SendTopic(ctx, topic, payload)
	p.record(result)
	return result
}

// record feeds the breaker. Validation failures and dead targets are
// ignored; they are not evidence about the platform.
func (p *ProtectedProvider) record(r push.Result) {
	if r.Success {
		p.breaker.RecordSuccess()
		return
	}
	switch r.ErrorCode {
	case push.CodeAuthFailed, push.CodeThrottled, push.CodeServerError, push.CodeUnknown:
		p.breaker.RecordFailure()
	}
}

func (p *ProtectedProvider) ValidateToken(token string) bool {
	return p.provider.ValidateToken(token)
}

func (p *ProtectedProvider) Info() push.Info {
	return p.provider.Info()
}

func (p *ProtectedProvider) Cleanup() {
	p.provider.Cleanup()
}

// Breaker exposes the underlying breaker for health reporting.
func (p *ProtectedProvider) Breaker() *CircuitBreaker {
	return p.breaker
}
