package push

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SimConfig configures the simulation provider, the universal fallback
// that lets the system run end to end without real credentials.
type SimConfig struct {
	// SuccessRate in [0,1]. The outcome for a given token is
	// deterministic: the token hashes to a bucket compared against
	// the rate, so repeated sends to one device behave consistently.
	SuccessRate float64

	// FailureCode is the error code reported on simulated failures.
	// Defaults to SERVER_ERROR.
	FailureCode string

	// Latency is an artificial per-send delay.
	Latency time.Duration
}

// SimProvider accepts any non-empty token and succeeds or fails per a
// deterministic configurable rate.
type SimProvider struct {
	cfg    SimConfig
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool

	sent atomic.Int64
}

func NewSimProvider(cfg SimConfig, logger *zap.Logger) *SimProvider {
	if cfg.SuccessRate <= 0 || cfg.SuccessRate > 1 {
		cfg.SuccessRate = 1.0
	}
	if cfg.FailureCode == "" {
		cfg.FailureCode = CodeServerError
	}
	return &SimProvider{cfg: cfg, logger: logger}
}

func (p *SimProvider) Platform() string { return PlatformSimulation }

func (p *SimProvider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		p.initialized = true
		p.logger.Info("simulation provider initialized",
			zap.Float64("success_rate", p.cfg.SuccessRate),
		)
	}
	return true
}

// ValidateToken accepts any non-empty token.
func (p *SimProvider) ValidateToken(token string) bool {
	return token != ""
}

func (p *SimProvider) Send(ctx context.Context, token string, payload *Payload) Result {
	if !p.ValidateToken(token) {
		return failureResult(PlatformSimulation, token, CodeInvalidToken, "empty token")
	}

	if p.cfg.Latency > 0 {
		select {
		case <-time.After(p.cfg.Latency):
		case <-ctx.Done():
			return failureResult(PlatformSimulation, token, CodeServerError, "cancelled")
		}
	}

	n := p.sent.Add(1)
	if tokenBucket(token) >= p.cfg.SuccessRate {
		return failureResult(PlatformSimulation, token, p.cfg.FailureCode, "simulated failure")
	}
	return successResult(PlatformSimulation, token, fmt.Sprintf("sim-%d", n), "simulated delivery")
}

// tokenBucket maps a token onto [0,1) with a stable hash.
func tokenBucket(token string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return float64(h.Sum32()%10000) / 10000.0
}

func (p *SimProvider) SendBulk(ctx context.Context, targets []Target) []Result {
	return fanOutBulk(ctx, p, targets)
}

// SendTopic simulates a broadcast; any non-empty topic is accepted.
func (p *SimProvider) SendTopic(ctx context.Context, topic string, payload *Payload) Result {
	if topic == "" {
		return failureResult(PlatformSimulation, topic, CodeInvalidTopic, "empty topic")
	}
	n := p.sent.Add(1)
	return successResult(PlatformSimulation, topic, fmt.Sprintf("sim-topic-%d", n), "simulated broadcast")
}

func (p *SimProvider) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Platform:        PlatformSimulation,
		Initialized:     p.initialized,
		Connected:       p.initialized,
		AuthValid:       true,
		MaxPayloadBytes: 1 << 20,
	}
}

func (p *SimProvider) Cleanup() {
	p.mu.Lock()
	p.initialized = false
	p.mu.Unlock()
}
