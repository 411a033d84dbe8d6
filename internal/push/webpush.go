package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

const (
	// Push services cap the encrypted record at 4 KiB; 4078 bytes of
	// plaintext is what fits after encryption overhead.
	webpushMaxPayloadBytes = 4078

	webpushDefaultReqTimeout = 10 * time.Second
	webpushDefaultRetryAfter = 60 * time.Second
)

// WebPushConfig configures the VAPID-authenticated Web Push provider.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // mailto: contact for the push service
	RequestTimeout  time.Duration
}

// WebPushProvider delivers notifications to browser push
// subscriptions. The device token for this platform is the
// JSON-encoded subscription (endpoint plus client keys).
type WebPushProvider struct {
	cfg    WebPushConfig
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
}

func NewWebPushProvider(cfg WebPushConfig, logger *zap.Logger) (*WebPushProvider, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("webpush: vapid key pair required")
	}
	if cfg.Subscriber == "" {
		return nil, fmt.Errorf("webpush: subscriber contact required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = webpushDefaultReqTimeout
	}
	return &WebPushProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}, nil
}

func (p *WebPushProvider) Platform() string { return PlatformWebPush }

// Initialize is trivial for this platform: VAPID is stateless, signed
// per request, so there is no token to pre-warm.
func (p *WebPushProvider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		p.initialized = true
		p.logger.Info("webpush provider initialized", zap.String("subscriber", p.cfg.Subscriber))
	}
	return true
}

func parseSubscription(token string) (*webpush.Subscription, bool) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return nil, false
	}
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, false
	}
	if sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		return nil, false
	}
	return &sub, true
}

// ValidateToken checks that the token parses as a subscription with an
// https endpoint and both client keys present.
func (p *WebPushProvider) ValidateToken(token string) bool {
	_, ok := parseSubscription(token)
	return ok
}

func (p *WebPushProvider) buildBody(payload *Payload) ([]byte, error) {
	body := map[string]interface{}{
		"title": payload.Title,
		"body":  payload.Body,
	}
	if len(payload.Data) > 0 {
		body["data"] = payload.Data
	}
	if ext, ok := payload.PlatformData[PlatformWebPush].(map[string]interface{}); ok {
		for k, v := range ext {
			body[k] = v
		}
	}
	return json.Marshal(body)
}

// Send encrypts and posts the payload to the subscription endpoint.
func (p *WebPushProvider) Send(ctx context.Context, token string, payload *Payload) Result {
	sub, ok := parseSubscription(token)
	if !ok {
		return failureResult(PlatformWebPush, token, CodeInvalidToken, "not a push subscription")
	}

	body, err := p.buildBody(payload)
	if err != nil {
		return failureResult(PlatformWebPush, token, CodeUnknown, fmt.Sprintf("encode payload: %v", err))
	}
	if len(body) > webpushMaxPayloadBytes {
		return failureResult(PlatformWebPush, token, CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", len(body), webpushMaxPayloadBytes))
	}

	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized {
		return failureResult(PlatformWebPush, token, CodeServerError, "provider not initialized")
	}

	opts := &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             payload.TTLSeconds,
		Urgency:         webpushUrgency(payload.Priority),
	}
	if payload.CollapseKey != "" {
		opts.Topic = payload.CollapseKey
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, opts)
	if err != nil {
		return failureResult(PlatformWebPush, token, CodeServerError, fmt.Sprintf("push request failed: %v", err))
	}
	defer resp.Body.Close()

	return p.mapResponse(token, resp)
}

func webpushUrgency(prio Priority) webpush.Urgency {
	switch prio {
	case PriorityLow:
		return webpush.UrgencyLow
	case PriorityHigh, PriorityCritical:
		return webpush.UrgencyHigh
	default:
		return webpush.UrgencyNormal
	}
}

func (p *WebPushProvider) mapResponse(token string, resp *http.Response) Result {
	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		return successResult(PlatformWebPush, token, resp.Header.Get("Location"), "delivered")
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return failureResult(PlatformWebPush, token, CodeUnregistered, "subscription expired or revoked")
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return failureResult(PlatformWebPush, token, CodePayloadTooLarge, "push service rejected payload size")
	case resp.StatusCode == http.StatusTooManyRequests:
		return throttledResult(PlatformWebPush, token, retryAfterHeader(resp, webpushDefaultRetryAfter), "throttled by push service")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return failureResult(PlatformWebPush, token, CodeAuthFailed, "vapid credentials rejected")
	case resp.StatusCode >= 500:
		return failureResult(PlatformWebPush, token, CodeServerError, fmt.Sprintf("push service returned %d", resp.StatusCode))
	default:
		return failureResult(PlatformWebPush, token, CodeUnknown, fmt.Sprintf("push service returned %d", resp.StatusCode))
	}
}

// SendBulk fans out over the single-send path.
func (p *WebPushProvider) SendBulk(ctx context.Context, targets []Target) []Result {
	return fanOutBulk(ctx, p, targets)
}

// SendTopic is unsupported: Web Push addresses one subscription at a
// time.
func (p *WebPushProvider) SendTopic(ctx context.Context, topic string, payload *Payload) Result {
	return failureResult(PlatformWebPush, topic, CodeTopicUnsupported, "webpush provider does not support topic sends")
}

func (p *WebPushProvider) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Platform:        PlatformWebPush,
		Initialized:     p.initialized,
		Connected:       p.initialized,
		AuthValid:       p.initialized, // VAPID tokens are signed per request
		MaxPayloadBytes: webpushMaxPayloadBytes,
	}
}

func (p *WebPushProvider) Cleanup() {
	p.mu.Lock()
	p.initialized = false
	p.mu.Unlock()
	p.client.CloseIdleConnections()
}
