package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const (
	apnsDefaultHost = "https://api.push.apple.com"
	apnsSandboxHost = "https://api.sandbox.push.apple.com"

	// Apple caps regular notification payloads at 4 KiB serialized.
	apnsMaxPayloadBytes = 4096

	// Provider tokens are valid for an hour; refresh once less than
	// five minutes remain so an in-flight send never carries a token
	// that expires mid-request.
	apnsTokenLifetime     = time.Hour
	apnsRefreshThreshold  = 5 * time.Minute
	apnsDefaultReqTimeout = 10 * time.Second
	apnsDefaultRetryAfter = 60 * time.Second
)

// APNSConfig configures the Apple push provider. Exactly one of
// KeyFile and KeyPEM must be set.
type APNSConfig struct {
	KeyFile        string // path to the .p8 signing key
	KeyPEM         []byte // in-memory signing key, used when KeyFile is empty
	KeyID          string
	TeamID         string
	Topic          string // app bundle id, sent as the apns-topic header
	Sandbox        bool
	RequestTimeout time.Duration
}

// APNSProvider sends notifications over Apple's HTTP/2 provider API
// with ES256 JWT auth.
type APNSProvider struct {
	cfg     APNSConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	// loadKey is swapped out in tests to spy on credential loading.
	loadKey func() (*ecdsa.PrivateKey, error)

	mu          sync.Mutex
	initialized bool
	key         *ecdsa.PrivateKey
	bearer      string
	bearerIssue time.Time
}

// NewAPNSProvider builds an uninitialized provider. Credentials are
// not touched until Initialize.
func NewAPNSProvider(cfg APNSConfig, logger *zap.Logger) (*APNSProvider, error) {
	if cfg.KeyFile == "" && len(cfg.KeyPEM) == 0 {
		return nil, fmt.Errorf("apns: signing key not configured")
	}
	if cfg.KeyID == "" || cfg.TeamID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("apns: key id, team id and topic are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = apnsDefaultReqTimeout
	}

	baseURL := apnsDefaultHost
	if cfg.Sandbox {
		baseURL = apnsSandboxHost
	}

	p := &APNSProvider{
		cfg:     cfg,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http2.Transport{
				DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
					d := &tls.Dialer{Config: tlsCfg}
					return d.DialContext(ctx, network, addr)
				},
			},
		},
		logger: logger,
	}
	p.loadKey = p.loadKeyFromConfig
	return p, nil
}

func (p *APNSProvider) Platform() string { return PlatformAPNS }

// Initialize loads the signing key and mints the first bearer token.
// Idempotent: after the first success it returns true without
// reloading credentials.
func (p *APNSProvider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return true
	}

	key, err := p.loadKey()
	if err != nil {
		p.logger.Error("apns signing key unavailable", zap.Error(err))
		return false
	}
	p.key = key

	if err := p.refreshBearerLocked(); err != nil {
		p.logger.Error("apns initial token mint failed", zap.Error(err))
		return false
	}

	p.initialized = true
	p.logger.Info("apns provider initialized",
		zap.String("key_id", p.cfg.KeyID),
		zap.String("topic", p.cfg.Topic),
		zap.Bool("sandbox", p.cfg.Sandbox),
	)
	return true
}

func (p *APNSProvider) loadKeyFromConfig() (*ecdsa.PrivateKey, error) {
	pem := p.cfg.KeyPEM
	if p.cfg.KeyFile != "" {
		b, err := os.ReadFile(p.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		pem = b
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

// refreshBearerLocked mints a fresh provider token. Callers hold p.mu.
func (p *APNSProvider) refreshBearerLocked() error {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.cfg.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = p.cfg.KeyID

	signed, err := tok.SignedString(p.key)
	if err != nil {
		return fmt.Errorf("sign provider token: %w", err)
	}

	p.bearer = signed
	p.bearerIssue = now
	return nil
}

// ensureBearer returns a valid bearer token, refreshing synchronously
// when the remaining lifetime is under the refresh threshold. The
// mutex serializes the check-then-refresh so concurrent workers never
// race into redundant mints.
func (p *APNSProvider) ensureBearer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return "", fmt.Errorf("provider not initialized")
	}
	remaining := apnsTokenLifetime - time.Since(p.bearerIssue)
	if p.bearer == "" || remaining < apnsRefreshThreshold {
		if err := p.refreshBearerLocked(); err != nil {
			return "", err
		}
	}
	return p.bearer, nil
}

// ValidateToken accepts exactly 64 hexadecimal characters, the shape
// of an APNs device token.
func (p *APNSProvider) ValidateToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func (p *APNSProvider) buildBody(payload *Payload) ([]byte, error) {
	aps := map[string]interface{}{
		"alert": map[string]string{
			"title": payload.Title,
			"body":  payload.Body,
		},
	}
	body := map[string]interface{}{"aps": aps}
	for k, v := range payload.Data {
		body[k] = v
	}
	if ext, ok := payload.PlatformData[PlatformAPNS].(map[string]interface{}); ok {
		for k, v := range ext {
			body[k] = v
		}
	}
	return json.Marshal(body)
}

// Send delivers one notification to a device token. Validation and
// the size cap are checked before auth or any network activity.
func (p *APNSProvider) Send(ctx context.Context, token string, payload *Payload) Result {
	if !p.ValidateToken(token) {
		return failureResult(PlatformAPNS, token, CodeInvalidToken, "device token is not 64 hex characters")
	}

	body, err := p.buildBody(payload)
	if err != nil {
		return failureResult(PlatformAPNS, token, CodeUnknown, fmt.Sprintf("encode payload: %v", err))
	}
	if len(body) > apnsMaxPayloadBytes {
		return failureResult(PlatformAPNS, token, CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", len(body), apnsMaxPayloadBytes))
	}

	bearer, err := p.ensureBearer()
	if err != nil {
		return failureResult(PlatformAPNS, token, CodeAuthFailed, fmt.Sprintf("token refresh: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/3/device/%s", p.baseURL, token), bytes.NewReader(body))
	if err != nil {
		return failureResult(PlatformAPNS, token, CodeUnknown, fmt.Sprintf("build request: %v", err))
	}

	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", p.cfg.Topic)
	req.Header.Set("apns-priority", apnsPriority(payload.Priority))
	req.Header.Set("apns-expiration", strconv.FormatInt(payload.ExpiresAt.Unix(), 10))
	if payload.CollapseKey != "" {
		req.Header.Set("apns-collapse-id", payload.CollapseKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return failureResult(PlatformAPNS, token, CodeServerError, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	return p.mapResponse(token, resp)
}

func apnsPriority(prio Priority) string {
	if prio >= PriorityHigh {
		return "10"
	}
	return "5"
}

func (p *APNSProvider) mapResponse(token string, resp *http.Response) Result {
	if resp.StatusCode == http.StatusOK {
		return successResult(PlatformAPNS, token, resp.Header.Get("apns-id"), "delivered")
	}

	var apiErr struct {
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_ = json.Unmarshal(raw, &apiErr)

	switch resp.StatusCode {
	case http.StatusGone:
		// The token is permanently dead; callers should stop
		// targeting this device.
		return failureResult(PlatformAPNS, token, CodeUnregistered, "device token no longer registered")
	case http.StatusForbidden, http.StatusUnauthorized:
		p.invalidateBearer()
		return failureResult(PlatformAPNS, token, CodeAuthFailed, "provider token rejected: "+apiErr.Reason)
	case http.StatusTooManyRequests:
		return throttledResult(PlatformAPNS, token, retryAfterHeader(resp, apnsDefaultRetryAfter), "throttled by APNs")
	case http.StatusBadRequest:
		if apiErr.Reason == "BadDeviceToken" || apiErr.Reason == "DeviceTokenNotForTopic" {
			return failureResult(PlatformAPNS, token, CodeInvalidToken, apiErr.Reason)
		}
		return failureResult(PlatformAPNS, token, CodeUnknown, "rejected: "+apiErr.Reason)
	default:
		if resp.StatusCode >= 500 {
			return failureResult(PlatformAPNS, token, CodeServerError,
				fmt.Sprintf("APNs returned %d: %s", resp.StatusCode, apiErr.Reason))
		}
		return failureResult(PlatformAPNS, token, CodeUnknown,
			fmt.Sprintf("APNs returned %d: %s", resp.StatusCode, apiErr.Reason))
	}
}

func (p *APNSProvider) invalidateBearer() {
	p.mu.Lock()
	p.bearer = ""
	p.mu.Unlock()
}

func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// SendBulk fans out over the single-send path; APNs has no batch API.
func (p *APNSProvider) SendBulk(ctx context.Context, targets []Target) []Result {
	return fanOutBulk(ctx, p, targets)
}

// SendTopic is unsupported: APNs broadcast requires a separate channel
// management API this provider does not speak.
func (p *APNSProvider) SendTopic(ctx context.Context, topic string, payload *Payload) Result {
	return failureResult(PlatformAPNS, topic, CodeTopicUnsupported, "apns provider does not support topic sends")
}

func (p *APNSProvider) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Platform:        PlatformAPNS,
		Initialized:     p.initialized,
		Connected:       p.initialized,
		AuthValid:       p.bearer != "" && time.Since(p.bearerIssue) < apnsTokenLifetime,
		AuthExpiresAt:   p.bearerIssue.Add(apnsTokenLifetime),
		MaxPayloadBytes: apnsMaxPayloadBytes,
	}
}

// Cleanup drops the cached auth state and closes idle connections.
func (p *APNSProvider) Cleanup() {
	p.mu.Lock()
	p.bearer = ""
	p.initialized = false
	p.key = nil
	p.mu.Unlock()
	p.client.CloseIdleConnections()
}
