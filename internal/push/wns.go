package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// WNS rejects raw notification bodies above 5000 bytes.
	wnsMaxPayloadBytes = 5000

	wnsTokenURL          = "https://login.live.com/accesstoken.srf"
	wnsScope             = "notify.windows.com"
	wnsChannelHostSuffix = ".notify.windows.com"
	wnsDefaultReqTimeout = 10 * time.Second
	wnsDefaultRetryAfter = 60 * time.Second
)

// WNSConfig configures the Windows Notification Service provider.
type WNSConfig struct {
	ClientID       string // package SID
	ClientSecret   string
	RequestTimeout time.Duration
}

// WNSProvider sends raw notifications to WNS channel URIs, using
// OAuth2 client-credentials for access tokens.
type WNSProvider struct {
	cfg    WNSConfig
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	tokens      oauth2.TokenSource
	initialized bool
}

func NewWNSProvider(cfg WNSConfig, logger *zap.Logger) (*WNSProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("wns: client id and secret are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = wnsDefaultReqTimeout
	}
	return &WNSProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}, nil
}

func (p *WNSProvider) Platform() string { return PlatformWNS }

// Initialize obtains the first access token so credential problems
// surface at setup time rather than on the first send.
func (p *WNSProvider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return true
	}

	cc := &clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     wnsTokenURL,
		Scopes:       []string{wnsScope},
	}
	ts := cc.TokenSource(context.WithoutCancel(ctx))
	if _, err := ts.Token(); err != nil {
		p.logger.Error("wns access token request failed", zap.Error(err))
		return false
	}

	p.tokens = oauth2.ReuseTokenSource(nil, ts)
	p.initialized = true
	p.logger.Info("wns provider initialized", zap.String("client_id", p.cfg.ClientID))
	return true
}

// ValidateToken accepts only https channel URIs on a WNS host.
func (p *WNSProvider) ValidateToken(token string) bool {
	u, err := url.Parse(token)
	if err != nil {
		return false
	}
	if u.Scheme != "https" || u.Host == "" {
		return false
	}
	host := u.Hostname()
	return strings.HasSuffix(host, wnsChannelHostSuffix) || host == wnsScope
}

func (p *WNSProvider) buildBody(payload *Payload) ([]byte, error) {
	body := map[string]interface{}{
		"title": payload.Title,
		"body":  payload.Body,
	}
	if len(payload.Data) > 0 {
		body["data"] = payload.Data
	}
	if ext, ok := payload.PlatformData[PlatformWNS].(map[string]interface{}); ok {
		for k, v := range ext {
			body[k] = v
		}
	}
	return json.Marshal(body)
}

// Send posts a raw notification to the channel URI.
func (p *WNSProvider) Send(ctx context.Context, token string, payload *Payload) Result {
	if !p.ValidateToken(token) {
		return failureResult(PlatformWNS, token, CodeInvalidToken, "not a WNS channel URI")
	}

	body, err := p.buildBody(payload)
	if err != nil {
		return failureResult(PlatformWNS, token, CodeUnknown, fmt.Sprintf("encode payload: %v", err))
	}
	if len(body) > wnsMaxPayloadBytes {
		return failureResult(PlatformWNS, token, CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", len(body), wnsMaxPayloadBytes))
	}

	p.mu.Lock()
	ts := p.tokens
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized || ts == nil {
		return failureResult(PlatformWNS, token, CodeServerError, "provider not initialized")
	}

	access, err := ts.Token()
	if err != nil {
		return failureResult(PlatformWNS, token, CodeAuthFailed, fmt.Sprintf("access token refresh: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, token, bytes.NewReader(body))
	if err != nil {
		return failureResult(PlatformWNS, token, CodeUnknown, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+access.AccessToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-WNS-Type", "wns/raw")
	req.Header.Set("X-WNS-TTL", strconv.Itoa(payload.TTLSeconds))
	if payload.CollapseKey != "" {
		req.Header.Set("X-WNS-Tag", payload.CollapseKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return failureResult(PlatformWNS, token, CodeServerError, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	return p.mapResponse(token, resp)
}

func (p *WNSProvider) mapResponse(token string, resp *http.Response) Result {
	switch {
	case resp.StatusCode == http.StatusOK:
		return successResult(PlatformWNS, token, resp.Header.Get("X-WNS-Msg-ID"), "delivered")
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The channel URI is dead; the device must re-register.
		return failureResult(PlatformWNS, token, CodeChannelGone, "channel expired or unknown")
	case resp.StatusCode == http.StatusUnauthorized:
		p.dropTokenSource()
		return failureResult(PlatformWNS, token, CodeAuthFailed, "access token rejected")
	case resp.StatusCode == http.StatusNotAcceptable:
		return throttledResult(PlatformWNS, token, retryAfterHeader(resp, wnsDefaultRetryAfter), "throttled by WNS")
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return failureResult(PlatformWNS, token, CodePayloadTooLarge, "WNS rejected payload size")
	case resp.StatusCode >= 500:
		return failureResult(PlatformWNS, token, CodeServerError, fmt.Sprintf("WNS returned %d", resp.StatusCode))
	default:
		return failureResult(PlatformWNS, token, CodeUnknown, fmt.Sprintf("WNS returned %d", resp.StatusCode))
	}
}

// dropTokenSource forces a fresh client-credentials grant on the next
// send after WNS rejects a cached access token.
func (p *WNSProvider) dropTokenSource() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cc := &clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     wnsTokenURL,
		Scopes:       []string{wnsScope},
	}
	p.tokens = oauth2.ReuseTokenSource(nil, cc.TokenSource(context.Background()))
}

// SendBulk fans out over the single-send path; WNS has no batch API.
func (p *WNSProvider) SendBulk(ctx context.Context, targets []Target) []Result {
	return fanOutBulk(ctx, p, targets)
}

// SendTopic is unsupported: WNS only addresses individual channels.
func (p *WNSProvider) SendTopic(ctx context.Context, topic string, payload *Payload) Result {
	return failureResult(PlatformWNS, topic, CodeTopicUnsupported, "wns provider does not support topic sends")
}

func (p *WNSProvider) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		Platform:        PlatformWNS,
		Initialized:     p.initialized,
		Connected:       p.initialized,
		MaxPayloadBytes: wnsMaxPayloadBytes,
	}
	if p.tokens != nil {
		if tok, err := p.tokens.Token(); err == nil {
			info.AuthValid = tok.Valid()
			info.AuthExpiresAt = tok.Expiry
		}
	}
	return info
}

func (p *WNSProvider) Cleanup() {
	p.mu.Lock()
	p.tokens = nil
	p.initialized = false
	p.mu.Unlock()
	p.client.CloseIdleConnections()
}
