package push

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FCM caps notification messages at 4 KiB serialized.
const fcmMaxPayloadBytes = 4096

const fcmDefaultRetryAfter = 60 * time.Second

var fcmTopicPattern = regexp.MustCompile(`^[a-zA-Z0-9-_.~%]+$`)

// FCMConfig configures the Firebase Cloud Messaging provider. With no
// credentials file the SDK falls back to application default
// credentials, so ProjectID alone is enough on GCP.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

// FCMProvider sends notifications through the Firebase Admin SDK.
type FCMProvider struct {
	cfg    FCMConfig
	logger *zap.Logger

	// newClient is swapped out in tests to spy on credential loading.
	newClient func(ctx context.Context) (*messaging.Client, error)

	mu          sync.Mutex
	client      *messaging.Client
	initialized bool
}

func NewFCMProvider(cfg FCMConfig, logger *zap.Logger) (*FCMProvider, error) {
	if cfg.ProjectID == "" && cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("fcm: project id or credentials file required")
	}
	p := &FCMProvider{cfg: cfg, logger: logger}
	p.newClient = p.newMessagingClient
	return p, nil
}

func (p *FCMProvider) Platform() string { return PlatformFCM }

func (p *FCMProvider) newMessagingClient(ctx context.Context) (*messaging.Client, error) {
	var opts []option.ClientOption
	if p.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.cfg.CredentialsFile))
	}
	var fbCfg *firebase.Config
	if p.cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: p.cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("messaging client: %w", err)
	}
	return client, nil
}

// Initialize builds the messaging client. Idempotent after first
// success; the SDK owns token refresh internally.
func (p *FCMProvider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return true
	}

	client, err := p.newClient(ctx)
	if err != nil {
		p.logger.Error("fcm client setup failed", zap.Error(err))
		return false
	}

	p.client = client
	p.initialized = true
	p.logger.Info("fcm provider initialized", zap.String("project_id", p.cfg.ProjectID))
	return true
}

// ValidateToken applies a format check only; registration tokens are
// opaque, so this screens out the obviously malformed.
func (p *FCMProvider) ValidateToken(token string) bool {
	if len(token) < 64 || len(token) > 4096 {
		return false
	}
	return !strings.ContainsAny(token, " \t\r\n")
}

func (p *FCMProvider) buildMessage(payload *Payload) *messaging.Message {
	ttl := time.Duration(payload.TTLSeconds) * time.Second
	android := &messaging.AndroidConfig{
		Priority: "normal",
		TTL:      &ttl,
	}
	if payload.Priority >= PriorityHigh {
		android.Priority = "high"
	}
	if payload.CollapseKey != "" {
		android.CollapseKey = payload.CollapseKey
	}
	return &messaging.Message{
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data:    payload.Data,
		Android: android,
	}
}

func (p *FCMProvider) payloadSize(payload *Payload) int {
	b, err := json.Marshal(struct {
		Title string            `json:"title"`
		Body  string            `json:"body"`
		Data  map[string]string `json:"data,omitempty"`
	}{payload.Title, payload.Body, payload.Data})
	if err != nil {
		return 0
	}
	return len(b)
}

// Send delivers a notification to one registration token.
func (p *FCMProvider) Send(ctx context.Context, token string, payload *Payload) Result {
	if !p.ValidateToken(token) {
		return failureResult(PlatformFCM, token, CodeInvalidToken, "malformed registration token")
	}
	if size := p.payloadSize(payload); size > fcmMaxPayloadBytes {
		return failureResult(PlatformFCM, token, CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", size, fcmMaxPayloadBytes))
	}

	p.mu.Lock()
	client := p.client
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized || client == nil {
		return failureResult(PlatformFCM, token, CodeServerError, "provider not initialized")
	}

	msg := p.buildMessage(payload)
	msg.Token = token

	id, err := client.Send(ctx, msg)
	if err != nil {
		return p.mapError(token, err)
	}
	return successResult(PlatformFCM, token, id, "delivered")
}

func (p *FCMProvider) mapError(token string, err error) Result {
	switch {
	case messaging.IsUnregistered(err):
		return failureResult(PlatformFCM, token, CodeUnregistered, "registration token no longer valid")
	case messaging.IsQuotaExceeded(err):
		return throttledResult(PlatformFCM, token, fcmDefaultRetryAfter, "fcm quota exceeded")
	case messaging.IsUnavailable(err) || messaging.IsInternal(err):
		return failureResult(PlatformFCM, token, CodeServerError, fmt.Sprintf("fcm unavailable: %v", err))
	case messaging.IsThirdPartyAuthError(err) || messaging.IsSenderIDMismatch(err):
		return failureResult(PlatformFCM, token, CodeAuthFailed, fmt.Sprintf("fcm auth rejected: %v", err))
	case messaging.IsInvalidArgument(err):
		return failureResult(PlatformFCM, token, CodeInvalidToken, fmt.Sprintf("fcm rejected message: %v", err))
	default:
		return failureResult(PlatformFCM, token, CodeUnknown, fmt.Sprintf("fcm send: %v", err))
	}
}

// SendBulk fans out over the single-send path. The multicast API
// shares one payload across tokens, which does not fit per-target
// payloads, so the generic fan-out is used instead.
func (p *FCMProvider) SendBulk(ctx context.Context, targets []Target) []Result {
	return fanOutBulk(ctx, p, targets)
}

// SendTopic publishes to an FCM topic, the platform's native
// broadcast channel.
func (p *FCMProvider) SendTopic(ctx context.Context, topic string, payload *Payload) Result {
	if !fcmTopicPattern.MatchString(topic) {
		return failureResult(PlatformFCM, topic, CodeInvalidTopic, "topic must match [a-zA-Z0-9-_.~%]+")
	}
	if size := p.payloadSize(payload); size > fcmMaxPayloadBytes {
		return failureResult(PlatformFCM, topic, CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", size, fcmMaxPayloadBytes))
	}

	p.mu.Lock()
	client := p.client
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized || client == nil {
		return failureResult(PlatformFCM, topic, CodeServerError, "provider not initialized")
	}

	msg := p.buildMessage(payload)
	msg.Topic = topic

	id, err := client.Send(ctx, msg)
	if err != nil {
		return p.mapError(topic, err)
	}
	return successResult(PlatformFCM, topic, id, "delivered to topic")
}

func (p *FCMProvider) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Platform:        PlatformFCM,
		Initialized:     p.initialized,
		Connected:       p.initialized,
		AuthValid:       p.initialized, // SDK refreshes OAuth tokens itself
		MaxPayloadBytes: fcmMaxPayloadBytes,
	}
}

func (p *FCMProvider) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	p.initialized = false
}
