package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	// Brokers commonly cap messages well above this, but 256 KiB is
	// the protocol-practical limit we enforce before publishing.
	mqttMaxPayloadBytes = 256 * 1024

	mqttDefaultTimeout = 10 * time.Second
)

// MQTTConfig configures the broker-backed provider. The device token
// for this platform IS the topic string the device subscribes to.
type MQTTConfig struct {
	BrokerURL      string // e.g. tcp://broker:1883 or ssl://broker:8883
	ClientID       string
	Username       string
	Password       string
	QoS            byte // 0, 1 or 2
	Retain         bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTProvider publishes notifications to per-device topics on an
// MQTT broker.
type MQTTProvider struct {
	cfg    MQTTConfig
	logger *zap.Logger

	// newClient is swapped out in tests to avoid a live broker.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu          sync.Mutex
	client      mqtt.Client
	initialized bool
}

func NewMQTTProvider(cfg MQTTConfig, logger *zap.Logger) (*MQTTProvider, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt: broker url not configured")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fleetpush"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = mqttDefaultTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = mqttDefaultTimeout
	}

	return &MQTTProvider{
		cfg:       cfg,
		logger:    logger,
		newClient: mqtt.NewClient,
	}, nil
}

func (p *MQTTProvider) Platform() string { return PlatformMQTT }

// Initialize connects to the broker. Idempotent after first success.
func (p *MQTTProvider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return true
	}

	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetConnectTimeout(p.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	client := p.newClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(p.cfg.ConnectTimeout) {
		p.logger.Error("mqtt connect timed out", zap.String("broker", p.cfg.BrokerURL))
		return false
	}
	if err := tok.Error(); err != nil {
		p.logger.Error("mqtt connect failed", zap.String("broker", p.cfg.BrokerURL), zap.Error(err))
		return false
	}

	p.client = client
	p.initialized = true
	p.logger.Info("mqtt provider initialized",
		zap.String("broker", p.cfg.BrokerURL),
		zap.Uint8("qos", p.cfg.QoS),
		zap.Bool("retain", p.cfg.Retain),
	)
	return true
}

// ValidateToken rejects wildcard characters and leading or trailing
// level separators; a publish topic must address exactly one subtree.
func (p *MQTTProvider) ValidateToken(token string) bool {
	if token == "" || len(token) > 65535 {
		return false
	}
	if strings.ContainsAny(token, "#+\x00") {
		return false
	}
	if strings.HasPrefix(token, "/") || strings.HasSuffix(token, "/") {
		return false
	}
	return true
}

func (p *MQTTProvider) buildBody(payload *Payload) ([]byte, error) {
	body := map[string]interface{}{
		"title":    payload.Title,
		"body":     payload.Body,
		"priority": payload.Priority.String(),
		"expires":  payload.ExpiresAt.Unix(),
	}
	if len(payload.Data) > 0 {
		body["data"] = payload.Data
	}
	if ext, ok := payload.PlatformData[PlatformMQTT].(map[string]interface{}); ok {
		for k, v := range ext {
			body[k] = v
		}
	}
	return json.Marshal(body)
}

// Send publishes to the device's topic with the configured QoS and
// retain flag.
func (p *MQTTProvider) Send(ctx context.Context, token string, payload *Payload) Result {
	if !p.ValidateToken(token) {
		return failureResult(PlatformMQTT, token, CodeInvalidTopic, "topic contains wildcards or bad separators")
	}

	body, err := p.buildBody(payload)
	if err != nil {
		return failureResult(PlatformMQTT, token, CodeUnknown, fmt.Sprintf("encode payload: %v", err))
	}
	if len(body) > mqttMaxPayloadBytes {
		return failureResult(PlatformMQTT, token, CodePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", len(body), mqttMaxPayloadBytes))
	}

	p.mu.Lock()
	client := p.client
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized || client == nil {
		return failureResult(PlatformMQTT, token, CodeServerError, "provider not initialized")
	}
	if !client.IsConnected() {
		return failureResult(PlatformMQTT, token, CodeServerError, "broker connection down")
	}

	tok := client.Publish(token, p.cfg.QoS, p.cfg.Retain, body)
	if !tok.WaitTimeout(p.cfg.PublishTimeout) {
		return failureResult(PlatformMQTT, token, CodeServerError, "publish timed out")
	}
	if err := tok.Error(); err != nil {
		return failureResult(PlatformMQTT, token, CodeServerError, fmt.Sprintf("publish failed: %v", err))
	}

	return successResult(PlatformMQTT, token, "", "published")
}

// SendBulk fans out over single publishes.
func (p *MQTTProvider) SendBulk(ctx context.Context, targets []Target) []Result {
	return fanOutBulk(ctx, p, targets)
}

// SendTopic is the native path for this platform: a topic send is the
// same publish with the topic named explicitly.
func (p *MQTTProvider) SendTopic(ctx context.Context, topic string, payload *Payload) Result {
	return p.Send(ctx, topic, payload)
}

func (p *MQTTProvider) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	connected := p.initialized && p.client != nil && p.client.IsConnected()
	return Info{
		Platform:        PlatformMQTT,
		Initialized:     p.initialized,
		Connected:       connected,
		AuthValid:       connected, // broker auth lives on the session
		MaxPayloadBytes: mqttMaxPayloadBytes,
	}
}

// Cleanup disconnects from the broker. Safe to call repeatedly.
func (p *MQTTProvider) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
	p.initialized = false
}
