package push

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeMQTTClient struct {
	connectErr   error
	publishErr   error
	disconnected bool
	published    []publishedMsg
}

func (c *fakeMQTTClient) IsConnected() bool      { return !c.disconnected }
func (c *fakeMQTTClient) IsConnectionOpen() bool { return !c.disconnected }
func (c *fakeMQTTClient) Connect() mqtt.Token    { return &fakeToken{err: c.connectErr} }
func (c *fakeMQTTClient) Disconnect(quiesce uint) {
	c.disconnected = true
}
func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, publishedMsg{
		topic:    topic,
		qos:      qos,
		retained: retained,
		payload:  payload.([]byte),
	})
	return &fakeToken{err: c.publishErr}
}
func (c *fakeMQTTClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeMQTTClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeMQTTClient) Unsubscribe(...string) mqtt.Token         { return &fakeToken{} }
func (c *fakeMQTTClient) AddRoute(string, mqtt.MessageHandler)     {}
func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader  { return mqtt.ClientOptionsReader{} }

func testMQTTProvider(t *testing.T, fake *fakeMQTTClient) *MQTTProvider {
	t.Helper()
	p, err := NewMQTTProvider(MQTTConfig{
		BrokerURL: "tcp://broker.local:1883",
		QoS:       1,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("provider construction failed: %v", err)
	}
	p.newClient = func(*mqtt.ClientOptions) mqtt.Client { return fake }
	return p
}

func TestMQTTProvider_RequiresBrokerURL(t *testing.T) {
	if _, err := NewMQTTProvider(MQTTConfig{}, zap.NewNop()); err == nil {
		t.Error("expected error when broker url missing")
	}
	if _, err := NewMQTTProvider(MQTTConfig{BrokerURL: "tcp://b:1883", QoS: 3}, zap.NewNop()); err == nil {
		t.Error("expected error for qos 3")
	}
}

func TestMQTTProvider_InitializeIsIdempotent(t *testing.T) {
	fake := &fakeMQTTClient{}
	p := testMQTTProvider(t, fake)

	constructions := 0
	p.newClient = func(*mqtt.ClientOptions) mqtt.Client {
		constructions++
		return fake
	}

	if !p.Initialize(context.Background()) {
		t.Fatal("first initialize should succeed")
	}
	if !p.Initialize(context.Background()) {
		t.Fatal("second initialize should succeed")
	}
	if constructions != 1 {
		t.Errorf("client should be constructed once, got %d", constructions)
	}
}

func TestMQTTProvider_InitializeConnectFailure(t *testing.T) {
	fake := &fakeMQTTClient{connectErr: errors.New("connection refused")}
	p := testMQTTProvider(t, fake)

	if p.Initialize(context.Background()) {
		t.Error("initialize should fail when connect fails")
	}
}

func TestMQTTProvider_ValidateToken(t *testing.T) {
	p := testMQTTProvider(t, &fakeMQTTClient{})

	cases := []struct {
		topic string
		want  bool
	}{
		{"devices/site-1/dev-42/cmd", true},
		{"a", true},
		{"", false},
		{"devices/+/cmd", false},
		{"devices/#", false},
		{"/devices/dev-42", false},
		{"devices/dev-42/", false},
		{"devices/dev\x0042", false},
		{strings.Repeat("x", 65536), false},
	}
	for _, tc := range cases {
		if got := p.ValidateToken(tc.topic); got != tc.want {
			t.Errorf("ValidateToken(%q) = %v, want %v", tc.topic, got, tc.want)
		}
	}
}

func TestMQTTProvider_SendPublishesToTopic(t *testing.T) {
	fake := &fakeMQTTClient{}
	p := testMQTTProvider(t, fake)
	if !p.Initialize(context.Background()) {
		t.Fatal("initialize failed")
	}

	res := p.Send(context.Background(), "devices/site-1/dev-42/cmd", NewPayload("Restart", "now", PriorityHigh, 60))
	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.ErrorCode, res.Message)
	}

	if len(fake.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(fake.published))
	}
	msg := fake.published[0]
	if msg.topic != "devices/site-1/dev-42/cmd" {
		t.Errorf("published to wrong topic %q", msg.topic)
	}
	if msg.qos != 1 {
		t.Errorf("expected qos 1, got %d", msg.qos)
	}
	if !strings.Contains(string(msg.payload), `"title":"Restart"`) {
		t.Errorf("payload missing title: %s", msg.payload)
	}
}

func TestMQTTProvider_SendInvalidTopic(t *testing.T) {
	fake := &fakeMQTTClient{}
	p := testMQTTProvider(t, fake)
	p.Initialize(context.Background())

	res := p.Send(context.Background(), "bad/#/topic", NewPayload("t", "b", PriorityNormal, 60))
	if res.ErrorCode != CodeInvalidTopic {
		t.Errorf("expected %s, got %s", CodeInvalidTopic, res.ErrorCode)
	}
	if len(fake.published) != 0 {
		t.Error("invalid topic must not reach the broker")
	}
}

func TestMQTTProvider_SendPublishError(t *testing.T) {
	fake := &fakeMQTTClient{publishErr: errors.New("broker rejected")}
	p := testMQTTProvider(t, fake)
	p.Initialize(context.Background())

	res := p.Send(context.Background(), "devices/d1", NewPayload("t", "b", PriorityNormal, 60))
	if res.Success || res.ErrorCode != CodeServerError {
		t.Errorf("expected %s, got %+v", CodeServerError, res)
	}
}

func TestMQTTProvider_SendWithoutInitialize(t *testing.T) {
	p := testMQTTProvider(t, &fakeMQTTClient{})

	res := p.Send(context.Background(), "devices/d1", NewPayload("t", "b", PriorityNormal, 60))
	if res.Success {
		t.Fatal("send before initialize should fail, not panic")
	}
	if res.ErrorCode != CodeServerError {
		t.Errorf("expected %s, got %s", CodeServerError, res.ErrorCode)
	}
}

func TestMQTTProvider_SendTopicIsNative(t *testing.T) {
	fake := &fakeMQTTClient{}
	p := testMQTTProvider(t, fake)
	p.Initialize(context.Background())

	res := p.SendTopic(context.Background(), "sites/site-1/broadcast", NewPayload("t", "b", PriorityNormal, 60))
	if !res.Success {
		t.Fatalf("topic send should succeed: %+v", res)
	}
	if len(fake.published) != 1 || fake.published[0].topic != "sites/site-1/broadcast" {
		t.Errorf("expected publish to broadcast topic, got %+v", fake.published)
	}
}

func TestMQTTProvider_CleanupDisconnects(t *testing.T) {
	fake := &fakeMQTTClient{}
	p := testMQTTProvider(t, fake)
	p.Initialize(context.Background())

	p.Cleanup()
	if !fake.disconnected {
		t.Error("cleanup should disconnect the broker session")
	}

	// Safe to call again.
	p.Cleanup()

	if p.Info().Initialized {
		t.Error("provider should not report initialized after cleanup")
	}
}
