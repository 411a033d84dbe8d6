package push

import (
	"context"
	"errors"
	"strings"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
)

func testFCMProvider(t *testing.T) *FCMProvider {
	t.Helper()
	p, err := NewFCMProvider(FCMConfig{ProjectID: "fleet-test"}, zap.NewNop())
	if err != nil {
		t.Fatalf("provider construction failed: %v", err)
	}
	return p
}

func TestFCMProvider_RequiresProjectOrCredentials(t *testing.T) {
	if _, err := NewFCMProvider(FCMConfig{}, zap.NewNop()); err == nil {
		t.Error("expected error with no project id and no credentials file")
	}
}

func TestFCMProvider_ValidateToken(t *testing.T) {
	p := testFCMProvider(t)

	valid := strings.Repeat("a", 152)
	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"typical length", valid, true},
		{"minimum length", strings.Repeat("x", 64), true},
		{"empty", "", false},
		{"too short", "abc", false},
		{"too long", strings.Repeat("x", 5000), false},
		{"embedded space", valid[:50] + " " + valid[50:], false},
		{"embedded newline", valid + "\n" + valid, false},
	}
	for _, tc := range cases {
		if got := p.ValidateToken(tc.token); got != tc.want {
			t.Errorf("%s: ValidateToken = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFCMProvider_InitializeIsIdempotent(t *testing.T) {
	p := testFCMProvider(t)

	builds := 0
	p.newClient = func(ctx context.Context) (*messaging.Client, error) {
		builds++
		return &messaging.Client{}, nil
	}

	if !p.Initialize(context.Background()) {
		t.Fatal("first initialize should succeed")
	}
	if !p.Initialize(context.Background()) {
		t.Fatal("second initialize should succeed")
	}
	if builds != 1 {
		t.Errorf("client should be built once, got %d", builds)
	}
}

func TestFCMProvider_InitializeFailure(t *testing.T) {
	p := testFCMProvider(t)
	p.newClient = func(ctx context.Context) (*messaging.Client, error) {
		return nil, errors.New("credentials not found")
	}

	if p.Initialize(context.Background()) {
		t.Error("initialize should report failure, not panic")
	}
}

func TestFCMProvider_SendWithoutInitialize(t *testing.T) {
	p := testFCMProvider(t)

	res := p.Send(context.Background(), strings.Repeat("a", 152), NewPayload("t", "b", PriorityNormal, 60))
	if res.Success || res.ErrorCode != CodeServerError {
		t.Errorf("expected %s, got %+v", CodeServerError, res)
	}
}

func TestFCMProvider_InvalidTokenShortCircuits(t *testing.T) {
	p := testFCMProvider(t)

	res := p.Send(context.Background(), "nope", NewPayload("t", "b", PriorityNormal, 60))
	if res.ErrorCode != CodeInvalidToken {
		t.Errorf("expected %s, got %s", CodeInvalidToken, res.ErrorCode)
	}
}

func TestFCMProvider_TopicValidation(t *testing.T) {
	p := testFCMProvider(t)

	res := p.SendTopic(context.Background(), "fleet updates", NewPayload("t", "b", PriorityNormal, 60))
	if res.ErrorCode != CodeInvalidTopic {
		t.Errorf("topic with spaces should be %s, got %s", CodeInvalidTopic, res.ErrorCode)
	}

	res = p.SendTopic(context.Background(), "site-1.updates_all~now", NewPayload("t", "b", PriorityNormal, 60))
	// Valid topic shape, but the provider is uninitialized; the failure
	// must be about setup, not the topic.
	if res.ErrorCode != CodeServerError {
		t.Errorf("expected %s for uninitialized provider, got %s", CodeServerError, res.ErrorCode)
	}
}

func TestFCMProvider_BuildMessagePriorityAndCollapse(t *testing.T) {
	p := testFCMProvider(t)

	msg := p.buildMessage(NewPayload("t", "b", PriorityCritical, 120, WithCollapseKey("cfg-push")))
	if msg.Android.Priority != "high" {
		t.Errorf("critical should map to android high, got %q", msg.Android.Priority)
	}
	if msg.Android.CollapseKey != "cfg-push" {
		t.Errorf("collapse key not carried: %q", msg.Android.CollapseKey)
	}

	msg = p.buildMessage(NewPayload("t", "b", PriorityLow, 120))
	if msg.Android.Priority != "normal" {
		t.Errorf("low should map to android normal, got %q", msg.Android.Priority)
	}
}
