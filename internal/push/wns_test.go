package push

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const wnsTestChannel = "https://db5.notify.windows.com/?token=AwYAAAB"

func testWNSProvider(t *testing.T) *WNSProvider {
	t.Helper()
	p, err := NewWNSProvider(WNSConfig{
		ClientID:     "ms-app://s-1-15-2-000",
		ClientSecret: "secret",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("provider construction failed: %v", err)
	}
	// Bypass the live client-credentials grant.
	p.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-access"})
	p.initialized = true
	return p
}

func wnsResponse(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestWNSProvider_RequiresCredentials(t *testing.T) {
	if _, err := NewWNSProvider(WNSConfig{}, zap.NewNop()); err == nil {
		t.Error("expected error when credentials missing")
	}
}

func TestWNSProvider_ValidateToken(t *testing.T) {
	p := testWNSProvider(t)

	cases := []struct {
		token string
		want  bool
	}{
		{wnsTestChannel, true},
		{"https://by3p.notify.windows.com/w/?token=x", true},
		{"http://db5.notify.windows.com/?token=x", false},
		{"https://evil.example.com/?token=x", false},
		{"not a url at all\x7f://", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := p.ValidateToken(tc.token); got != tc.want {
			t.Errorf("ValidateToken(%q) = %v, want %v", tc.token, got, tc.want)
		}
	}
}

func TestWNSProvider_SendSetsWNSHeaders(t *testing.T) {
	p := testWNSProvider(t)

	var captured *http.Request
	p.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		captured = r
		return wnsResponse(http.StatusOK, map[string]string{"X-WNS-Msg-ID": "wns-1"}), nil
	})}

	payload := NewPayload("Update", "body", PriorityNormal, 300, WithCollapseKey("update"))
	res := p.Send(context.Background(), wnsTestChannel, payload)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.MessageID != "wns-1" {
		t.Errorf("expected message id wns-1, got %q", res.MessageID)
	}

	if got := captured.Header.Get("X-WNS-Type"); got != "wns/raw" {
		t.Errorf("expected wns/raw, got %q", got)
	}
	if got := captured.Header.Get("X-WNS-TTL"); got != "300" {
		t.Errorf("expected TTL header 300, got %q", got)
	}
	if got := captured.Header.Get("X-WNS-Tag"); got != "update" {
		t.Errorf("expected tag update, got %q", got)
	}
	if got := captured.Header.Get("Authorization"); got != "Bearer test-access" {
		t.Errorf("unexpected authorization %q", got)
	}
}

func TestWNSProvider_StatusMapping(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"channel gone", http.StatusGone, CodeChannelGone},
		{"channel unknown", http.StatusNotFound, CodeChannelGone},
		{"auth rejected", http.StatusUnauthorized, CodeAuthFailed},
		{"throttled", http.StatusNotAcceptable, CodeThrottled},
		{"too large", http.StatusRequestEntityTooLarge, CodePayloadTooLarge},
		{"server error", http.StatusBadGateway, CodeServerError},
		{"other", http.StatusTeapot, CodeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testWNSProvider(t)
			p.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return wnsResponse(tc.status, nil), nil
			})}

			res := p.Send(context.Background(), wnsTestChannel, NewPayload("t", "b", PriorityNormal, 60))
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.ErrorCode != tc.wantCode {
				t.Errorf("expected %s, got %s", tc.wantCode, res.ErrorCode)
			}
		})
	}
}

func TestWNSProvider_OversizedPayloadRejected(t *testing.T) {
	p := testWNSProvider(t)
	called := false
	p.client = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return wnsResponse(http.StatusOK, nil), nil
	})}

	big := NewPayload("t", strings.Repeat("x", 6000), PriorityNormal, 60)
	res := p.Send(context.Background(), wnsTestChannel, big)
	if res.ErrorCode != CodePayloadTooLarge {
		t.Errorf("expected %s, got %s", CodePayloadTooLarge, res.ErrorCode)
	}
	if called {
		t.Error("oversized payload must not reach the wire")
	}
}

func TestWNSProvider_SendTopicUnsupported(t *testing.T) {
	p := testWNSProvider(t)
	res := p.SendTopic(context.Background(), "all-devices", NewPayload("t", "b", PriorityNormal, 60))
	if res.Success || res.ErrorCode != CodeTopicUnsupported {
		t.Errorf("expected %s, got %+v", CodeTopicUnsupported, res)
	}
}
