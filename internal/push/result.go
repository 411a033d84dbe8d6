package push

import "time"

// Error codes returned on failed sends. Providers map their platform's
// responses onto these deterministically; callers branch on them
// without inspecting provider internals.
const (
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeInvalidTopic     = "INVALID_TOPIC"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeUnregistered     = "UNREGISTERED"
	CodeChannelGone      = "CHANNEL_GONE"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeThrottled        = "THROTTLED"
	CodeServerError      = "SERVER_ERROR"
	CodeTopicUnsupported = "TOPIC_UNSUPPORTED"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeNoProvider       = "NO_PROVIDER"
	CodeUnknown          = "UNKNOWN_ERROR"
)

// Retryable reports whether a failed send with the given error code is
// worth retrying against the same target. Terminal codes (invalid or
// unregistered targets, oversized payloads) are not.
func Retryable(code string) bool {
	switch code {
	case CodeAuthFailed, CodeThrottled, CodeServerError, CodeCircuitOpen, CodeUnknown:
		return true
	default:
		return false
	}
}

// Result is the outcome of a single send attempt.
type Result struct {
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	Platform   string        `json:"platform"`
	Token      string        `json:"token"`
	MessageID  string        `json:"message_id,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

func successResult(platform, token, messageID, message string) Result {
	return Result{
		Success:   true,
		Message:   message,
		Platform:  platform,
		Token:     TruncateToken(token),
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	}
}

func failureResult(platform, token, code, message string) Result {
	return Result{
		Success:   false,
		Message:   message,
		Platform:  platform,
		Token:     TruncateToken(token),
		ErrorCode: code,
		Timestamp: time.Now().UTC(),
	}
}

func throttledResult(platform, token string, retryAfter time.Duration, message string) Result {
	r := failureResult(platform, token, CodeThrottled, message)
	r.RetryAfter = retryAfter
	return r
}

// TruncateToken shortens a device token for result echoes and logs.
// Full tokens are credentials-adjacent and do not belong in log lines.
func TruncateToken(token string) string {
	if len(token) <= 16 {
		return token
	}
	return token[:8] + "..." + token[len(token)-4:]
}
