// Package fleet holds the domain model shared by the orchestrator,
// the repository, and the ops surface.
package fleet

import (
	"encoding/json"
	"time"
)

// JobStatus is the job state machine:
//
//	PENDING -> SENT -> {ACKNOWLEDGED | FAILED}
//
// PENDING is initial; ACKNOWLEDGED and FAILED are terminal. A failed
// job is never retried automatically; recovery is an explicit new job.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusSent         JobStatus = "sent"
	StatusAcknowledged JobStatus = "acknowledged"
	StatusFailed       JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailed
}

// Job is a device-management job addressed at a (site, segment) pair.
// The orchestrator owns a job exclusively while it is in flight; the
// repository is the record of truth across restarts, the in-memory
// queue only a working set.
type Job struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	Priority    int             `json:"priority"`
	SiteID      string          `json:"site_id"`
	Segment     string          `json:"segment"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	TTLSeconds  int             `json:"ttl_seconds"`
	CollapseKey string          `json:"collapse_key,omitempty"`

	Status       JobStatus  `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Result       *JobResult `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobResult aggregates per-device outcomes for one job.
type JobResult struct {
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Message    string          `json:"message,omitempty"`
	Devices    []DeviceOutcome `json:"devices,omitempty"`
}

// DeviceOutcome is the delivery outcome for a single targeted device.
type DeviceOutcome struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform,omitempty"`
	Success    bool   `json:"success"`
	ErrorCode  string `json:"error_code,omitempty"`
	Message    string `json:"message,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// DeviceRef identifies a dispatch target. Targets are re-resolved from
// current site/segment membership at dispatch time, so a job's target
// set is not frozen at creation; a device enrolled after enqueue but
// before dispatch will be included.
type DeviceRef struct {
	DeviceID   string `json:"device_id"`
	SiteID     string `json:"site_id"`
	DeviceType string `json:"device_type"`
	Platform   string `json:"platform"`
	PushToken  string `json:"push_token"`
}
