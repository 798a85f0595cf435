package model

import (
	"encoding/json"
	"time"
)

// JobPayload triggers a scan or a campaign run. ScheduledFor is the cron tick
// that produced it; it also forms the dedup id on the bus.
type JobPayload struct {
	Job          EventType `json:"job" validate:"required"`
	ScheduledFor time.Time `json:"scheduled_for"`
	ClientID     string    `json:"client_id,omitempty"`
	CampaignID   string    `json:"campaign_id,omitempty"`
}

// DedupID is used as Nats-Msg-Id so replicas publishing the same tick collapse.
func (p JobPayload) DedupID() string {
	id := string(p.Job) + ":" + p.ScheduledFor.UTC().Format(time.RFC3339)
	if p.CampaignID != "" {
		id += ":" + p.CampaignID
	}
	return id
}

// DLQPayload represents the structure of messages sent to the Dead Letter Queue.
type DLQPayload struct {
	SourceSubject   string          `json:"source_subject"`
	ClientID        string          `json:"client_id"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"` // fatal, retryable or unknown
	RetryCount      uint64          `json:"retry_count"`
	MaxRetry        int             `json:"max_retry"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	Timestamp       time.Time       `json:"ts"`
}
