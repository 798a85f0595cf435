package model

import (
	"strings"
	"time"
)

// EventType identifies a job on the bus. Subjects are the event type, optionally
// suffixed with the client id (e.g. "v1.inbound.message.<client>").
type EventType string

const (
	V1InboundMessage   EventType = "v1.inbound.message"
	V1JobNudgeScan     EventType = "v1.jobs.nudge_scan"
	V1JobMorningSweep  EventType = "v1.jobs.morning_sweep"
	V1JobReminderScan  EventType = "v1.jobs.reminder_scan"
	V1JobReminderReset EventType = "v1.jobs.reminder_reset"
	V1JobCampaign      EventType = "v1.jobs.campaign_dispatch"
)

var knownEventTypes = map[EventType]struct{}{
	V1InboundMessage:   {},
	V1JobNudgeScan:     {},
	V1JobMorningSweep:  {},
	V1JobReminderScan:  {},
	V1JobReminderReset: {},
	V1JobCampaign:      {},
}

// Subject builds the NATS subject for an event, appending clientID when set.
func (e EventType) Subject(clientID string) string {
	if clientID == "" {
		return string(e)
	}
	return string(e) + "." + clientID
}

// MapToBaseEventType maps a subject (possibly suffixed with a client id)
// back to its EventType.
func MapToBaseEventType(input string) (EventType, bool) {
	if _, ok := knownEventTypes[EventType(input)]; ok {
		return EventType(input), true
	}

	lastDotIndex := strings.LastIndex(input, ".")
	if lastDotIndex <= 0 {
		return "", false
	}
	base := EventType(input[:lastDotIndex])
	if _, ok := knownEventTypes[base]; ok {
		return base, true
	}
	return "", false
}

// MessageMetadata is the JetStream delivery metadata attached to each routed job.
type MessageMetadata struct {
	ConsumerSequence uint64
	StreamSequence   uint64
	NumDelivered     uint64
	NumPending       uint64
	Timestamp        time.Time
	Stream           string
	Consumer         string
	Domain           string
	MessageID        string
	MessageSubject   string
	ClientID         string
}
