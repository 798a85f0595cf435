package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// AIStatus gates whether the assistant may reply to a lead.
type AIStatus string

const (
	AIStatusActive AIStatus = "active"
	AIStatusPaused AIStatus = "paused"
)

// LeadStatus is the funnel position of a lead.
type LeadStatus string

const (
	LeadStatusNew              LeadStatus = "NEW"
	LeadStatusContacted        LeadStatus = "CONTACTED"
	LeadStatusQualified        LeadStatus = "QUALIFIED"
	LeadStatusMeetingScheduled LeadStatus = "MEETING_SCHEDULED"
	LeadStatusClosedWon        LeadStatus = "CLOSED_WON"
	LeadStatusClosedLost       LeadStatus = "CLOSED_LOST"
	LeadStatusReactivationSent LeadStatus = "REACTIVATION_SENT"
)

// Valid reports whether s is one of the known lead statuses.
func (s LeadStatus) Valid() bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified, LeadStatusMeetingScheduled,
		LeadStatusClosedWon, LeadStatusClosedLost, LeadStatusReactivationSent:
		return true
	}
	return false
}

// Qualifiable reports whether a lead at s may still move forward to QUALIFIED.
func (s LeadStatus) Qualifiable() bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusReactivationSent:
		return true
	}
	return false
}

// Lead is a prospect contacted over WhatsApp on behalf of a client.
type Lead struct {
	ID                    string     `json:"id" gorm:"column:id;primaryKey"`
	ClientID              string     `json:"client_id" gorm:"column:client_id;not null;index:idx_leads_client_phone,priority:1"`
	Name                  string     `json:"name,omitempty" gorm:"column:name"`
	Phone                 string     `json:"phone,omitempty" gorm:"column:phone;index:idx_leads_client_phone,priority:2"`
	AIStatus              AIStatus   `json:"ai_status" gorm:"column:ai_status;not null;default:active;index"`
	Status                LeadStatus `json:"status" gorm:"column:status;not null;default:NEW;index"`
	LastIncomingMessageAt *time.Time `json:"last_incoming_message_at,omitempty" gorm:"column:last_incoming_message_at"`
	LastOutgoingMessageAt *time.Time `json:"last_outgoing_message_at,omitempty" gorm:"column:last_outgoing_message_at;index"`
	NudgeSequenceStep     int        `json:"nudge_sequence_step" gorm:"column:nudge_sequence_step;not null;default:0"`
	DailyReminderSent     bool       `json:"daily_reminder_sent" gorm:"column:daily_reminder_sent;not null;default:false"`
	MeetingReminderSent   bool       `json:"meeting_reminder_sent" gorm:"column:meeting_reminder_sent;not null;default:false"`
	ConsultantID          *string    `json:"consultant_id,omitempty" gorm:"column:consultant_id"`
	CampaignID            *string    `json:"campaign_id,omitempty" gorm:"column:campaign_id;index"`
	CreatedAt             time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Lead) TableName(namer schema.Namer) string {
	return namer.TableName("leads")
}

// IsPaused reports whether the assistant is switched off for this lead.
func (l *Lead) IsPaused() bool {
	return l.AIStatus == AIStatusPaused
}

// HasPhone reports whether the lead can be reached at all.
func (l *Lead) HasPhone() bool {
	return l.Phone != ""
}

// AwaitingReply is true when we spoke last: there is an outbound message and
// no inbound one at or after it.
func (l *Lead) AwaitingReply() bool {
	if l.LastOutgoingMessageAt == nil {
		return false
	}
	return l.LastIncomingMessageAt == nil || l.LastIncomingMessageAt.Before(*l.LastOutgoingMessageAt)
}

// DisplayName falls back to a neutral greeting target when the name is unknown.
func (l *Lead) DisplayName() string {
	if l.Name == "" {
		return "there"
	}
	return l.Name
}
