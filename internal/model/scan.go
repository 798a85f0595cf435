package model

import "time"

// ReengagementCandidate is one row of the nudge or morning sweep candidate
// queries. LastOutgoingMessageAt doubles as the optimistic concurrency token.
// ServiceWindow is how long after a lead's last message WhatsApp still
// accepts free-form text. Later sends need an approved template.
const ServiceWindow = 24 * time.Hour

type ReengagementCandidate struct {
	LeadID                  string    `gorm:"column:lead_id"`
	ClientID                string    `gorm:"column:client_id"`
	Name                    string    `gorm:"column:name"`
	Phone                   string    `gorm:"column:phone"`
	MinutesSinceLastMessage int       `gorm:"column:minutes_since_last_message"`
	NudgeStep               int       `gorm:"column:nudge_step"`
	LastOutgoingMessageAt   time.Time `gorm:"column:last_outgoing_message_at"`
}
