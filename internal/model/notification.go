package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Notification types written by the engine.
const (
	NotificationMeetingReminder  = "meeting_reminder"
	NotificationMeetingScheduled = "meeting_scheduled"
	NotificationHandoff          = "handoff"
)

type Notification struct {
	ID            string    `json:"id" gorm:"column:id;primaryKey"`
	ClientID      string    `json:"client_id" gorm:"column:client_id;not null;index"`
	UserID        string    `json:"user_id" gorm:"column:user_id;not null;index"`
	Message       string    `json:"message" gorm:"column:message;type:text"`
	Type          string    `json:"type" gorm:"column:type;not null"`
	RelatedLeadID *string   `json:"related_lead_id,omitempty" gorm:"column:related_lead_id"`
	IsRead        bool      `json:"is_read" gorm:"column:is_read;not null;default:false"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (Notification) TableName(namer schema.Namer) string {
	return namer.TableName("notifications")
}
