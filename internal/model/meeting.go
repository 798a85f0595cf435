package model

import (
	"time"

	"gorm.io/gorm/schema"
)

type MeetingStatus string

const (
	MeetingStatusScheduled MeetingStatus = "scheduled"
	MeetingStatusCancelled MeetingStatus = "cancelled"
	MeetingStatusDone      MeetingStatus = "done"
)

// ReminderType tells which of the two meeting reminders is due.
type ReminderType string

const (
	// ReminderToday is sent once on the day of the meeting.
	ReminderToday ReminderType = "reuniao_hoje"
	// ReminderOneHour is sent once within the hour before the meeting.
	ReminderOneHour ReminderType = "lembrete_1h"
)

type Meeting struct {
	ID           string        `json:"id" gorm:"column:id;primaryKey"`
	LeadID       string        `json:"lead_id" gorm:"column:lead_id;not null;index"`
	ClientID     string        `json:"client_id" gorm:"column:client_id;not null;index"`
	ConsultantID *string       `json:"consultant_id,omitempty" gorm:"column:consultant_id"`
	ScheduledAt  time.Time     `json:"scheduled_at" gorm:"column:scheduled_at;not null;index"`
	Status       MeetingStatus `json:"status" gorm:"column:status;not null;default:scheduled"`
	CreatedAt    time.Time     `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time     `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Meeting) TableName(namer schema.Namer) string {
	return namer.TableName("meetings")
}

// MeetingReminder is one row of the reminder aggregation: a scheduled meeting
// joined with its lead, tagged with the reminder that is due.
type MeetingReminder struct {
	MeetingID    string       `gorm:"column:meeting_id"`
	LeadID       string       `gorm:"column:lead_id"`
	ClientID     string       `gorm:"column:client_id"`
	LeadName     string       `gorm:"column:lead_name"`
	LeadPhone    string       `gorm:"column:lead_phone"`
	ConsultantID *string      `gorm:"column:consultant_id"`
	ScheduledAt  time.Time    `gorm:"column:scheduled_at"`
	ReminderType ReminderType `gorm:"column:reminder_type"`
}
