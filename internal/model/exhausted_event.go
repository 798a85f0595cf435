package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// ExhaustedEvent is a job that kept failing after the DLQ worker's last retry.
type ExhaustedEvent struct {
	ID              uint           `gorm:"primaryKey"`
	CreatedAt       time.Time
	ClientID        string         `gorm:"index"`          // empty for cross-tenant scan jobs
	SourceSubject   string         `gorm:"index;not null"` // subject the job was first published to
	LastError       string
	RetryCount      int
	EventTimestamp  time.Time      `gorm:"index"` // ts of the DLQ payload
	DLQPayload      datatypes.JSON `gorm:"type:jsonb;not null"`
	OriginalPayload datatypes.JSON `gorm:"type:jsonb"`
	Resolved        bool           `gorm:"index;default:false"`
	ResolvedAt      *time.Time     `gorm:"index"`
	Notes           string         `gorm:"type:text"`
}

func (ExhaustedEvent) TableName(namer schema.Namer) string {
	return namer.TableName("exhausted_events")
}
