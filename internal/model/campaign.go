package model

import (
	"time"

	"gorm.io/gorm/schema"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusRunning   CampaignStatus = "RUNNING"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
)

// Campaign sends one approved WhatsApp template to every NEW lead attached to it.
type Campaign struct {
	ID               string         `json:"id" gorm:"column:id;primaryKey"`
	ClientID         string         `json:"client_id" gorm:"column:client_id;not null;index"`
	Name             string         `json:"name" gorm:"column:name"`
	TemplateName     string         `json:"template_name" gorm:"column:template_name;not null"`
	TemplateLanguage string         `json:"template_language" gorm:"column:template_language;not null;default:pt_BR"`
	Status           CampaignStatus `json:"status" gorm:"column:status;not null;default:DRAFT"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" gorm:"column:completed_at"`
	CreatedAt        time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Campaign) TableName(namer schema.Namer) string {
	return namer.TableName("campaigns")
}
