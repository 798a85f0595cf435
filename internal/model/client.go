package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// Client is a tenant: a business running its own WhatsApp number through the engine.
type Client struct {
	ID                    string    `json:"id" gorm:"column:id;primaryKey"`
	Name                  string    `json:"name" gorm:"column:name"`
	WhatsAppPhoneNumberID string    `json:"whatsapp_phone_number_id" gorm:"column:whatsapp_phone_number_id;uniqueIndex"`
	WhatsAppAccessToken   string    `json:"-" gorm:"column:whatsapp_access_token"`
	SystemPrompt          string    `json:"system_prompt,omitempty" gorm:"column:system_prompt;type:text"`
	OwnerUserID           string    `json:"owner_user_id" gorm:"column:owner_user_id"`
	DefaultConsultantID   *string   `json:"default_consultant_id,omitempty" gorm:"column:default_consultant_id"`
	CreatedAt             time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Client) TableName(namer schema.Namer) string {
	return namer.TableName("clients")
}
