package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Content types of persisted and inbound messages.
const (
	MessageTypeText     = "text"
	MessageTypeAudio    = "audio"
	MessageTypeImage    = "image"
	MessageTypeTemplate = "template"
	MessageTypeReminder = "reminder"
)

// Message is one turn of a lead conversation. Rows are append-only.
type Message struct {
	ID                string         `json:"id" gorm:"column:id;primaryKey"`
	LeadID            string         `json:"lead_id" gorm:"column:lead_id;not null;index:idx_messages_lead_created,priority:1"`
	ClientID          string         `json:"client_id" gorm:"column:client_id;not null;index;uniqueIndex:idx_messages_client_provider,priority:1"`
	Direction         Direction      `json:"direction" gorm:"column:direction;not null"`
	Role              Role           `json:"role" gorm:"column:role;not null"`
	Content           string         `json:"content" gorm:"column:content;type:text"`
	MessageType       string         `json:"message_type,omitempty" gorm:"column:message_type"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty" gorm:"column:provider_message_id;uniqueIndex:idx_messages_client_provider,priority:2"` // wamid, unique per client
	Metadata          datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb;column:metadata"`
	CreatedAt         time.Time      `json:"created_at" gorm:"column:created_at;not null;index:idx_messages_lead_created,priority:2"`
}

func (Message) TableName(namer schema.Namer) string {
	return namer.TableName("messages")
}

// InboundMessage is a single WhatsApp message extracted from a webhook
// delivery, before normalization. It is what the debounce buffer holds.
type InboundMessage struct {
	ClientID          string    `json:"client_id,omitempty"`
	PhoneNumberID     string    `json:"phone_number_id" validate:"required"`
	From              string    `json:"from" validate:"required"`
	ContactName       string    `json:"contact_name,omitempty"`
	ProviderMessageID string    `json:"provider_message_id" validate:"required"`
	Type              string    `json:"type" validate:"required"`
	Text              string    `json:"text,omitempty"`
	MediaID           string    `json:"media_id,omitempty"`
	MimeType          string    `json:"mime_type,omitempty"`
	Caption           string    `json:"caption,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	ReceivedAt        time.Time `json:"received_at"`
}
