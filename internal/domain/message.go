package domain

import (
	"time"

	"github.com/bjo163/zapflow/internal/common"
	"gorm.io/gorm"
)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

type MessageType string

const (
	MessageText        MessageType = "text"
	MessageImage       MessageType = "image"
	MessageAudio       MessageType = "audio"
	MessageVideo       MessageType = "video"
	MessageDocument    MessageType = "document"
	MessageUnsupported MessageType = "unsupported"
)

type MessageStatus string

const (
	MessageReceived  MessageStatus = "received"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message rows are append-only; only Status moves for outbound rows.
type Message struct {
	ID             int64            `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	ConversationID int64            `json:"conversation_id,string" gorm:"index"`
	ContactID      int64            `json:"contact_id,string" gorm:"index:idx_message_contact_direction"`
	Direction      MessageDirection `json:"direction" gorm:"size:16;index:idx_message_contact_direction"`
	Type           MessageType      `json:"type" gorm:"size:16"`
	Content        string           `json:"content" gorm:"type:text"`
	ExternalID     string           `json:"external_id" gorm:"size:128;index"`
	Status         MessageStatus    `json:"status" gorm:"size:16"`
	SentAt         time.Time        `json:"sent_at"`
	CreatedAt      time.Time        `json:"created_at"`
}

func (Message) TableName() string {
	return "wa_message"
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == 0 {
		m.ID = common.UUIDint64()
	}
	return nil
}
