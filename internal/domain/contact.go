package domain

import (
	"time"

	"github.com/bjo163/zapflow/internal/common"
	"gorm.io/gorm"
)

type Contact struct {
	ID           int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	TenantID     int64     `json:"tenant_id,string" gorm:"uniqueIndex:idx_contact_tenant_phone"`
	PhoneNumber  string    `json:"phone_number" gorm:"size:32;uniqueIndex:idx_contact_tenant_phone"`
	DisplayName  string    `json:"display_name"`
	ConnectionID int64     `json:"connection_id,string" gorm:"index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Contact) TableName() string {
	return "wa_contact"
}

func (c *Contact) BeforeCreate(*gorm.DB) error {
	if c.ID == 0 {
		c.ID = common.UUIDint64()
	}
	return nil
}

type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

type Conversation struct {
	ID            int64              `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	TenantID      int64              `json:"tenant_id,string" gorm:"index"`
	ContactID     int64              `json:"contact_id,string" gorm:"index:idx_conversation_lookup"`
	ConnectionID  int64              `json:"connection_id,string" gorm:"index:idx_conversation_lookup"`
	Status        ConversationStatus `json:"status" gorm:"size:16;index:idx_conversation_lookup"`
	LastMessageAt time.Time          `json:"last_message_at"`
	UnreadCount   int                `json:"unread_count"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "wa_conversation"
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == 0 {
		c.ID = common.UUIDint64()
	}
	if c.Status == "" {
		c.Status = ConversationOpen
	}
	return nil
}
