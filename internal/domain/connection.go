package domain

import (
	"time"

	"github.com/bjo163/zapflow/internal/common"
	"gorm.io/gorm"
)

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusQRRequired   ConnectionStatus = "qr_required"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Connection is one tenant-owned WhatsApp number. Only the session manager
// writes to it.
type Connection struct {
	ID             int64            `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	TenantID       int64            `json:"tenant_id,string" gorm:"uniqueIndex:idx_connection_tenant_name"`
	DisplayName    string           `json:"display_name" gorm:"size:128;uniqueIndex:idx_connection_tenant_name"`
	Status         ConnectionStatus `json:"status" gorm:"size:32;index"`
	PhoneNumber    string           `json:"phone_number"`
	QRCode         string           `json:"qr_code" gorm:"type:text"`
	DeviceJID      string           `json:"device_jid"` // whatsmeow store key, empty until paired
	LastActivityAt time.Time        `json:"last_activity_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (Connection) TableName() string {
	return "wa_connection"
}

func (c *Connection) BeforeCreate(*gorm.DB) error {
	if c.ID == 0 {
		c.ID = common.UUIDint64()
	}
	if c.Status == "" {
		c.Status = StatusDisconnected
	}
	return nil
}
