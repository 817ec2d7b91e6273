package domain

import (
	"time"

	"github.com/bjo163/zapflow/internal/common"
	"gorm.io/gorm"
)

type Tag struct {
	ID        int64     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	TenantID  int64     `json:"tenant_id,string" gorm:"uniqueIndex:idx_tag_tenant_name"`
	Name      string    `json:"name" gorm:"size:64;uniqueIndex:idx_tag_tenant_name"`
	Color     string    `json:"color" gorm:"size:16"`
	CreatedAt time.Time `json:"created_at"`
}

func (Tag) TableName() string {
	return "wa_tag"
}

func (t *Tag) BeforeCreate(*gorm.DB) error {
	if t.ID == 0 {
		t.ID = common.UUIDint64()
	}
	return nil
}

type ContactTag struct {
	ContactID int64     `json:"contact_id,string" gorm:"primaryKey;autoIncrement:false"`
	TagID     int64     `json:"tag_id,string" gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time `json:"created_at"`
}

func (ContactTag) TableName() string {
	return "wa_contact_tag"
}
