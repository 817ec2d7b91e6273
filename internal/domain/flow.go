package domain

import (
	"time"

	"github.com/bjo163/zapflow/internal/common"
	"gorm.io/gorm"
)

// FlowGraph is the stored form of an automation flow. Node configs stay as
// the raw JSON they were authored with; decoding happens in package flow.
type FlowGraph struct {
	ID        int64      `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	TenantID  int64      `json:"tenant_id,string" gorm:"index:idx_flow_tenant_active"`
	Name      string     `json:"name"`
	IsActive  bool       `json:"is_active" gorm:"index:idx_flow_tenant_active"`
	Priority  int        `json:"priority"`
	Nodes     []FlowNode `json:"nodes" gorm:"foreignKey:FlowID;constraint:OnDelete:CASCADE"`
	Edges     []FlowEdge `json:"edges" gorm:"foreignKey:FlowID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (FlowGraph) TableName() string {
	return "wa_flow"
}

func (f *FlowGraph) BeforeCreate(*gorm.DB) error {
	if f.ID == 0 {
		f.ID = common.UUIDint64()
	}
	return nil
}

type FlowNode struct {
	FlowID   int64  `json:"-" gorm:"primaryKey;autoIncrement:false"`
	ID       string `json:"id" gorm:"primaryKey;size:64"`
	Kind     string `json:"kind" gorm:"size:16"`
	Config   string `json:"config" gorm:"type:text"`
	Position int    `json:"position"`
}

func (FlowNode) TableName() string {
	return "wa_flow_node"
}

type FlowEdge struct {
	FlowID       int64  `json:"-" gorm:"primaryKey;autoIncrement:false"`
	ID           string `json:"id" gorm:"primaryKey;size:64"`
	SourceNodeID string `json:"source_node_id" gorm:"size:64"`
	TargetNodeID string `json:"target_node_id" gorm:"size:64"`
	Position     int    `json:"position"`
}

func (FlowEdge) TableName() string {
	return "wa_flow_edge"
}
