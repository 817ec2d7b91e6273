package repository

import (
	"context"
	"time"

	"github.com/bjo163/zapflow/internal/domain"
	"gorm.io/gorm"
)

// ConnectionRepository handles database operations for WhatsApp connections
type ConnectionRepository interface {
	// Create inserts a new connection row
	Create(ctx context.Context, c *domain.Connection) error

	// GetByID retrieves a connection by ID
	GetByID(ctx context.Context, id int64) (*domain.Connection, error)

	// FindByTenantAndName retrieves the connection a tenant registered under name
	FindByTenantAndName(ctx context.Context, tenantID int64, name string) (*domain.Connection, error)

	// ListByTenant lists a tenant's connections
	ListByTenant(ctx context.Context, tenantID int64) ([]*domain.Connection, error)

	// ListAll lists every connection row
	ListAll(ctx context.Context) ([]*domain.Connection, error)

	// ListByStatusBefore lists connections in status last updated before t
	ListByStatusBefore(ctx context.Context, status domain.ConnectionStatus, t time.Time) ([]*domain.Connection, error)

	// UpdateFields applies a partial update
	UpdateFields(ctx context.Context, id int64, fields map[string]interface{}) error
}

// ContactRepository handles database operations for contacts
type ContactRepository interface {
	Create(ctx context.Context, c *domain.Contact) error
	GetByID(ctx context.Context, id int64) (*domain.Contact, error)
	FindByPhone(ctx context.Context, tenantID int64, phone string) (*domain.Contact, error)
}

// ConversationRepository handles database operations for conversations
type ConversationRepository interface {
	Create(ctx context.Context, c *domain.Conversation) error
	GetByID(ctx context.Context, id int64) (*domain.Conversation, error)

	// FindOpen retrieves the open conversation for a (contact, connection) pair
	FindOpen(ctx context.Context, contactID, connectionID int64) (*domain.Conversation, error)

	// Touch moves last_message_at forward and optionally bumps unread_count
	Touch(ctx context.Context, id int64, at time.Time, inbound bool) error

	// MarkRead resets unread_count
	MarkRead(ctx context.Context, id int64) error
}

// MessageRepository handles database operations for messages
type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error

	// FindByExternalID retrieves an inbound message by its transport id within a conversation
	FindByExternalID(ctx context.Context, conversationID int64, externalID string) (*domain.Message, error)

	// CountInboundByContact counts every inbound message ever received from a contact
	CountInboundByContact(ctx context.Context, contactID int64) (int64, error)

	// ListByConversation returns the newest messages of a conversation, oldest first
	ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*domain.Message, error)

	// UpdateStatus moves the delivery status of an outbound message
	UpdateStatus(ctx context.Context, id int64, status domain.MessageStatus) error
}

// FlowRepository handles database operations for flow graphs
type FlowRepository interface {
	// CountActive counts a tenant's active flows without loading them
	CountActive(ctx context.Context, tenantID int64) (int64, error)

	// ListActive loads active flows with nodes and edges, highest priority first
	ListActive(ctx context.Context, tenantID int64) ([]*domain.FlowGraph, error)

	// Get loads one flow with nodes and edges
	Get(ctx context.Context, id int64) (*domain.FlowGraph, error)

	// Save inserts or replaces a flow together with its full node and edge set
	Save(ctx context.Context, g *domain.FlowGraph) error
}

// TagRepository handles tag definitions and contact tag membership
type TagRepository interface {
	// Ensure returns the tenant's tag named name, creating it with color when missing
	Ensure(ctx context.Context, tenantID int64, name, color string) (*domain.Tag, error)
	FindByName(ctx context.Context, tenantID int64, name string) (*domain.Tag, error)
	Attach(ctx context.Context, contactID, tagID int64) error
	Detach(ctx context.Context, contactID, tagID int64) error

	// NamesForContact lists the tag names attached to a contact
	NamesForContact(ctx context.Context, contactID int64) ([]string, error)
}

// Repositories bundles every repository so wiring code passes one value around.
type Repositories struct {
	Connections   ConnectionRepository
	Contacts      ContactRepository
	Conversations ConversationRepository
	Messages      MessageRepository
	Flows         FlowRepository
	Tags          TagRepository
}

// NewGormRepositories builds the GORM implementations over one database handle.
func NewGormRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Connections:   NewGormConnectionRepository(db),
		Contacts:      NewGormContactRepository(db),
		Conversations: NewGormConversationRepository(db),
		Messages:      NewGormMessageRepository(db),
		Flows:         NewGormFlowRepository(db),
		Tags:          NewGormTagRepository(db),
	}
}
