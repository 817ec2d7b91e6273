package repository

import (
	"context"
	"time"

	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormConnectionRepository is the GORM implementation of ConnectionRepository
type GormConnectionRepository struct {
	db *gorm.DB
}

func NewGormConnectionRepository(db *gorm.DB) *GormConnectionRepository {
	return &GormConnectionRepository{db: db}
}

func (r *GormConnectionRepository) Create(ctx context.Context, c *domain.Connection) error {
	return errs.Storage("connections.create", r.db.WithContext(ctx).Create(c).Error)
}

func (r *GormConnectionRepository) GetByID(ctx context.Context, id int64) (*domain.Connection, error) {
	var c domain.Connection
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, errs.Storage("connections.get", err)
	}
	return &c, nil
}

func (r *GormConnectionRepository) FindByTenantAndName(ctx context.Context, tenantID int64, name string) (*domain.Connection, error) {
	var c domain.Connection
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND display_name = ?", tenantID, name).
		First(&c).Error
	if err != nil {
		return nil, errs.Storage("connections.find", err)
	}
	return &c, nil
}

func (r *GormConnectionRepository) ListByTenant(ctx context.Context, tenantID int64) ([]*domain.Connection, error) {
	var list []*domain.Connection
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&list).Error
	return list, errs.Storage("connections.list", err)
}

func (r *GormConnectionRepository) ListAll(ctx context.Context) ([]*domain.Connection, error) {
	var list []*domain.Connection
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&list).Error
	return list, errs.Storage("connections.list", err)
}

func (r *GormConnectionRepository) ListByStatusBefore(ctx context.Context, status domain.ConnectionStatus, t time.Time) ([]*domain.Connection, error) {
	var list []*domain.Connection
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, t).
		Find(&list).Error
	return list, errs.Storage("connections.list_status", err)
}

func (r *GormConnectionRepository) UpdateFields(ctx context.Context, id int64, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.Connection{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errs.Storage("connections.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Storage("connections.update", gorm.ErrRecordNotFound)
	}
	return nil
}

// GormContactRepository is the GORM implementation of ContactRepository
type GormContactRepository struct {
	db *gorm.DB
}

func NewGormContactRepository(db *gorm.DB) *GormContactRepository {
	return &GormContactRepository{db: db}
}

func (r *GormContactRepository) Create(ctx context.Context, c *domain.Contact) error {
	return errs.Storage("contacts.create", r.db.WithContext(ctx).Create(c).Error)
}

func (r *GormContactRepository) GetByID(ctx context.Context, id int64) (*domain.Contact, error) {
	var c domain.Contact
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, errs.Storage("contacts.get", err)
	}
	return &c, nil
}

func (r *GormContactRepository) FindByPhone(ctx context.Context, tenantID int64, phone string) (*domain.Contact, error) {
	var c domain.Contact
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND phone_number = ?", tenantID, phone).
		First(&c).Error
	if err != nil {
		return nil, errs.Storage("contacts.find", err)
	}
	return &c, nil
}

// GormConversationRepository is the GORM implementation of ConversationRepository
type GormConversationRepository struct {
	db *gorm.DB
}

func NewGormConversationRepository(db *gorm.DB) *GormConversationRepository {
	return &GormConversationRepository{db: db}
}

func (r *GormConversationRepository) Create(ctx context.Context, c *domain.Conversation) error {
	return errs.Storage("conversations.create", r.db.WithContext(ctx).Create(c).Error)
}

func (r *GormConversationRepository) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, errs.Storage("conversations.get", err)
	}
	return &c, nil
}

func (r *GormConversationRepository) FindOpen(ctx context.Context, contactID, connectionID int64) (*domain.Conversation, error) {
	var c domain.Conversation
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND connection_id = ? AND status = ?", contactID, connectionID, domain.ConversationOpen).
		Order("created_at ASC").
		First(&c).Error
	if err != nil {
		return nil, errs.Storage("conversations.find_open", err)
	}
	return &c, nil
}

func (r *GormConversationRepository) Touch(ctx context.Context, id int64, at time.Time, inbound bool) error {
	fields := map[string]interface{}{"last_message_at": at}
	if inbound {
		fields["unread_count"] = gorm.Expr("unread_count + 1")
	}
	err := r.db.WithContext(ctx).Model(&domain.Conversation{}).Where("id = ?", id).Updates(fields).Error
	return errs.Storage("conversations.touch", err)
}

func (r *GormConversationRepository) MarkRead(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Model(&domain.Conversation{}).Where("id = ?", id).Update("unread_count", 0).Error
	return errs.Storage("conversations.mark_read", err)
}

// GormMessageRepository is the GORM implementation of MessageRepository
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, m *domain.Message) error {
	return errs.Storage("messages.create", r.db.WithContext(ctx).Create(m).Error)
}

func (r *GormMessageRepository) FindByExternalID(ctx context.Context, conversationID int64, externalID string) (*domain.Message, error) {
	var m domain.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND external_id = ? AND direction = ?", conversationID, externalID, domain.DirectionInbound).
		First(&m).Error
	if err != nil {
		return nil, errs.Storage("messages.find_external", err)
	}
	return &m, nil
}

func (r *GormMessageRepository) CountInboundByContact(ctx context.Context, contactID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("contact_id = ? AND direction = ?", contactID, domain.DirectionInbound).
		Count(&n).Error
	return n, errs.Storage("messages.count_inbound", err)
}

func (r *GormMessageRepository) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var list []*domain.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at DESC").Order("id DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, errs.Storage("messages.list", err)
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (r *GormMessageRepository) UpdateStatus(ctx context.Context, id int64, status domain.MessageStatus) error {
	err := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND direction = ?", id, domain.DirectionOutbound).
		Update("status", status).Error
	return errs.Storage("messages.update_status", err)
}

// GormFlowRepository is the GORM implementation of FlowRepository
type GormFlowRepository struct {
	db *gorm.DB
}

func NewGormFlowRepository(db *gorm.DB) *GormFlowRepository {
	return &GormFlowRepository{db: db}
}

func (r *GormFlowRepository) CountActive(ctx context.Context, tenantID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.FlowGraph{}).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Count(&n).Error
	return n, errs.Storage("flows.count_active", err)
}

func (r *GormFlowRepository) withGraph(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Edges", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") })
}

func (r *GormFlowRepository) ListActive(ctx context.Context, tenantID int64) ([]*domain.FlowGraph, error) {
	var list []*domain.FlowGraph
	err := r.withGraph(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("priority DESC").Order("created_at ASC").
		Find(&list).Error
	return list, errs.Storage("flows.list_active", err)
}

func (r *GormFlowRepository) Get(ctx context.Context, id int64) (*domain.FlowGraph, error) {
	var g domain.FlowGraph
	if err := r.withGraph(ctx).First(&g, id).Error; err != nil {
		return nil, errs.Storage("flows.get", err)
	}
	return &g, nil
}

// Save replaces the whole node/edge set in one transaction so a reader never
// observes a half-written graph.
func (r *GormFlowRepository) Save(ctx context.Context, g *domain.FlowGraph) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(g).Error; err != nil {
			return err
		}
		if err := tx.Where("flow_id = ?", g.ID).Delete(&domain.FlowNode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("flow_id = ?", g.ID).Delete(&domain.FlowEdge{}).Error; err != nil {
			return err
		}
		for i := range g.Nodes {
			g.Nodes[i].FlowID = g.ID
			g.Nodes[i].Position = i
		}
		for i := range g.Edges {
			g.Edges[i].FlowID = g.ID
			g.Edges[i].Position = i
		}
		if len(g.Nodes) > 0 {
			if err := tx.Create(&g.Nodes).Error; err != nil {
				return err
			}
		}
		if len(g.Edges) > 0 {
			if err := tx.Create(&g.Edges).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return errs.Storage("flows.save", err)
}

// GormTagRepository is the GORM implementation of TagRepository
type GormTagRepository struct {
	db *gorm.DB
}

func NewGormTagRepository(db *gorm.DB) *GormTagRepository {
	return &GormTagRepository{db: db}
}

func (r *GormTagRepository) Ensure(ctx context.Context, tenantID int64, name, color string) (*domain.Tag, error) {
	tag := domain.Tag{TenantID: tenantID, Name: name}
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND name = ?", tenantID, name).
		Attrs(domain.Tag{Color: color}).
		FirstOrCreate(&tag).Error
	if err != nil {
		// lost a create race; the row exists now
		if err2 := r.db.WithContext(ctx).Where("tenant_id = ? AND name = ?", tenantID, name).First(&tag).Error; err2 != nil {
			return nil, errs.Storage("tags.ensure", err)
		}
	}
	return &tag, nil
}

func (r *GormTagRepository) FindByName(ctx context.Context, tenantID int64, name string) (*domain.Tag, error) {
	var tag domain.Tag
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND name = ?", tenantID, name).First(&tag).Error
	if err != nil {
		return nil, errs.Storage("tags.find", err)
	}
	return &tag, nil
}

func (r *GormTagRepository) Attach(ctx context.Context, contactID, tagID int64) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.ContactTag{ContactID: contactID, TagID: tagID}).Error
	return errs.Storage("tags.attach", err)
}

func (r *GormTagRepository) Detach(ctx context.Context, contactID, tagID int64) error {
	err := r.db.WithContext(ctx).
		Where("contact_id = ? AND tag_id = ?", contactID, tagID).
		Delete(&domain.ContactTag{}).Error
	return errs.Storage("tags.detach", err)
}

func (r *GormTagRepository) NamesForContact(ctx context.Context, contactID int64) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Table(domain.Tag{}.TableName()+" AS t").
		Joins("JOIN "+domain.ContactTag{}.TableName()+" AS ct ON ct.tag_id = t.id").
		Where("ct.contact_id = ?", contactID).
		Order("t.name ASC").
		Pluck("t.name", &names).Error
	return names, errs.Storage("tags.names", err)
}
