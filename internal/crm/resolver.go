// Package crm resolves the contact and open conversation behind an inbound
// message, creating them on first contact.
package crm

import (
	"context"
	"strings"

	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/repository"
	"go.uber.org/zap"
)

type Resolver struct {
	contacts      repository.ContactRepository
	conversations repository.ConversationRepository
}

func NewResolver(contacts repository.ContactRepository, conversations repository.ConversationRepository) *Resolver {
	return &Resolver{contacts: contacts, conversations: conversations}
}

// Contact returns the tenant's contact for phone, creating it with pushName
// (or the phone when the push name is blank). Two pipelines racing on the
// same new phone both end up with the single stored row.
func (r *Resolver) Contact(ctx context.Context, tenantID, connectionID int64, phone, pushName string) (*domain.Contact, error) {
	c, err := r.contacts.FindByPhone(ctx, tenantID, phone)
	if err == nil {
		return c, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	name := strings.TrimSpace(pushName)
	if name == "" {
		name = phone
	}
	c = &domain.Contact{
		TenantID:     tenantID,
		PhoneNumber:  phone,
		DisplayName:  name,
		ConnectionID: connectionID,
	}
	if err := r.contacts.Create(ctx, c); err != nil {
		// lost the race on the unique index; the winner's row is the contact
		existing, rerr := r.contacts.FindByPhone(ctx, tenantID, phone)
		if rerr != nil {
			return nil, err
		}
		return existing, nil
	}
	zap.L().Info("crm: contact created",
		zap.Int64("tenant_id", tenantID), zap.Int64("contact_id", c.ID), zap.String("phone", phone))
	return c, nil
}

// Conversation returns the open conversation of contact on the connection,
// opening one when none exists.
func (r *Resolver) Conversation(ctx context.Context, contact *domain.Contact, connectionID int64) (*domain.Conversation, error) {
	conv, err := r.conversations.FindOpen(ctx, contact.ID, connectionID)
	if err == nil {
		return conv, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	conv = &domain.Conversation{
		TenantID:     contact.TenantID,
		ContactID:    contact.ID,
		ConnectionID: connectionID,
		Status:       domain.ConversationOpen,
	}
	if err := r.conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Resolve is Contact followed by Conversation.
func (r *Resolver) Resolve(ctx context.Context, tenantID, connectionID int64, phone, pushName string) (*domain.Contact, *domain.Conversation, error) {
	contact, err := r.Contact(ctx, tenantID, connectionID, phone, pushName)
	if err != nil {
		return nil, nil, err
	}
	conv, err := r.Conversation(ctx, contact, connectionID)
	if err != nil {
		return contact, nil, err
	}
	return contact, conv, nil
}
