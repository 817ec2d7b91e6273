// Package inbound records every received message and hands it to the flow
// dispatcher.
package inbound

import (
	"context"
	"strings"
	"time"

	"github.com/bjo163/zapflow/internal/crm"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/flow"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/session"
	"github.com/bjo163/zapflow/internal/transport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const UnsupportedPlaceholder = "[mensagem não suportada]"

type Dispatcher interface {
	Dispatch(ctx context.Context, in flow.Inbound) error
}

type Sender interface {
	Send(ctx context.Context, msg outbound.Message) (*domain.Message, error)
	SendDirect(ctx context.Context, connectionID int64, to, text string) error
}

type Pipeline struct {
	resolver      *crm.Resolver
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	dispatcher    Dispatcher
	sender        Sender
	metrics       *metrics.Metrics
}

var _ session.InboundHandler = (*Pipeline)(nil)

func NewPipeline(
	resolver *crm.Resolver,
	messages repository.MessageRepository,
	conversations repository.ConversationRepository,
	dispatcher Dispatcher,
	sender Sender,
	m *metrics.Metrics,
) *Pipeline {
	return &Pipeline{
		resolver:      resolver,
		messages:      messages,
		conversations: conversations,
		dispatcher:    dispatcher,
		sender:        sender,
		metrics:       m,
	}
}

// HandleInbound never returns an error: whatever fails, the sender gets at
// most one apology and the connection keeps running.
func (p *Pipeline) HandleInbound(ctx context.Context, conn *domain.Connection, msg *transport.InboundMessage) {
	if msg == nil || msg.From == "" {
		return
	}
	msgType, content := Normalize(msg.Payload)
	p.metrics.InboundMessage(string(msgType))

	contact, conv, err := p.resolver.Resolve(ctx, conn.TenantID, conn.ID, msg.From, msg.PushName)
	if err != nil {
		p.storageFailure(ctx, conn, msg, "resolve", err)
		return
	}

	if msg.ExternalID != "" {
		if _, err := p.messages.FindByExternalID(ctx, conv.ID, msg.ExternalID); err == nil {
			zap.L().Info("inbound: duplicate delivery ignored",
				zap.Int64("connection_id", conn.ID), zap.String("external_id", msg.ExternalID))
			return
		} else if !errs.IsNotFound(err) {
			p.storageFailure(ctx, conn, msg, "dedupe", err)
			return
		}
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	row := &domain.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Direction:      domain.DirectionInbound,
		Type:           msgType,
		Content:        content,
		ExternalID:     msg.ExternalID,
		Status:         domain.MessageReceived,
		SentAt:         at,
	}
	if err := p.messages.Create(ctx, row); err != nil {
		p.storageFailure(ctx, conn, msg, "store_message", err)
		return
	}
	if err := p.conversations.Touch(ctx, conv.ID, at, true); err != nil {
		p.storageFailure(ctx, conn, msg, "touch_conversation", err)
		return
	}

	in := flow.Inbound{
		TenantID:       conn.TenantID,
		ConnectionID:   conn.ID,
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		MessageID:      row.ID,
		Phone:          contact.PhoneNumber,
		ContactName:    contact.DisplayName,
		Text:           content,
	}
	if err := p.dispatcher.Dispatch(ctx, in); err != nil {
		// No apology while shutting down or when the reply itself failed to send.
		if errors.Is(err, flow.ErrDispatcherClosed) || errs.IsTransport(err) {
			zap.L().Warn("inbound: dispatch failed, no fallback reply",
				zap.Int64("connection_id", conn.ID),
				zap.Int64("conversation_id", conv.ID),
				zap.Error(err))
			return
		}
		zap.L().Error("inbound: dispatch failed, sending fallback reply",
			zap.Int64("connection_id", conn.ID),
			zap.Int64("conversation_id", conv.ID),
			zap.Error(err))
		if _, err := p.sender.Send(ctx, outbound.Message{
			ConnectionID:   conn.ID,
			ConversationID: conv.ID,
			ContactID:      contact.ID,
			To:             contact.PhoneNumber,
			Text:           flow.ApologyText,
		}); err != nil {
			zap.L().Warn("inbound: fallback reply failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
		}
	}
}

// storageFailure answers directly over the transport; there may be no
// conversation to record the reply in.
func (p *Pipeline) storageFailure(ctx context.Context, conn *domain.Connection, msg *transport.InboundMessage, step string, err error) {
	zap.L().Error("inbound: storage failure, sending fallback reply",
		zap.Int64("connection_id", conn.ID),
		zap.String("step", step),
		zap.String("external_id", msg.ExternalID),
		zap.Error(err))
	if err := p.sender.SendDirect(ctx, conn.ID, msg.From, flow.ApologyText); err != nil {
		zap.L().Warn("inbound: fallback reply failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
	}
}

// Normalize maps a transport payload to the stored message type and text.
func Normalize(p transport.Payload) (domain.MessageType, string) {
	switch p.Kind {
	case transport.PayloadText:
		return domain.MessageText, p.Text
	case transport.PayloadImage:
		return domain.MessageImage, orPlaceholder(p.Caption, "[imagem]")
	case transport.PayloadVideo:
		return domain.MessageVideo, orPlaceholder(p.Caption, "[vídeo]")
	case transport.PayloadAudio:
		return domain.MessageAudio, "[áudio]"
	case transport.PayloadDocument:
		if p.Caption != "" {
			return domain.MessageDocument, p.Caption
		}
		if p.FileName != "" {
			return domain.MessageDocument, "[documento: " + p.FileName + "]"
		}
		return domain.MessageDocument, "[documento]"
	}
	return domain.MessageUnsupported, UnsupportedPlaceholder
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
