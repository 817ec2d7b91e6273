// Package outbound delivers text replies over a connection's live session
// and records them in the conversation history.
package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/bjo163/zapflow/internal/common"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SessionSource looks up the live session of a connection.
type SessionSource interface {
	Session(connectionID int64) (transport.Session, bool)
}

// Message is one reply inside a conversation.
type Message struct {
	ConnectionID   int64
	ConversationID int64
	ContactID      int64
	To             string
	Text           string
}

type Options struct {
	// Rate is the sustained sends per second per connection; zero disables limiting.
	Rate  float64
	Burst int
}

// Sender serialises sends per connection. There is no retry: a failed send is
// reported to the caller and nothing is recorded.
type Sender struct {
	sessions      SessionSource
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	metrics       *metrics.Metrics
	opts          Options

	locks    *common.KeyedMutex[int64]
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewSender(
	sessions SessionSource,
	messages repository.MessageRepository,
	conversations repository.ConversationRepository,
	m *metrics.Metrics,
	opts Options,
) *Sender {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Sender{
		sessions:      sessions,
		messages:      messages,
		conversations: conversations,
		metrics:       m,
		opts:          opts,
		locks:         common.NewKeyedMutex[int64](),
		limiters:      make(map[int64]*rate.Limiter),
	}
}

// Send delivers msg and stores it as an outbound message with status sent.
func (s *Sender) Send(ctx context.Context, msg Message) (*domain.Message, error) {
	externalID, err := s.deliver(ctx, msg.ConnectionID, msg.To, msg.Text)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	row := &domain.Message{
		ConversationID: msg.ConversationID,
		ContactID:      msg.ContactID,
		Direction:      domain.DirectionOutbound,
		Type:           domain.MessageText,
		Content:        msg.Text,
		ExternalID:     externalID,
		Status:         domain.MessageSent,
		SentAt:         now,
	}
	if err := s.messages.Create(ctx, row); err != nil {
		zap.L().Error("outbound: message sent but not recorded",
			zap.Int64("conversation_id", msg.ConversationID), zap.String("external_id", externalID), zap.Error(err))
		return nil, err
	}
	if err := s.conversations.Touch(ctx, msg.ConversationID, now, false); err != nil {
		zap.L().Warn("outbound: conversation touch failed",
			zap.Int64("conversation_id", msg.ConversationID), zap.Error(err))
	}
	return row, nil
}

// SendDirect delivers text without recording it, for replies that have no
// conversation to belong to.
func (s *Sender) SendDirect(ctx context.Context, connectionID int64, to, text string) error {
	_, err := s.deliver(ctx, connectionID, to, text)
	return err
}

func (s *Sender) deliver(ctx context.Context, connectionID int64, to, text string) (string, error) {
	sess, ok := s.sessions.Session(connectionID)
	if !ok {
		s.metrics.OutboundMessage("not_connected")
		return "", errs.Transport("send", connectionID, errs.ErrNotConnected)
	}
	if l := s.limiter(connectionID); l != nil {
		if err := l.Wait(ctx); err != nil {
			s.metrics.OutboundMessage("throttled")
			return "", errs.Transport("send", connectionID, err)
		}
	}

	unlock := s.locks.Lock(connectionID)
	externalID, err := sess.Send(ctx, to, text)
	unlock()
	if err != nil {
		s.metrics.OutboundMessage("failed")
		zap.L().Warn("outbound: send failed",
			zap.Int64("connection_id", connectionID), zap.String("to", to), zap.Error(err))
		if !errs.IsTransport(err) {
			err = errs.Transport("send", connectionID, err)
		}
		return "", err
	}
	s.metrics.OutboundMessage("sent")
	return externalID, nil
}

func (s *Sender) limiter(connectionID int64) *rate.Limiter {
	if s.opts.Rate <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.opts.Rate), s.opts.Burst)
		s.limiters[connectionID] = l
	}
	return l
}
