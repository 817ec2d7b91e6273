package whatsapp

import (
	"context"
	"sync"

	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/transport"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// session adapts one whatsmeow client to transport.Session. whatsmeow calls
// handleEvent sequentially, so the events channel preserves arrival order.
type session struct {
	connectionID int64
	client       *whatsmeow.Client
	events       chan transport.Event

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newSession(connectionID int64, client *whatsmeow.Client, buffer int) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		connectionID: connectionID,
		client:       client,
		events:       make(chan transport.Event, buffer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

// emit blocks when the buffer is full rather than dropping messages; it gives
// up once the session is closed.
func (s *session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) closed() bool {
	return s.ctx.Err() != nil
}

func (s *session) Send(ctx context.Context, to string, text string) (string, error) {
	if s.closed() {
		return "", errs.Transport("send", s.connectionID, errs.ErrNotConnected)
	}
	jid := waTypes.NewJID(to, waTypes.DefaultUserServer)
	msg := &waE2E.Message{Conversation: proto.String(text)}
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		zap.L().Warn("whatsapp: send message failed",
			zap.Int64("connection_id", s.connectionID), zap.String("to", to), zap.Error(err))
		return "", errs.Transport("send", s.connectionID, err)
	}
	return resp.ID, nil
}

func (s *session) Logout(ctx context.Context) error {
	if err := s.client.Logout(ctx); err != nil {
		return errs.Transport("logout", s.connectionID, err)
	}
	return nil
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.client.Disconnect()
		zap.L().Debug("whatsapp: session closed", zap.Int64("connection_id", s.connectionID))
	})
}

// pumpQR forwards pairing codes until the channel reports an outcome.
func (s *session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.emit(transport.Event{Kind: transport.EventQR, QRCode: item.Code})
		case "success":
			zap.L().Info("whatsapp: qr pairing succeeded", zap.Int64("connection_id", s.connectionID))
		case "timeout":
			s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonQRTimeout})
		case whatsmeow.QRChannelEventError:
			s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonConnectFailure, Err: item.Error})
		default:
			zap.L().Warn("whatsapp: qr channel ended",
				zap.Int64("connection_id", s.connectionID), zap.String("event", item.Event))
			s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonConnectFailure})
		}
	}
}

func (s *session) handleEvent(evt interface{}) {
	if s.closed() {
		return
	}
	switch e := evt.(type) {
	case *events.Connected:
		ev := transport.Event{Kind: transport.EventOpen}
		if id := s.client.Store.ID; id != nil {
			ev.Phone = id.User
			ev.DeviceJID = id.String()
		}
		s.emit(ev)
	case *events.PairSuccess:
		zap.L().Info("whatsapp: device paired",
			zap.Int64("connection_id", s.connectionID), zap.String("jid", e.ID.String()))
	case *events.LoggedOut:
		s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonLoggedOut})
	case *events.StreamReplaced:
		s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonReplaced})
	case *events.TemporaryBan:
		s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonBanned})
	case *events.ClientOutdated:
		s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonOutdated})
	case *events.ConnectFailure:
		reason := transport.ReasonConnectFailure
		if e.Reason.IsLoggedOut() {
			reason = transport.ReasonLoggedOut
		}
		s.emit(transport.Event{Kind: transport.EventClosed, Reason: reason})
	case *events.Disconnected:
		s.emit(transport.Event{Kind: transport.EventClosed, Reason: transport.ReasonConnectionLost})
	case *events.KeepAliveTimeout:
		zap.L().Debug("whatsapp: keepalive timeout",
			zap.Int64("connection_id", s.connectionID), zap.Int("error_count", e.ErrorCount))
	case *events.Message:
		if msg := inboundFromEvent(e); msg != nil {
			s.emit(transport.Event{Kind: transport.EventMessage, Message: msg})
		}
	}
}
