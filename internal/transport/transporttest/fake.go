// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bjo163/zapflow/internal/transport"
)

// Sent records one call to Session.Send.
type Sent struct {
	ConnectionID int64
	To           string
	Text         string
}

// Dialer hands out fake sessions and records everything they do.
type Dialer struct {
	mu        sync.Mutex
	sessions  []*Session
	forgotten []string
	sent      []Sent
	dialErr   error
	sendErr   error
	logoutErr error
	dials     int32
	// DialHook runs inside Dial before the session is returned.
	DialHook func(req transport.DialRequest)
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) FailDial(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func (d *Dialer) FailSend(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

func (d *Dialer) FailLogout(err error) {
	d.mu.Lock()
	d.logoutErr = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(_ context.Context, req transport.DialRequest) (transport.Session, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.DialHook != nil {
		d.DialHook(req)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := &Session{
		dialer: d,
		Req:    req,
		events: make(chan transport.Event, 64),
		closed: make(chan struct{}),
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *Dialer) Forget(_ context.Context, deviceJID string) error {
	d.mu.Lock()
	d.forgotten = append(d.forgotten, deviceJID)
	d.mu.Unlock()
	return nil
}

func (d *Dialer) Dials() int {
	return int(atomic.LoadInt32(&d.dials))
}

func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recently dialled session or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *Dialer) Forgotten() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.forgotten...)
}

func (d *Dialer) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sent(nil), d.sent...)
}

// Live counts sessions that were neither closed nor logged out.
func (d *Dialer) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sessions {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// Session is a scripted transport session. Tests push events with Emit.
type Session struct {
	dialer    *Dialer
	Req       transport.DialRequest
	events    chan transport.Event
	closed    chan struct{}
	closeOnce sync.Once
	loggedOut atomic.Bool
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) Emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Session) EmitQR(code string) {
	s.Emit(transport.Event{Kind: transport.EventQR, QRCode: code})
}

func (s *Session) EmitOpen(phone string) {
	s.Emit(transport.Event{Kind: transport.EventOpen, Phone: phone, DeviceJID: phone + ".0:1@s.whatsapp.net"})
}

func (s *Session) EmitClosed(reason transport.CloseReason) {
	s.Emit(transport.Event{Kind: transport.EventClosed, Reason: reason})
}

func (s *Session) EmitText(from, pushName, externalID, text string) {
	s.Emit(transport.Event{Kind: transport.EventMessage, Message: &transport.InboundMessage{
		ExternalID: externalID,
		From:       from,
		PushName:   pushName,
		Payload:    transport.Payload{Kind: transport.PayloadText, Text: text},
	}})
}

func (s *Session) Send(_ context.Context, to string, text string) (string, error) {
	if s.IsClosed() {
		return "", errors.New("session closed")
	}
	s.dialer.mu.Lock()
	defer s.dialer.mu.Unlock()
	if s.dialer.sendErr != nil {
		return "", s.dialer.sendErr
	}
	s.dialer.sent = append(s.dialer.sent, Sent{ConnectionID: s.Req.ConnectionID, To: to, Text: text})
	return fmt.Sprintf("OUT%d", len(s.dialer.sent)), nil
}

func (s *Session) Logout(context.Context) error {
	s.loggedOut.Store(true)
	s.dialer.mu.Lock()
	err := s.dialer.logoutErr
	s.dialer.mu.Unlock()
	return err
}

func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) LoggedOut() bool {
	return s.loggedOut.Load()
}
