// Package transport is the contract between the core and the messaging
// network client. The whatsmeow implementation lives in package whatsapp.
package transport

import (
	"context"
	"time"
)

type EventKind int

const (
	EventQR EventKind = iota + 1
	EventOpen
	EventClosed
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// CloseReason explains why a session stopped.
type CloseReason string

const (
	ReasonLoggedOut      CloseReason = "logged_out"
	ReasonReplaced       CloseReason = "replaced"
	ReasonQRTimeout      CloseReason = "qr_timeout"
	ReasonBanned         CloseReason = "banned"
	ReasonOutdated       CloseReason = "client_outdated"
	ReasonConnectFailure CloseReason = "connect_failure"
	ReasonConnectionLost CloseReason = "connection_lost"
)

// Terminal reports whether reconnecting with the same credentials is
// pointless or harmful.
func (r CloseReason) Terminal() bool {
	switch r {
	case ReasonLoggedOut, ReasonReplaced, ReasonQRTimeout, ReasonBanned, ReasonOutdated:
		return true
	}
	return false
}

// PayloadKind is the transport level classification of a received message.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadImage    PayloadKind = "image"
	PayloadAudio    PayloadKind = "audio"
	PayloadVideo    PayloadKind = "video"
	PayloadDocument PayloadKind = "document"
	PayloadSticker  PayloadKind = "sticker"
	PayloadLocation PayloadKind = "location"
	PayloadContact  PayloadKind = "contact"
	PayloadUnknown  PayloadKind = "unknown"
)

type Payload struct {
	Kind     PayloadKind
	Text     string
	Caption  string
	FileName string
}

type InboundMessage struct {
	ExternalID string
	From       string // phone number, digits only
	PushName   string
	Timestamp  time.Time
	Payload    Payload
}

type Event struct {
	Kind EventKind

	QRCode string // EventQR

	Phone     string // EventOpen
	DeviceJID string // EventOpen

	Reason CloseReason // EventClosed
	Err    error       // EventClosed, optional detail

	Message *InboundMessage // EventMessage
}

// Session is one live connection to the messaging network. Events are
// delivered in order on a single channel.
type Session interface {
	Events() <-chan Event
	Send(ctx context.Context, to string, text string) (externalID string, err error)
	Logout(ctx context.Context) error
	// Close drops the network connection without unlinking the device.
	Close()
}

type DialRequest struct {
	ConnectionID int64
	DisplayName  string
	// DeviceJID selects stored credentials; empty pairs a new device via QR.
	DeviceJID string
}

type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Session, error)
	// Forget deletes stored credentials so the next dial pairs from scratch.
	Forget(ctx context.Context, deviceJID string) error
}
