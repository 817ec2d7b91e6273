package whatsapp

import (
	"strings"

	"github.com/bjo163/zapflow/internal/transport"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// inboundFromEvent keeps direct chats only: own messages, groups and status
// broadcasts never reach the pipeline.
func inboundFromEvent(e *events.Message) *transport.InboundMessage {
	if e == nil || e.Message == nil {
		return nil
	}
	if e.Info.IsFromMe || e.Info.IsGroup || e.Info.Chat.Server == waTypes.BroadcastServer {
		return nil
	}
	return &transport.InboundMessage{
		ExternalID: e.Info.ID,
		From:       e.Info.Sender.User,
		PushName:   e.Info.PushName,
		Timestamp:  e.Info.Timestamp,
		Payload:    payloadOf(e.Message),
	}
}

func payloadOf(m *waE2E.Message) transport.Payload {
	switch {
	case m.GetConversation() != "":
		return transport.Payload{Kind: transport.PayloadText, Text: m.GetConversation()}
	case m.GetExtendedTextMessage() != nil:
		return transport.Payload{Kind: transport.PayloadText, Text: m.GetExtendedTextMessage().GetText()}
	case m.GetImageMessage() != nil:
		return transport.Payload{Kind: transport.PayloadImage, Caption: m.GetImageMessage().GetCaption()}
	case m.GetVideoMessage() != nil:
		return transport.Payload{Kind: transport.PayloadVideo, Caption: m.GetVideoMessage().GetCaption()}
	case m.GetAudioMessage() != nil:
		return transport.Payload{Kind: transport.PayloadAudio}
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return transport.Payload{Kind: transport.PayloadDocument, Caption: doc.GetCaption(), FileName: doc.GetFileName()}
	case m.GetStickerMessage() != nil:
		return transport.Payload{Kind: transport.PayloadSticker}
	case m.GetLocationMessage() != nil:
		return transport.Payload{Kind: transport.PayloadLocation}
	case m.GetContactMessage() != nil:
		return transport.Payload{Kind: transport.PayloadContact, Text: strings.TrimSpace(m.GetContactMessage().GetDisplayName())}
	}
	return transport.Payload{Kind: transport.PayloadUnknown}
}
