package wa

import (
	"github.com/pvieira/palaver/internal/chat"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// parseReceived normalizes a live whatsmeow message event into the raw
// transport form the filter chain consumes. Media messages get a bracketed
// type placeholder as body.
func parseReceived(evt *events.Message) chat.Received {
	kind := chat.KindIncoming
	if evt.Info.IsFromMe {
		kind = chat.KindOutgoing
	}
	return chat.Received{
		Token:       evt.Info.ID,
		Timestamp:   evt.Info.Timestamp,
		SenderID:    evt.Info.Sender.ToNonAD().String(),
		SenderAlias: evt.Info.PushName,
		Kind:        kind,
		Body:        bodyOf(evt.Message),
		FromSelf:    evt.Info.IsFromMe,
	}
}

// bodyOf extracts the text body, substituting a placeholder for media.
func bodyOf(msg *waE2E.Message) string {
	if body := extractTextBody(msg); body != "" {
		return body
	}
	if t := detectMessageType(msg); t != "text" && t != "unknown" {
		return "[" + t + "]"
	}
	return ""
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
