package wa

import (
	"errors"
	"time"

	"github.com/pvieira/palaver/internal/bus"
	"github.com/pvieira/palaver/internal/chat"
	"github.com/pvieira/palaver/internal/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

var errLoggedOut = errors.New("session logged out")

// handleEvent is the whatsmeow event handler. It routes transport events
// into channel notifications and publishes session lifecycle events on the
// bus for out-of-band consumers.
func (a *Adapter) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		a.handleMessage(evt)
	case *events.Receipt:
		a.handleReceipt(evt)
	case *events.Connected:
		a.logger.Info("WhatsApp connected")
		a.bus.Publish(bus.NewEvent("session.connected", nil))
		a.connectionChanged(true)
	case *events.Disconnected:
		a.logger.Warn("WhatsApp disconnected")
		a.bus.Publish(bus.NewEvent("session.disconnected", nil))
		a.connectionChanged(false)
	case *events.LoggedOut:
		a.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		a.invalidateAll(errLoggedOut)
		a.bus.Publish(bus.NewEvent("session.logged_out", evt.Reason.String()))
	case *events.HistorySync:
		a.handleHistorySync(evt)
	}
}

// handleMessage routes one live message. New channels are announced through
// the ChannelHandler with the message parked in the unacknowledged queue;
// the eventual owner replays the queue on bind. Existing channels get the
// message delivered directly.
func (a *Adapter) handleMessage(evt *events.Message) {
	r := parseReceived(evt)
	ch, created := a.channelFor(evt.Info.Chat, false)

	if evt.Info.IsFromMe {
		if created {
			a.notifyHandler(ch, nil)
		}
		ch.fireSent(r, r.Token)
		return
	}

	ch.enqueue(r)
	if created {
		a.notifyHandler(ch, nil)
		return
	}
	ch.fireReceived(r)
}

// handleReceipt maps server receipts onto delivery reports for the owning
// channel. Receipts for untracked chats are dropped.
func (a *Adapter) handleReceipt(evt *events.Receipt) {
	status := receiptStatus(evt.Type)
	if status == chat.DeliveryUnknown {
		return
	}

	ch := a.lookupChannel(evt.Chat)
	if ch == nil {
		a.logger.Debug("receipt for untracked chat", zap.String("chat", evt.Chat.String()))
		return
	}

	for _, id := range evt.MessageIDs {
		ch.fireReceived(chat.Received{
			Report: &chat.DeliveryReport{
				OriginalToken: string(id),
				Status:        status,
				ReceivedAt:    evt.Timestamp,
			},
		})
	}
}

// receiptStatus maps transport receipt types onto delivery states. There is
// no failure mapping here: whatsmeow reports send failures synchronously as
// an error from SendMessage, never as a receipt type.
func receiptStatus(t types.ReceiptType) chat.DeliveryStatus {
	switch t {
	case types.ReceiptTypeDelivered:
		return chat.DeliveryDelivered
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		return chat.DeliveryRead
	default:
		return chat.DeliveryUnknown
	}
}

// handleHistorySync converts a transport history batch into log rows and
// hands them to the persistence feeder over the bus. Already-logged tokens
// are deduplicated at insert time.
func (a *Adapter) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	accountID := a.account.ID()
	var batch []store.LoggedMessage
	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		entity := chatJID.ToNonAD().String()

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			body := bodyOf(wmsg.GetMessage())
			if body == "" {
				continue
			}

			fromMe := wmsg.GetKey().GetFromMe()
			dir := chat.RemoteToLocal
			kind := chat.KindIncoming
			if fromMe {
				dir = chat.LocalToRemote
				kind = chat.KindOutgoing
			}
			sender := wmsg.GetKey().GetParticipant()
			if sender == "" && !fromMe {
				sender = entity
			}

			batch = append(batch, store.LoggedMessage{
				AccountID: accountID,
				Entity:    entity,
				Message: chat.Message{
					Token:     wmsg.GetKey().GetID(),
					Timestamp: time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
					Direction: dir,
					SenderID:  sender,
					Kind:      kind,
					Body:      body,
				},
			})
		}
	}

	if len(batch) > 0 {
		a.logger.Info("history sync batch", zap.Int("messages", len(batch)))
		a.bus.Publish(bus.NewEvent("log.history_batch", batch))
	}
}
