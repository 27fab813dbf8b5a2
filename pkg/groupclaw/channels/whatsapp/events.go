// Package whatsapp – events.go converts incoming whatsmeow events into
// the transport-neutral IncomingMessage type.
package whatsapp

import (
	"fmt"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectTries.Store(0)
		w.logger.Info("whatsapp: connected")

	case *events.Disconnected:
		wasConnected := w.connected.Swap(false)
		w.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
		if wasConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced, another device connected")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out, session invalidated", "reason", evt.Reason.String())

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount)
		// Half-open connections look connected but are dead; force a
		// redial once keepalive fails repeatedly.
		if evt.ErrorCount >= 3 && w.connected.Swap(false) {
			go w.attemptReconnect()
		}

	case *events.ConnectFailure:
		w.connected.Store(false)
		w.logger.Error("whatsapp: connect failure", "reason", evt.Reason.String(), "message", evt.Message)
		if evt.PermanentDisconnectDescription() == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}
	}
}

// handleMessageEvt converts one inbound message event.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	msg := &channels.IncomingMessage{
		Transport:  "whatsapp",
		ChatJID:    evt.Info.Chat.String(),
		Sender:     evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		MessageID:  string(evt.Info.ID),
		Timestamp:  evt.Info.Timestamp,
	}
	extractContent(evt.Message, msg)
	if msg.Text == "" && msg.Media == nil {
		return
	}
	w.emitMessage(msg)
}

// extractContent pulls text and media references from a WhatsApp
// message. Media is kept as an opaque downloadable handle; the bytes
// move only when the orchestrator asks.
func extractContent(waMsg *waProto.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		return
	}

	if waMsg.Conversation != nil {
		msg.Text = waMsg.GetConversation()
		return
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Text = ext.GetText()
		return
	}
	if img := waMsg.ImageMessage; img != nil {
		msg.Text = img.GetCaption()
		msg.Media = &channels.MediaRef{
			Filename: "image" + extForMime(img.GetMimetype()),
			MimeType: img.GetMimetype(),
			Handle:   img,
		}
		return
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		msg.Text = doc.GetCaption()
		if msg.Text == "" {
			msg.Text = fmt.Sprintf("[document: %s]", doc.GetFileName())
		}
		msg.Media = &channels.MediaRef{
			Filename: doc.GetFileName(),
			MimeType: doc.GetMimetype(),
			Handle:   doc,
		}
		return
	}
	if audio := waMsg.AudioMessage; audio != nil {
		msg.Text = "[audio]"
		if audio.GetPTT() {
			msg.Text = "[voice note]"
		}
		msg.Media = &channels.MediaRef{
			Filename: "audio.ogg",
			MimeType: audio.GetMimetype(),
			Handle:   audio,
		}
		return
	}
	if video := waMsg.VideoMessage; video != nil {
		msg.Text = video.GetCaption()
		msg.Media = &channels.MediaRef{
			Filename: "video.mp4",
			MimeType: video.GetMimetype(),
			Handle:   video,
		}
		return
	}
}

func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// emitMessage delivers to the inbound channel without ever blocking
// the whatsmeow event loop.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("whatsapp: message channel full, dropping message",
			"chat", msg.ChatJID, "sender", msg.Sender)
	}
}
