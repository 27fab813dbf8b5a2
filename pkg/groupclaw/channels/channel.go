// Package channels defines the chat-transport capability set the
// orchestrator consumes. Only SendMessage is required; reactions,
// images and typing indicators are optional capabilities a transport
// may or may not implement.
package channels

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected is returned by send operations while the transport
// has no live connection.
var ErrDisconnected = errors.New("transport disconnected")

// IncomingMessage is one inbound chat message.
type IncomingMessage struct {
	// Transport names the transport that received the message.
	Transport string

	// ChatJID is the conversation address (group or direct).
	ChatJID string

	// Sender is the author's address.
	Sender string

	// SenderName is the author's display name, when known.
	SenderName string

	// MessageID is the transport's message identifier.
	MessageID string

	// Text is the message body (caption for media messages).
	Text string

	// Timestamp is the transport-reported message time.
	Timestamp time.Time

	// Media references downloadable media, when present.
	Media *MediaRef
}

// MediaRef is an opaque handle to one piece of inbound media; the
// owning transport knows how to download it.
type MediaRef struct {
	// Filename is a suggested filename with extension.
	Filename string

	// MimeType is the declared media type.
	MimeType string

	// transport-private handle
	Handle any
}

// Transport is the minimum surface every chat transport implements.
type Transport interface {
	// Name returns the transport identifier ("whatsapp", "discord").
	Name() string

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// Connected reports whether the transport is usable.
	Connected() bool

	// SendMessage sends chat text.
	SendMessage(ctx context.Context, chatJID, text string) error

	// Messages emits inbound messages until Disconnect.
	Messages() <-chan *IncomingMessage
}

// ReactionSender is the optional emoji-reaction capability.
type ReactionSender interface {
	// SendReaction reacts to the message targetID authored by
	// targetSender in chatJID.
	SendReaction(ctx context.Context, chatJID, targetSender, targetID, emoji string) error
}

// ImageSender is the optional outbound-file capability.
type ImageSender interface {
	// SendImage uploads and sends the file at hostPath.
	SendImage(ctx context.Context, chatJID, hostPath, caption string) error
}

// TypingSender is the optional typing-indicator capability.
type TypingSender interface {
	SetTyping(ctx context.Context, chatJID string, typing bool) error
}

// MediaDownloader is the optional inbound-media capability.
type MediaDownloader interface {
	// DownloadMedia fetches the referenced media and returns its
	// bytes and mime type.
	DownloadMedia(ctx context.Context, media *MediaRef) ([]byte, string, error)
}

// GroupInfo is one chat group as reported by the platform.
type GroupInfo struct {
	JID  string
	Name string
}

// GroupLister is the optional group-metadata capability, used by the
// refresh_groups control request.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]GroupInfo, error)
}
