// Package whatsapp implements the WhatsApp transport for GroupClaw
// using whatsmeow — a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Group text, image and reaction sending
//   - Inbound media download
//   - Typing indicators
//   - Automatic reconnection with backoff
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// DatabasePath is the SQLite database file for session storage.
	// The whatsmeow_ tables live alongside the orchestrator's data.
	DatabasePath string `yaml:"database_path"`

	// ReconnectBackoff is the initial backoff for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// MaxMediaSizeMB is the largest inbound media file to download.
	MaxMediaSizeMB int `yaml:"max_media_size_mb"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		MaxMediaSizeMB:       16,
	}
}

// WhatsApp implements channels.Transport plus the reaction, image,
// typing, media and group-listing capabilities.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages chan *channels.IncomingMessage

	connected      atomic.Bool
	messagesClosed atomic.Bool
	reconnectTries atomic.Int32
	reconnectGuard atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp transport.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultConfig().ReconnectBackoff
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection. With no stored
// session the QR login flow runs and blocks until the code is scanned
// or times out; with a session it reconnects directly.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked-devices list.
	wastore.SetOSInfo("GroupClaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		return w.loginWithQR(w.ctx)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect closes the connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Connected reports whether the transport is usable.
func (w *WhatsApp) Connected() bool { return w.connected.Load() }

// Messages returns the inbound message channel.
func (w *WhatsApp) Messages() <-chan *channels.IncomingMessage { return w.messages }

// SendMessage sends chat text.
func (w *WhatsApp) SendMessage(ctx context.Context, chatJID, text string) error {
	if !w.connected.Load() {
		return channels.ErrDisconnected
	}
	jid, err := parseJID(chatJID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", chatJID, err)
	}
	_, err = w.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendReaction reacts to the message targetID authored by targetSender.
func (w *WhatsApp) SendReaction(ctx context.Context, chatJID, targetSender, targetID, emoji string) error {
	if !w.connected.Load() {
		return channels.ErrDisconnected
	}
	chat, err := parseJID(chatJID)
	if err != nil {
		return err
	}
	sender, err := parseJID(targetSender)
	if err != nil {
		return err
	}
	_, err = w.client.SendMessage(ctx, chat,
		w.client.BuildReaction(chat, sender, types.MessageID(targetID), emoji))
	return err
}

// SendImage uploads the file at hostPath and sends it as an image.
func (w *WhatsApp) SendImage(ctx context.Context, chatJID, hostPath, caption string) error {
	if !w.connected.Load() {
		return channels.ErrDisconnected
	}
	jid, err := parseJID(chatJID)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	uploaded, err := w.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("uploading image: %w", err)
	}
	_, err = w.client.SendMessage(ctx, jid, &waProto.Message{
		ImageMessage: &waProto.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(detectImageMime(hostPath)),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	})
	if err != nil {
		return fmt.Errorf("sending image: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator.
func (w *WhatsApp) SetTyping(ctx context.Context, chatJID string, typing bool) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(chatJID)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return w.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// DownloadMedia fetches the referenced inbound media.
func (w *WhatsApp) DownloadMedia(ctx context.Context, media *channels.MediaRef) ([]byte, string, error) {
	msg, ok := media.Handle.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, "", fmt.Errorf("media handle is not downloadable")
	}
	data, err := w.client.Download(ctx, msg)
	if err != nil {
		return nil, "", fmt.Errorf("downloading media: %w", err)
	}
	if limit := w.cfg.MaxMediaSizeMB * 1024 * 1024; limit > 0 && len(data) > limit {
		return nil, "", fmt.Errorf("media too large: %d bytes", len(data))
	}
	return data, media.MimeType, nil
}

// ListGroups returns the groups this account participates in.
func (w *WhatsApp) ListGroups(ctx context.Context) ([]channels.GroupInfo, error) {
	if !w.connected.Load() {
		return nil, channels.ErrDisconnected
	}
	groups, err := w.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	infos := make([]channels.GroupInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, channels.GroupInfo{JID: g.JID.String(), Name: g.Name})
	}
	return infos, nil
}

// ---------- login and reconnection ----------

func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*wastore.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the first-login QR flow. The code is printed for
// the operator to scan; pairing completes the connection.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}
	w.logger.Info("whatsapp: no existing session, QR scan required")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				fmt.Fprintf(os.Stderr, "\nScan this code with WhatsApp > Linked Devices:\n%s\n\n", evt.Code)
			case "success":
				w.connected.Store(true)
				w.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired before it was scanned")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect retries the connection with linear backoff, capped
// at five minutes. Guarded so concurrent disconnect events start at
// most one loop.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			return
		}
		attempts := w.reconnectTries.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		// Clear stale websocket state before redialing.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}
}

// ---------- helpers ----------

// parseJID converts a string JID to types.JID. Accepts full JIDs
// ("...@s.whatsapp.net", "...@g.us") and bare phone numbers.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func detectImageMime(path string) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".gif"):
		return "image/gif"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
