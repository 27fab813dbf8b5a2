// Package discord implements the Discord transport for GroupClaw
// using discordgo. A Discord "group" is a channel; the channel ID
// plays the role the chat JID plays on WhatsApp.
//
// Features:
//   - Send/receive text and attachments
//   - Reactions (emoji)
//   - Typing indicators
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
)

// Config holds Discord transport configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot listens
	// in. Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`
}

// Discord implements channels.Transport plus the reaction, image,
// typing, media and group-listing capabilities.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages  chan *channels.IncomingMessage
	connected atomic.Bool

	// httpClient downloads inbound attachments.
	httpClient *http.Client
}

// New creates a Discord transport.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Connected reports whether the transport is usable.
func (d *Discord) Connected() bool { return d.connected.Load() }

// Messages returns the inbound message channel.
func (d *Discord) Messages() <-chan *channels.IncomingMessage { return d.messages }

// SendMessage sends chat text, split to respect Discord's 2000
// character limit.
func (d *Discord) SendMessage(ctx context.Context, chatJID, text string) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrDisconnected
	}
	for _, chunk := range splitMessage(text, 2000) {
		if _, err := d.session.ChannelMessageSend(chatJID, chunk); err != nil {
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// SendReaction adds a reaction emoji to a message. Discord reactions
// need no sender reference; targetSender is unused.
func (d *Discord) SendReaction(ctx context.Context, chatJID, _, targetID, emoji string) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrDisconnected
	}
	return d.session.MessageReactionAdd(chatJID, targetID, emoji)
}

// SendImage uploads the file at hostPath as an attachment.
func (d *Discord) SendImage(ctx context.Context, chatJID, hostPath, caption string) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrDisconnected
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("discord: reading image: %w", err)
	}
	_, err = d.session.ChannelMessageSendComplex(chatJID, &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{
			{Name: filepath.Base(hostPath), Reader: bytes.NewReader(data)},
		},
	})
	return err
}

// SetTyping sends a typing indicator; Discord has no explicit stop.
func (d *Discord) SetTyping(ctx context.Context, chatJID string, typing bool) error {
	if d.session == nil || !typing {
		return nil
	}
	return d.session.ChannelTyping(chatJID)
}

// DownloadMedia downloads an inbound attachment by URL.
func (d *Discord) DownloadMedia(ctx context.Context, media *channels.MediaRef) ([]byte, string, error) {
	url, ok := media.Handle.(string)
	if !ok || url == "" {
		return nil, "", fmt.Errorf("discord: media has no download URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("discord: download: status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("discord: reading attachment: %w", err)
	}
	return data, media.MimeType, nil
}

// ListGroups returns the text channels visible to the bot.
func (d *Discord) ListGroups(ctx context.Context) ([]channels.GroupInfo, error) {
	if d.session == nil || !d.connected.Load() {
		return nil, channels.ErrDisconnected
	}

	var infos []channels.GroupInfo
	for _, guild := range d.session.State.Guilds {
		chs, err := d.session.GuildChannels(guild.ID)
		if err != nil {
			return nil, fmt.Errorf("discord: listing channels for guild %s: %w", guild.ID, err)
		}
		for _, ch := range chs {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			infos = append(infos, channels.GroupInfo{JID: ch.ID, Name: guild.Name + " / " + ch.Name})
		}
	}
	return infos, nil
}

// ---------- event handlers ----------

// onMessageCreate converts one inbound Discord message.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(d.cfg.AllowedGuilds, m.GuildID) {
		return
	}

	incoming := &channels.IncomingMessage{
		Transport:  "discord",
		ChatJID:    m.ChannelID,
		Sender:     m.Author.ID,
		SenderName: m.Author.Username,
		MessageID:  m.ID,
		Text:       m.Content,
		Timestamp:  m.Timestamp,
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		incoming.Media = &channels.MediaRef{
			Filename: att.Filename,
			MimeType: att.ContentType,
			Handle:   att.URL,
		}
	}

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", m.ID)
	}
}

// ---------- helpers ----------

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// splitMessage splits text into chunks, preferring newline boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// Compile-time interface verification.
var (
	_ channels.Transport       = (*Discord)(nil)
	_ channels.ReactionSender  = (*Discord)(nil)
	_ channels.ImageSender     = (*Discord)(nil)
	_ channels.TypingSender    = (*Discord)(nil)
	_ channels.MediaDownloader = (*Discord)(nil)
	_ channels.GroupLister     = (*Discord)(nil)
)
