// Package discord connects one agent to the Discord gateway. Inbound
// messages become user turns via the harness; the adapter registers the
// send, react, download and typing capabilities for discord sessions.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cireilclaw/cireilclaw"
	"github.com/cireilclaw/cireilclaw/internal/imaging"
)

// attachmentCap bounds a single inbound attachment download.
const attachmentCap = 25 << 20

// discordSession is the slice of the discordgo API the adapter touches,
// narrow so tests can stub the client.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error
}

// Config holds the Discord transport settings for one agent, loaded from
// config/channels/discord.toml.
type Config struct {
	Token string `toml:"token"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("discord: token is required")
	}
	return nil
}

// Adapter is one agent's Discord connection.
type Adapter struct {
	agent   *cireilclaw.Agent
	harness *cireilclaw.Harness
	session discordSession
	http    *http.Client
	logger  *slog.Logger

	mu            sync.Mutex
	runCtx        context.Context
	removeHandler func()
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New builds the adapter and its gateway client. The connection is not
// opened until Start.
func New(agent *cireilclaw.Agent, harness *cireilclaw.Harness, cfg Config, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	a := &Adapter{
		agent:   agent,
		harness: harness,
		session: dg,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("channel", "discord", "agent", agent.Slug)
	return a, nil
}

// Start opens the gateway connection and registers the channel capabilities
// with the harness. ctx bounds every turn the adapter delivers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.removeHandler = a.session.AddHandler(a.handleMessageCreate)
	a.mu.Unlock()

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.harness.RegisterSend(a.agent.Slug, cireilclaw.ChannelDiscord, a.send)
	a.harness.RegisterReact(a.agent.Slug, cireilclaw.ChannelDiscord, a.react)
	a.harness.RegisterDownload(a.agent.Slug, cireilclaw.ChannelDiscord, a.download)
	a.harness.RegisterTyping(a.agent.Slug, cireilclaw.ChannelDiscord, a.typing)

	a.logger.Info("discord adapter started")
	return nil
}

// Stop detaches the message handler and closes the gateway connection.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.removeHandler != nil {
		a.removeHandler()
		a.removeHandler = nil
	}
	a.mu.Unlock()
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// handleMessageCreate turns one inbound Discord message into a user turn.
// discordgo invokes handlers on their own goroutines, so blocking for the
// whole turn is fine.
func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	session := a.resolveSession(m)
	session.LastMessageID = m.ID

	msg, ok := a.buildUserMessage(ctx, m)
	if !ok {
		return
	}

	_ = a.session.ChannelTyping(m.ChannelID)
	if err := a.harness.DeliverUserMessage(ctx, a.agent, session, msg); err != nil {
		a.logger.Warn("turn not delivered", "session", session.ID, "error", err)
	}
}

// resolveSession finds the session for a channel/guild pair or creates it.
// The NSFW flag comes from the channel object and is fetched only on
// creation.
func (a *Adapter) resolveSession(m *discordgo.MessageCreate) *cireilclaw.Session {
	id := cireilclaw.DiscordSessionID(m.ChannelID, m.GuildID)
	if session, ok := a.agent.Session(id); ok {
		return session
	}
	nsfw := false
	if ch, err := a.session.Channel(m.ChannelID); err == nil {
		nsfw = ch.NSFW
	} else {
		a.logger.Debug("channel lookup failed", "channel_id", m.ChannelID, "error", err)
	}
	session := cireilclaw.NewDiscordSession(a.agent.Slug, m.ChannelID, m.GuildID, nsfw)
	a.agent.PutSession(session)
	return session
}

// buildUserMessage assembles the text plus any inbound image attachments.
// Non-image attachments are mentioned by name so the model can ask for them
// via the download capability.
func (a *Adapter) buildUserMessage(ctx context.Context, m *discordgo.MessageCreate) (cireilclaw.Message, bool) {
	text := m.Content
	var parts []cireilclaw.Content
	var names []string
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		if !strings.HasPrefix(att.ContentType, "image/") {
			names = append(names, att.Filename)
			continue
		}
		data, err := a.fetch(ctx, att.URL)
		if err != nil {
			a.logger.Warn("attachment download failed", "filename", att.Filename, "error", err)
			continue
		}
		normalized, err := imaging.Normalize(data)
		if err != nil {
			a.logger.Warn("attachment decode failed", "filename", att.Filename, "error", err)
			continue
		}
		parts = append(parts, cireilclaw.ImageContent(imaging.MediaType, normalized))
	}
	if len(names) > 0 {
		text += "\n[attached: " + strings.Join(names, ", ") + "]"
	}
	if strings.TrimSpace(text) == "" && len(parts) == 0 {
		return cireilclaw.Message{}, false
	}
	parts = append([]cireilclaw.Content{cireilclaw.TextContent(text)}, parts...)
	return cireilclaw.Message{Role: cireilclaw.RoleUser, Content: parts, ID: m.ID}, true
}

// --- channel capabilities ---

// send posts one pre-chunked piece of content; attachments ride along as
// uploads.
func (a *Adapter) send(_ context.Context, session *cireilclaw.Session, content string, attachments []cireilclaw.Attachment) error {
	data := &discordgo.MessageSend{Content: content}
	for _, att := range attachments {
		data.Files = append(data.Files, &discordgo.File{
			Name:   att.Filename,
			Reader: bytes.NewReader(att.Data),
		})
	}
	if _, err := a.session.ChannelMessageSendComplex(session.Meta.ChannelID, data); err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}

func (a *Adapter) react(_ context.Context, session *cireilclaw.Session, emoji, messageID string) error {
	if err := a.session.MessageReactionAdd(session.Meta.ChannelID, messageID, emoji); err != nil {
		return fmt.Errorf("discord: react: %w", err)
	}
	return nil
}

// download fetches every attachment of a channel message by id.
func (a *Adapter) download(ctx context.Context, session *cireilclaw.Session, messageID string) ([]cireilclaw.FileInfo, error) {
	msg, err := a.session.ChannelMessage(session.Meta.ChannelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("discord: fetch message %s: %w", messageID, err)
	}
	var files []cireilclaw.FileInfo
	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		data, err := a.fetch(ctx, att.URL)
		if err != nil {
			return nil, fmt.Errorf("discord: download %s: %w", att.Filename, err)
		}
		files = append(files, cireilclaw.FileInfo{
			Filename: att.Filename,
			MimeType: att.ContentType,
			Data:     data,
		})
	}
	return files, nil
}

func (a *Adapter) typing(_ context.Context, session *cireilclaw.Session) error {
	return a.session.ChannelTyping(session.Meta.ChannelID)
}

// fetch downloads an attachment URL from Discord's CDN.
func (a *Adapter) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, attachmentCap))
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
