// Package matrix connects one agent to a Matrix homeserver. Inbound room
// messages become user turns via the harness; outbound content is posted as
// m.text with an org.matrix.custom.html formatted body.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cireilclaw/cireilclaw"
	"github.com/cireilclaw/cireilclaw/internal/imaging"
)

// syncBackoff delays the next /sync attempt after a failure.
const syncBackoff = 5 * time.Second

// typingTimeout is the lifetime of one typing notification.
const typingTimeout = 30 * time.Second

// matrixAPI is the slice of the mautrix client the adapter calls outside the
// sync loop, narrow so tests can stub it.
type matrixAPI interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
	UploadBytes(ctx context.Context, data []byte, contentType string) (*mautrix.RespMediaUpload, error)
	DownloadBytes(ctx context.Context, uri id.ContentURI) ([]byte, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
}

// Config holds the Matrix transport settings for one agent, loaded from
// config/channels/matrix.toml.
type Config struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"userId"`
	AccessToken string `toml:"accessToken"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Homeserver) == "" {
		return fmt.Errorf("matrix: homeserver is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("matrix: userId is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("matrix: accessToken is required")
	}
	return nil
}

// Adapter is one agent's Matrix connection.
type Adapter struct {
	agent   *cireilclaw.Agent
	harness *cireilclaw.Harness
	client  *mautrix.Client
	api     matrixAPI
	userID  id.UserID
	logger  *slog.Logger

	mu     sync.Mutex
	runCtx context.Context
	stopCh chan struct{}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New builds the adapter and its client. Syncing does not begin until Start.
func New(agent *cireilclaw.Agent, harness *cireilclaw.Harness, cfg Config, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	a := &Adapter{
		agent:   agent,
		harness: harness,
		client:  client,
		api:     client,
		userID:  id.UserID(cfg.UserID),
		logger:  slog.New(discardHandler{}),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("channel", "matrix", "agent", agent.Slug)
	return a, nil
}

// Start registers the event handler, launches the sync loop, and installs
// the channel capabilities. ctx bounds every turn the adapter delivers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	syncer := a.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		a.handleMessage(evt)
	})
	go a.syncLoop(ctx)

	a.register()
	a.logger.Info("matrix adapter started", "homeserver", a.client.HomeserverURL.String(), "user_id", a.userID)
	return nil
}

// register installs the channel capabilities with the harness.
func (a *Adapter) register() {
	a.harness.RegisterSend(a.agent.Slug, cireilclaw.ChannelMatrix, a.send)
	a.harness.RegisterReact(a.agent.Slug, cireilclaw.ChannelMatrix, a.react)
	a.harness.RegisterDownload(a.agent.Slug, cireilclaw.ChannelMatrix, a.download)
	a.harness.RegisterTyping(a.agent.Slug, cireilclaw.ChannelMatrix, a.typing)
}

// Stop ends the sync loop.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	a.mu.Unlock()
	a.client.StopSync()
	a.logger.Info("matrix adapter stopped")
	return nil
}

// syncLoop keeps /sync running until shutdown, backing off after failures.
func (a *Adapter) syncLoop(ctx context.Context) {
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := a.client.SyncWithContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("sync failed", "error", err)
			select {
			case <-time.After(syncBackoff):
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage turns one room message into a user turn. Events from the
// agent's own user id are ignored. The turn runs under the adapter's run
// context, not the sync batch's, so it outlives the /sync response.
func (a *Adapter) handleMessage(evt *event.Event) {
	if evt.Sender == a.userID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	msg, ok := a.buildUserMessage(ctx, evt, content)
	if !ok {
		return
	}

	session := a.resolveSession(evt.RoomID)
	session.LastMessageID = string(evt.ID)

	_, _ = a.api.UserTyping(ctx, evt.RoomID, true, typingTimeout)
	if err := a.harness.DeliverUserMessage(ctx, a.agent, session, msg); err != nil {
		a.logger.Warn("turn not delivered", "session", session.ID, "error", err)
	}
}

func (a *Adapter) resolveSession(roomID id.RoomID) *cireilclaw.Session {
	if session, ok := a.agent.Session(cireilclaw.MatrixSessionID(string(roomID))); ok {
		return session
	}
	session := cireilclaw.NewMatrixSession(a.agent.Slug, string(roomID))
	a.agent.PutSession(session)
	return session
}

// buildUserMessage maps a room event to a user message: plain text for
// m.text/m.notice, downloaded and re-encoded bytes for m.image, a filename
// note for other media.
func (a *Adapter) buildUserMessage(ctx context.Context, evt *event.Event, content *event.MessageEventContent) (cireilclaw.Message, bool) {
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		if strings.TrimSpace(content.Body) == "" {
			return cireilclaw.Message{}, false
		}
		return cireilclaw.Message{
			Role:    cireilclaw.RoleUser,
			Content: []cireilclaw.Content{cireilclaw.TextContent(content.Body)},
			ID:      string(evt.ID),
		}, true
	case event.MsgImage:
		parts := []cireilclaw.Content{cireilclaw.TextContent("[image: " + content.Body + "]")}
		data, err := a.api.DownloadBytes(ctx, content.URL.ParseOrIgnore())
		if err != nil {
			a.logger.Warn("media download failed", "event_id", evt.ID, "error", err)
			return cireilclaw.Message{Role: cireilclaw.RoleUser, Content: parts, ID: string(evt.ID)}, true
		}
		normalized, err := imaging.Normalize(data)
		if err != nil {
			a.logger.Warn("media decode failed", "event_id", evt.ID, "error", err)
			return cireilclaw.Message{Role: cireilclaw.RoleUser, Content: parts, ID: string(evt.ID)}, true
		}
		parts = append(parts, cireilclaw.ImageContent(imaging.MediaType, normalized))
		return cireilclaw.Message{Role: cireilclaw.RoleUser, Content: parts, ID: string(evt.ID)}, true
	case event.MsgFile, event.MsgAudio, event.MsgVideo:
		return cireilclaw.Message{
			Role:    cireilclaw.RoleUser,
			Content: []cireilclaw.Content{cireilclaw.TextContent("[attached: " + content.Body + "]")},
			ID:      string(evt.ID),
		}, true
	}
	return cireilclaw.Message{}, false
}

// --- channel capabilities ---

// send posts one pre-chunked piece of content as m.text with an HTML
// formatted body; attachments are uploaded and posted as media events.
func (a *Adapter) send(ctx context.Context, session *cireilclaw.Session, content string, attachments []cireilclaw.Attachment) error {
	roomID := id.RoomID(session.Meta.RoomID)
	if content != "" {
		body := &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          content,
			Format:        event.FormatHTML,
			FormattedBody: renderHTML(content),
		}
		if _, err := a.api.SendMessageEvent(ctx, roomID, event.EventMessage, body); err != nil {
			return fmt.Errorf("matrix: send: %w", err)
		}
	}
	for _, att := range attachments {
		if err := a.sendAttachment(ctx, roomID, att); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendAttachment(ctx context.Context, roomID id.RoomID, att cireilclaw.Attachment) error {
	mime := mimeForFilename(att.Filename)
	upload, err := a.api.UploadBytes(ctx, att.Data, mime)
	if err != nil {
		return fmt.Errorf("matrix: upload %s: %w", att.Filename, err)
	}
	msgType := event.MsgFile
	if strings.HasPrefix(mime, "image/") {
		msgType = event.MsgImage
	}
	body := &event.MessageEventContent{
		MsgType: msgType,
		Body:    att.Filename,
		URL:     upload.ContentURI.CUString(),
		Info:    &event.FileInfo{MimeType: mime, Size: len(att.Data)},
	}
	if _, err := a.api.SendMessageEvent(ctx, roomID, event.EventMessage, body); err != nil {
		return fmt.Errorf("matrix: send attachment %s: %w", att.Filename, err)
	}
	return nil
}

// react annotates a room event with an emoji key.
func (a *Adapter) react(ctx context.Context, session *cireilclaw.Session, emoji, messageID string) error {
	body := &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: id.EventID(messageID),
			Key:     emoji,
		},
	}
	if _, err := a.api.SendMessageEvent(ctx, id.RoomID(session.Meta.RoomID), event.EventReaction, body); err != nil {
		return fmt.Errorf("matrix: react: %w", err)
	}
	return nil
}

// download resolves a room event's mxc:// content.
func (a *Adapter) download(ctx context.Context, session *cireilclaw.Session, messageID string) ([]cireilclaw.FileInfo, error) {
	roomID := id.RoomID(session.Meta.RoomID)
	evt, err := a.api.GetEvent(ctx, roomID, id.EventID(messageID))
	if err != nil {
		return nil, fmt.Errorf("matrix: fetch event %s: %w", messageID, err)
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(event.EventMessage); err != nil {
			return nil, fmt.Errorf("matrix: parse event %s: %w", messageID, err)
		}
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.URL == "" {
		return nil, fmt.Errorf("matrix: event %s carries no media", messageID)
	}
	data, err := a.api.DownloadBytes(ctx, content.URL.ParseOrIgnore())
	if err != nil {
		return nil, fmt.Errorf("matrix: download %s: %w", messageID, err)
	}
	mime := ""
	if content.Info != nil {
		mime = content.Info.MimeType
	}
	return []cireilclaw.FileInfo{{Filename: content.Body, MimeType: mime, Data: data}}, nil
}

func (a *Adapter) typing(ctx context.Context, session *cireilclaw.Session) error {
	_, err := a.api.UserTyping(ctx, id.RoomID(session.Meta.RoomID), true, typingTimeout)
	return err
}

// mimeForFilename guesses a content type from the extension, defaulting to
// octet-stream.
func mimeForFilename(name string) string {
	switch {
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".gif"):
		return "image/gif"
	case strings.HasSuffix(name, ".webp"):
		return "image/webp"
	case strings.HasSuffix(name, ".txt"), strings.HasSuffix(name, ".md"):
		return "text/plain"
	case strings.HasSuffix(name, ".pdf"):
		return "application/pdf"
	}
	return "application/octet-stream"
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
