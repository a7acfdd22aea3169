package cireilclaw

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ChannelKind discriminates session variants.
type ChannelKind string

const (
	ChannelDiscord  ChannelKind = "discord"
	ChannelMatrix   ChannelKind = "matrix"
	ChannelInternal ChannelKind = "internal"
)

// SessionMeta holds the channel-specific identifiers of a session. Which
// fields are set depends on the channel kind.
type SessionMeta struct {
	ChannelID string `json:"channelId,omitempty"`
	GuildID   string `json:"guildId,omitempty"`
	IsNSFW    bool   `json:"isNsfw,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	JobID     string `json:"jobId,omitempty"`
}

// SendFilter sees every outbound content for a session and may suppress
// delivery by returning false.
type SendFilter func(content string) bool

// Session is the conversational state attached to one chat endpoint.
//
// History, OpenedFiles, PendingToolMessages and PendingImages are mutated
// only while the busy gate is held, so turns never race on them. The gate
// itself, the send filter, and the activity clock are guarded by mu.
type Session struct {
	ID        string
	AgentSlug string
	Channel   ChannelKind
	Meta      SessionMeta

	History             []Message
	OpenedFiles         []string
	PendingToolMessages []Message
	PendingImages       []Content

	// LastMessageID is the channel id of the latest inbound message,
	// used as the default reaction target.
	LastMessageID string

	mu           sync.Mutex
	busy         bool
	sendFilter   SendFilter
	lastActivity int64
}

// DiscordSessionID returns the canonical session id for a Discord channel:
// "discord:{channelId}" or "discord:{channelId}|{guildId}".
func DiscordSessionID(channelID, guildID string) string {
	id := "discord:" + channelID
	if guildID != "" {
		id += "|" + guildID
	}
	return id
}

// MatrixSessionID returns the canonical session id for a Matrix room.
func MatrixSessionID(roomID string) string {
	return "matrix:" + roomID
}

// NewDiscordSession builds a discord-channel session. The id embeds the
// guild id when present: "discord:{channelId}|{guildId}".
func NewDiscordSession(agentSlug, channelID, guildID string, nsfw bool) *Session {
	return &Session{
		ID:        DiscordSessionID(channelID, guildID),
		AgentSlug: agentSlug,
		Channel:   ChannelDiscord,
		Meta:      SessionMeta{ChannelID: channelID, GuildID: guildID, IsNSFW: nsfw},
	}
}

// NewMatrixSession builds a matrix-channel session with id "matrix:{roomId}".
func NewMatrixSession(agentSlug, roomID string) *Session {
	return &Session{
		ID:        MatrixSessionID(roomID),
		AgentSlug: agentSlug,
		Channel:   ChannelMatrix,
		Meta:      SessionMeta{RoomID: roomID},
	}
}

// NewInternalSession builds an ephemeral session for an isolated cron run.
// Internal sessions are never persisted. The id is "cron:{jobId}".
func NewInternalSession(agentSlug, jobID string) *Session {
	return &Session{
		ID:        "cron:" + jobID,
		AgentSlug: agentSlug,
		Channel:   ChannelInternal,
		Meta:      SessionMeta{JobID: jobID},
	}
}

// TryAcquire flips the busy gate from false to true. It returns false when a
// turn is already executing in this session.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// Acquire attempts TryAcquire for up to wait, polling at poll intervals.
// User-driven turns use (5s, 500ms) and drop the event on failure.
func (s *Session) Acquire(ctx context.Context, wait, poll time.Duration) bool {
	if s.TryAcquire() {
		return true
	}
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if s.TryAcquire() {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

// Release clears the busy gate. Callers release exactly once per acquisition,
// in a defer covering the whole turn.
func (s *Session) Release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports the gate state without acquiring it.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// SetSendFilter installs a filter and returns the previous one so callers
// can restore it.
func (s *Session) SetSendFilter(f SendFilter) SendFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.sendFilter
	s.sendFilter = f
	return prev
}

// FilterSend runs the installed filter against content. True means deliver.
func (s *Session) FilterSend(content string) bool {
	s.mu.Lock()
	f := s.sendFilter
	s.mu.Unlock()
	if f == nil {
		return true
	}
	return f(content)
}

// Touch records activity now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().Unix()
	s.mu.Unlock()
}

// LastActivity returns the unix time of the most recent turn activity.
func (s *Session) LastActivity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetLastActivity restores the activity clock, used when loading sessions.
func (s *Session) SetLastActivity(t int64) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}

// Pin adds a virtual path to the opened-files set. It returns the resulting
// set; pinning an already pinned path is a no-op.
func (s *Session) Pin(path string) []string {
	if !slices.Contains(s.OpenedFiles, path) {
		s.OpenedFiles = append(s.OpenedFiles, path)
	}
	return s.OpenedFiles
}

// Unpin removes a virtual path from the opened-files set and reports whether
// it was present.
func (s *Session) Unpin(path string) ([]string, bool) {
	i := slices.Index(s.OpenedFiles, path)
	if i < 0 {
		return s.OpenedFiles, false
	}
	s.OpenedFiles = slices.Delete(s.OpenedFiles, i, i+1)
	return s.OpenedFiles, true
}

// QueueImage appends an image content to the pending-images queue. The next
// engine iteration drains the queue into one synthetic user message.
func (s *Session) QueueImage(c Content) {
	s.PendingImages = append(s.PendingImages, c)
}

// SessionSnapshot is the flattened persistence view of a session.
type SessionSnapshot struct {
	ID           string
	Channel      ChannelKind
	Meta         SessionMeta
	History      []Message
	OpenedFiles  []string
	LastActivity int64
}

// Snapshot copies the persistable state. The history slice is copied so the
// store can walk it after the session moves on.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	last := s.lastActivity
	s.mu.Unlock()
	return SessionSnapshot{
		ID:           s.ID,
		Channel:      s.Channel,
		Meta:         s.Meta,
		History:      slices.Clone(s.History),
		OpenedFiles:  slices.Clone(s.OpenedFiles),
		LastActivity: last,
	}
}

// RestoreSession rebuilds a live session from a persisted snapshot.
func RestoreSession(agentSlug string, snap SessionSnapshot) *Session {
	return &Session{
		ID:           snap.ID,
		AgentSlug:    agentSlug,
		Channel:      snap.Channel,
		Meta:         snap.Meta,
		History:      snap.History,
		OpenedFiles:  snap.OpenedFiles,
		lastActivity: snap.LastActivity,
	}
}
