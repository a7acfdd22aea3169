package cireilclaw

import (
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// EngineOverride is a partial engine config keyed by channel sub-key.
// Empty fields inherit from the agent's base config.
type EngineOverride struct {
	APIBase string `json:"apiBase,omitempty" toml:"apiBase"`
	APIKey  string `json:"apiKey,omitempty" toml:"apiKey"`
	Model   string `json:"model,omitempty" toml:"model"`
}

// EngineConfig selects the provider endpoint and model for an agent.
// ChannelOverrides maps channel kind -> sub-key (guild id for Discord, room
// id for Matrix) -> partial override.
type EngineConfig struct {
	APIBase          string
	APIKey           string
	Model            string
	ChannelOverrides map[ChannelKind]map[string]EngineOverride
}

// Resolve returns the effective endpoint for a session's channel sub-key.
func (c *EngineConfig) Resolve(channel ChannelKind, subKey string) (apiBase, apiKey, model string) {
	apiBase, apiKey, model = c.APIBase, c.APIKey, c.Model
	if subKey == "" {
		return
	}
	ov, ok := c.ChannelOverrides[channel][subKey]
	if !ok {
		return
	}
	if ov.APIBase != "" {
		apiBase = ov.APIBase
	}
	if ov.APIKey != "" {
		apiKey = ov.APIKey
	}
	if ov.Model != "" {
		model = ov.Model
	}
	return
}

// overrideKey picks the channel sub-key the engine consults for a session.
func overrideKey(s *Session) string {
	switch s.Channel {
	case ChannelDiscord:
		return s.Meta.GuildID
	case ChannelMatrix:
		return s.Meta.RoomID
	}
	return ""
}

// Agent is one hosted principal: a slug, a filesystem root, an engine
// config, a tool registry, a session map, and a session store.
type Agent struct {
	Slug  string
	Root  string
	Tools *ToolRegistry
	Store SessionStore

	engine atomic.Pointer[EngineConfig]

	mu        sync.RWMutex
	sessions  map[string]*Session
	sends     map[ChannelKind]SendFunc
	reacts    map[ChannelKind]ReactFunc
	downloads map[ChannelKind]DownloadFunc
	typings   map[ChannelKind]TypingFunc

	logger *slog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentLogger sets the structured logger. Defaults to a no-op logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an agent rooted at root (the {root}/agents/{slug}
// directory) with its initial engine config.
func NewAgent(slug, root string, cfg *EngineConfig, opts ...AgentOption) *Agent {
	a := &Agent{
		Slug:     slug,
		Root:     root,
		Tools:    NewToolRegistry(),
		sessions: make(map[string]*Session),
		logger:   nopLogger,
	}
	a.engine.Store(cfg)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EngineConfig returns the current engine config. Hot reload swaps the
// pointer atomically, so callers must not mutate the result.
func (a *Agent) EngineConfig() *EngineConfig { return a.engine.Load() }

// SetEngineConfig swaps the engine config atomically.
func (a *Agent) SetEngineConfig(cfg *EngineConfig) { a.engine.Store(cfg) }

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// --- session map ---

// Session looks up a session by id.
func (a *Agent) Session(id string) (*Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	return s, ok
}

// PutSession registers a session. Internal sessions are not registered; they
// live only for the duration of their cron run.
func (a *Agent) PutSession(s *Session) {
	if s.Channel == ChannelInternal {
		return
	}
	a.mu.Lock()
	a.sessions[s.ID] = s
	a.mu.Unlock()
}

// RemoveSession drops a session from the map.
func (a *Agent) RemoveSession(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Sessions returns the current sessions in unspecified order.
func (a *Agent) Sessions() []*Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// LastActiveSession returns the session with the greatest lastActivity, or
// nil when the agent has none.
func (a *Agent) LastActiveSession() *Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var best *Session
	var bestAt int64
	for _, s := range a.sessions {
		if at := s.LastActivity(); best == nil || at > bestAt {
			best, bestAt = s, at
		}
	}
	return best
}

// --- channel handlers ---

// RegisterSend installs the outbound handler for one channel kind. Channel
// adapters call this once at startup.
func (a *Agent) RegisterSend(kind ChannelKind, fn SendFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sends == nil {
		a.sends = make(map[ChannelKind]SendFunc)
	}
	a.sends[kind] = fn
}

// RegisterReact installs the reaction handler for one channel kind.
func (a *Agent) RegisterReact(kind ChannelKind, fn ReactFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reacts == nil {
		a.reacts = make(map[ChannelKind]ReactFunc)
	}
	a.reacts[kind] = fn
}

// RegisterDownload installs the attachment-download handler for one channel
// kind.
func (a *Agent) RegisterDownload(kind ChannelKind, fn DownloadFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.downloads == nil {
		a.downloads = make(map[ChannelKind]DownloadFunc)
	}
	a.downloads[kind] = fn
}

// RegisterTyping installs the typing-indicator handler for one channel kind.
func (a *Agent) RegisterTyping(kind ChannelKind, fn TypingFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.typings == nil {
		a.typings = make(map[ChannelKind]TypingFunc)
	}
	a.typings[kind] = fn
}

func (a *Agent) sendHandler(kind ChannelKind) SendFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sends[kind]
}

func (a *Agent) reactHandler(kind ChannelKind) ReactFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reacts[kind]
}

func (a *Agent) downloadHandler(kind ChannelKind) DownloadFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.downloads[kind]
}

func (a *Agent) typingHandler(kind ChannelKind) TypingFunc {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.typings[kind]
}

// --- derived paths ---

func (a *Agent) WorkspaceDir() string { return filepath.Join(a.Root, "workspace") }
func (a *Agent) MemoriesDir() string  { return filepath.Join(a.Root, "memories") }
func (a *Agent) BlocksDir() string    { return filepath.Join(a.Root, "blocks") }
func (a *Agent) SkillsDir() string    { return filepath.Join(a.Root, "skills") }
func (a *Agent) ImagesDir() string    { return filepath.Join(a.Root, "images") }
func (a *Agent) ConfigDir() string    { return filepath.Join(a.Root, "config") }
func (a *Agent) CoreFile() string     { return filepath.Join(a.Root, "core.md") }

// HeartbeatFile is the checklist the heartbeat requires to be non-empty.
func (a *Agent) HeartbeatFile() string {
	return filepath.Join(a.WorkspaceDir(), "HEARTBEAT.md")
}
