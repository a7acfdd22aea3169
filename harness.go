package cireilclaw

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Busy-gate wait for user-driven turns: poll for up to busyWait, then drop
// the event.
const (
	busyWait = 5 * time.Second
	busyPoll = 500 * time.Millisecond
)

// SendFunc delivers one outbound chunk to a channel.
type SendFunc func(ctx context.Context, session *Session, content string, attachments []Attachment) error

// ReactFunc adds an emoji reaction to a channel message.
type ReactFunc func(ctx context.Context, session *Session, emoji, messageID string) error

// DownloadFunc fetches the attachments of a channel message.
type DownloadFunc func(ctx context.Context, session *Session, messageID string) ([]FileInfo, error)

// TypingFunc triggers the channel's typing indicator.
type TypingFunc func(ctx context.Context, session *Session) error

// ScheduleSource loads the current heartbeat and cron configuration for an
// agent slug. The harness consults it when (re)building schedulers so a
// reload picks up edited files.
type ScheduleSource func(slug string) (*HeartbeatConfig, []CronJob, error)

// Harness is the process-wide registry: agents, their schedulers, the turn
// engine, and the debounced session saver. It is initialized once at startup;
// the agent map is append-only until shutdown.
type Harness struct {
	engine     *Engine
	engineOpts []EngineOption
	saver      *saver
	source     ScheduleSource
	logger     *slog.Logger

	mu         sync.RWMutex
	agents     map[string]*Agent
	schedulers map[string]*Scheduler
	runCtx     context.Context
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

// WithHarnessLogger sets the structured logger. Defaults to a no-op logger.
func WithHarnessLogger(l *slog.Logger) HarnessOption {
	return func(h *Harness) { h.logger = l }
}

// WithScheduleSource wires the schedulable-config loader used by
// StartSchedulers and ReloadScheduler.
func WithScheduleSource(fn ScheduleSource) HarnessOption {
	return func(h *Harness) { h.source = fn }
}

// WithSaveDebounce overrides the session write-back delay.
func WithSaveDebounce(d time.Duration) HarnessOption {
	return func(h *Harness) { h.saver = newSaver(d) }
}

// WithTurnIterations caps tool-calling iterations per turn.
func WithTurnIterations(n int) HarnessOption {
	return func(h *Harness) { h.engineOpts = append(h.engineOpts, WithMaxIterations(n)) }
}

// WithHarnessTurnHook installs a turn observer on the engine.
func WithHarnessTurnHook(fn TurnHook) HarnessOption {
	return func(h *Harness) { h.engineOpts = append(h.engineOpts, WithTurnHook(fn)) }
}

// NewHarness creates the harness and its engine around a provider factory.
func NewHarness(factory ProviderFactory, opts ...HarnessOption) *Harness {
	h := &Harness{
		saver:      newSaver(saveDebounce),
		logger:     nopLogger,
		agents:     make(map[string]*Agent),
		schedulers: make(map[string]*Scheduler),
	}
	for _, opt := range opts {
		opt(h)
	}
	engineOpts := append([]EngineOption{WithEngineLogger(h.logger)}, h.engineOpts...)
	h.engine = NewEngine(factory, h, engineOpts...)
	return h
}

// Engine returns the shared turn engine.
func (h *Harness) Engine() *Engine { return h.engine }

// --- agents ---

// InitAgent opens the agent's store, restores its persisted sessions, and
// registers it. Call once per agent before StartSchedulers.
func (h *Harness) InitAgent(ctx context.Context, agent *Agent) error {
	if agent.Store != nil {
		if err := agent.Store.Init(ctx); err != nil {
			return fmt.Errorf("agent %s: init store: %w", agent.Slug, err)
		}
		snaps, err := agent.Store.LoadSessions(ctx)
		if err != nil {
			return fmt.Errorf("agent %s: load sessions: %w", agent.Slug, err)
		}
		for _, snap := range snaps {
			agent.PutSession(RestoreSession(agent.Slug, snap))
		}
		h.logger.Info("agent ready", "agent", agent.Slug, "sessions", len(snaps))
	}
	h.mu.Lock()
	h.agents[agent.Slug] = agent
	h.mu.Unlock()
	return nil
}

// Agent looks up a registered agent by slug.
func (h *Harness) Agent(slug string) (*Agent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[slug]
	return a, ok
}

// Agents returns all registered agents in unspecified order.
func (h *Harness) Agents() []*Agent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Agent, 0, len(h.agents))
	for _, a := range h.agents {
		out = append(out, a)
	}
	return out
}

// --- channel handler registration ---

// RegisterSend installs an agent's send handler for a channel kind.
func (h *Harness) RegisterSend(slug string, kind ChannelKind, fn SendFunc) {
	if agent, ok := h.Agent(slug); ok {
		agent.RegisterSend(kind, fn)
	}
}

// RegisterReact installs an agent's reaction handler for a channel kind.
func (h *Harness) RegisterReact(slug string, kind ChannelKind, fn ReactFunc) {
	if agent, ok := h.Agent(slug); ok {
		agent.RegisterReact(kind, fn)
	}
}

// RegisterDownload installs an agent's download handler for a channel kind.
func (h *Harness) RegisterDownload(slug string, kind ChannelKind, fn DownloadFunc) {
	if agent, ok := h.Agent(slug); ok {
		agent.RegisterDownload(kind, fn)
	}
}

// RegisterTyping installs an agent's typing handler for a channel kind.
func (h *Harness) RegisterTyping(slug string, kind ChannelKind, fn TypingFunc) {
	if agent, ok := h.Agent(slug); ok {
		agent.RegisterTyping(kind, fn)
	}
}

// --- outbound dispatch ---

// Send delivers content to a session's channel. The send filter sees the
// full content first and may suppress it; internal sessions swallow output;
// everything else is chunked and handed to the channel handler, attachments
// riding on the final chunk.
func (h *Harness) Send(ctx context.Context, session *Session, content string, attachments []Attachment) error {
	if !session.FilterSend(content) {
		return nil
	}
	if session.Channel == ChannelInternal {
		return nil
	}
	agent, ok := h.Agent(session.AgentSlug)
	if !ok {
		return fmt.Errorf("unknown agent %s", session.AgentSlug)
	}
	fn := agent.sendHandler(session.Channel)
	if fn == nil {
		return fmt.Errorf("agent %s: no send handler for channel %s", agent.Slug, session.Channel)
	}
	chunks := ChunkMessage(content, ChunkLimit)
	if len(chunks) == 0 {
		if len(attachments) == 0 {
			return nil
		}
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		var atts []Attachment
		if i == len(chunks)-1 {
			atts = attachments
		}
		if err := fn(ctx, session, chunk, atts); err != nil {
			return fmt.Errorf("send to %s: %w", session.ID, err)
		}
	}
	return nil
}

// React adds an emoji reaction via the session's channel.
func (h *Harness) React(ctx context.Context, session *Session, emoji, messageID string) error {
	agent, ok := h.Agent(session.AgentSlug)
	if !ok {
		return fmt.Errorf("unknown agent %s", session.AgentSlug)
	}
	fn := agent.reactHandler(session.Channel)
	if fn == nil {
		return fmt.Errorf("channel %s does not support reactions", session.Channel)
	}
	return fn(ctx, session, emoji, messageID)
}

// Download fetches a channel message's attachments.
func (h *Harness) Download(ctx context.Context, session *Session, messageID string) ([]FileInfo, error) {
	agent, ok := h.Agent(session.AgentSlug)
	if !ok {
		return nil, fmt.Errorf("unknown agent %s", session.AgentSlug)
	}
	fn := agent.downloadHandler(session.Channel)
	if fn == nil {
		return nil, fmt.Errorf("channel %s does not support downloads", session.Channel)
	}
	return fn(ctx, session, messageID)
}

// Typing triggers the channel typing indicator; channels without one ignore
// it.
func (h *Harness) Typing(ctx context.Context, session *Session) {
	agent, ok := h.Agent(session.AgentSlug)
	if !ok {
		return
	}
	fn := agent.typingHandler(session.Channel)
	if fn == nil {
		return
	}
	if err := fn(ctx, session); err != nil {
		h.logger.Debug("typing indicator", "session", session.ID, "error", err)
	}
}

// ScheduleJob persists a dynamic job and arms it on the agent's live
// scheduler. The schedule tool lands here.
func (h *Harness) ScheduleJob(ctx context.Context, agent *Agent, job CronJob) error {
	sched := h.Scheduler(agent.Slug)
	if sched == nil {
		return fmt.Errorf("agent %s has no running scheduler", agent.Slug)
	}
	return sched.AddJob(ctx, job)
}

// --- turns ---

// DeliverUserMessage runs one full user turn: acquire the busy gate (waiting
// up to 5s, dropping the event if still busy), append the message, run the
// engine, roll back on failure, and schedule a debounced save.
func (h *Harness) DeliverUserMessage(ctx context.Context, agent *Agent, session *Session, msg Message) error {
	if !session.Acquire(ctx, busyWait, busyPoll) {
		h.logger.Warn("session busy, dropping message", "agent", agent.Slug, "session", session.ID)
		return fmt.Errorf("session %s is busy", session.ID)
	}
	defer session.Release()

	preLen := len(session.History)
	session.History = append(session.History, msg)

	err := h.engine.Run(ctx, agent, session, TurnOptions{})
	if err != nil {
		h.logger.Error("turn failed", "agent", agent.Slug, "session", session.ID, "error", err)
		rollbackTurn(session, preLen)
		h.reportTurnError(ctx, session, err)
	}
	session.Touch()
	h.SaveSession(agent, session)
	return err
}

// rollbackTurn restores history to its pre-turn length and drops stranded
// pending state so the next turn starts clean.
func rollbackTurn(session *Session, preLen int) {
	if len(session.History) > preLen {
		session.History = session.History[:preLen]
	}
	session.PendingToolMessages = nil
	session.PendingImages = nil
}

// reportTurnError tells the user the turn died. Best-effort: a failing
// channel only logs.
func (h *Harness) reportTurnError(ctx context.Context, session *Session, turnErr error) {
	content := "engine error: " + turnErr.Error()
	if err := h.Send(ctx, session, content, nil); err != nil {
		h.logger.Warn("reporting turn error", "session", session.ID, "error", err)
	}
}

// --- persistence ---

// SaveSession schedules a debounced write-back. Internal sessions are never
// persisted.
func (h *Harness) SaveSession(agent *Agent, session *Session) {
	if session.Channel == ChannelInternal || agent.Store == nil {
		return
	}
	key := agent.Slug + "/" + session.ID
	h.saver.schedule(key, func() {
		h.persistSession(agent, session)
	})
}

// FlushAllSessions cancels pending debounced saves and writes every live
// session synchronously. Runs on shutdown.
func (h *Harness) FlushAllSessions() {
	h.saver.cancelAll()
	for _, agent := range h.Agents() {
		if agent.Store == nil {
			continue
		}
		for _, session := range agent.Sessions() {
			h.persistSession(agent, session)
		}
	}
}

func (h *Harness) persistSession(agent *Agent, session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := agent.Store.SaveSession(ctx, session.Snapshot()); err != nil {
		h.logger.Error("saving session", "agent", agent.Slug, "session", session.ID, "error", err)
	}
}

// --- schedulers ---

// StartSchedulers builds and starts one scheduler per registered agent. The
// context's cancellation stops every timer.
func (h *Harness) StartSchedulers(ctx context.Context) {
	h.mu.Lock()
	h.runCtx = ctx
	h.mu.Unlock()
	for _, agent := range h.Agents() {
		h.startScheduler(ctx, agent)
	}
}

func (h *Harness) startScheduler(ctx context.Context, agent *Agent) {
	var hb *HeartbeatConfig
	var jobs []CronJob
	if h.source != nil {
		var err error
		hb, jobs, err = h.source(agent.Slug)
		if err != nil {
			h.logger.Error("loading schedule config", "agent", agent.Slug, "error", err)
		}
	}
	sched := NewScheduler(agent, h.engine, h, hb, jobs, WithSchedulerLogger(h.logger))
	h.mu.Lock()
	h.schedulers[agent.Slug] = sched
	h.mu.Unlock()
	sched.Start(ctx)
}

// StopSchedulers stops every scheduler and clears the registry.
func (h *Harness) StopSchedulers() {
	h.mu.Lock()
	scheds := make([]*Scheduler, 0, len(h.schedulers))
	for slug, s := range h.schedulers {
		scheds = append(scheds, s)
		delete(h.schedulers, slug)
	}
	h.mu.Unlock()
	for _, s := range scheds {
		s.Stop()
	}
}

// ReloadScheduler tears down one agent's scheduler and rebuilds it from the
// current config. Config hot-reload lands here.
func (h *Harness) ReloadScheduler(slug string) {
	h.mu.Lock()
	old := h.schedulers[slug]
	delete(h.schedulers, slug)
	ctx := h.runCtx
	agent := h.agents[slug]
	h.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	if agent == nil || ctx == nil || ctx.Err() != nil {
		return
	}
	h.startScheduler(ctx, agent)
}

// Scheduler returns an agent's live scheduler, or nil.
func (h *Harness) Scheduler(slug string) *Scheduler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.schedulers[slug]
}

// --- shutdown ---

// Shutdown drains the process: schedulers stop, sessions flush, stores
// close.
func (h *Harness) Shutdown() {
	h.StopSchedulers()
	h.FlushAllSessions()
	for _, agent := range h.Agents() {
		if agent.Store == nil {
			continue
		}
		if err := agent.Store.Close(); err != nil {
			h.logger.Warn("closing store", "agent", agent.Slug, "error", err)
		}
	}
	h.logger.Info("harness shut down")
}
