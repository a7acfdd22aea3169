package cireilclaw

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Terminal tools end a turn unless their output reports final=false.
const (
	ToolRespond    = "respond"
	ToolNoResponse = "no-response"
)

// Tool-choice modes passed to the provider.
const (
	ToolChoiceRequired = "required"
	ToolChoiceAuto     = "auto"
)

// DefaultMaxIterations bounds tool-calling iterations within one turn.
const DefaultMaxIterations = 50

// kimiToolNudge is appended as a system message for models that mishandle
// tool_choice=required (see isKimi25).
const kimiToolNudge = "You must respond by calling one of the provided tools. " +
	"Plain text replies are never delivered to the user; call the respond tool to speak."

// Sender bridges turns to the process harness: outbound channel capabilities
// plus live job scheduling. *Harness implements it.
type Sender interface {
	Send(ctx context.Context, session *Session, content string, attachments []Attachment) error
	React(ctx context.Context, session *Session, emoji, messageID string) error
	Download(ctx context.Context, session *Session, messageID string) ([]FileInfo, error)
	ScheduleJob(ctx context.Context, agent *Agent, job CronJob) error
}

// TurnOptions tweak a single engine run.
type TurnOptions struct {
	// Model overrides the configured model for this turn only, used by
	// heartbeat and cron model overrides.
	Model string
}

// TurnHook observes completed turns. The engine calls it once per Run with
// the wall-clock duration and the terminal error, nil on success.
type TurnHook func(ctx context.Context, agent *Agent, session *Session, d time.Duration, err error)

// Engine drives a session through one turn: assemble context, call the
// provider, commit messages, dispatch tool calls, loop until a terminal
// respond or no-response.
type Engine struct {
	factory  ProviderFactory
	sender   Sender
	maxIter  int
	logger   *slog.Logger
	now      func() time.Time
	turnHook TurnHook
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the structured logger. Defaults to a no-op logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMaxIterations caps tool-calling iterations per turn.
func WithMaxIterations(n int) EngineOption {
	return func(e *Engine) { e.maxIter = n }
}

// WithTurnHook installs a turn observer.
func WithTurnHook(fn TurnHook) EngineOption {
	return func(e *Engine) { e.turnHook = fn }
}

// withNow overrides the engine clock in tests.
func withNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a turn engine.
func NewEngine(factory ProviderFactory, sender Sender, opts ...EngineOption) *Engine {
	e := &Engine{
		factory: factory,
		sender:  sender,
		maxIter: DefaultMaxIterations,
		logger:  nopLogger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one turn against session. The caller has already appended the
// triggering user message to session.History and holds the session's busy
// gate. On error the session may hold a stranded user message: rolling
// history back to the pre-turn length is the caller's duty.
func (e *Engine) Run(ctx context.Context, agent *Agent, session *Session, opts TurnOptions) error {
	start := e.now()
	err := e.run(ctx, agent, session, opts)
	if e.turnHook != nil {
		e.turnHook(ctx, agent, session, e.now().Sub(start), err)
	}
	return err
}

func (e *Engine) run(ctx context.Context, agent *Agent, session *Session, opts TurnOptions) error {
	cfg := agent.EngineConfig()
	if cfg == nil || cfg.APIBase == "" {
		return fmt.Errorf("agent %s: no engine configured", agent.Slug)
	}
	apiBase, apiKey, model := cfg.Resolve(session.Channel, overrideKey(session))
	if opts.Model != "" {
		model = opts.Model
	}
	provider := e.factory(apiBase, apiKey, model)

	for iter := 0; iter < e.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		drainPendingImages(session)

		req := ChatRequest{
			System:     BuildSystemPrompt(agent, session, e.now()),
			Messages:   buildTurnMessages(session.History, session.PendingToolMessages),
			Tools:      agent.Tools.Definitions(),
			ToolChoice: ToolChoiceRequired,
		}
		if isKimi25(model) {
			req.ToolChoice = ToolChoiceAuto
			req.Messages = append(req.Messages, SystemText(kimiToolNudge))
		}

		start := e.now()
		resp, err := provider.Chat(ctx, req)
		if err != nil {
			return fmt.Errorf("provider %s: %w", provider.Name(), err)
		}
		e.logger.Debug("provider call",
			"agent", agent.Slug,
			"session", session.ID,
			"model", model,
			"iteration", iter,
			"finish", resp.FinishReason,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"duration", time.Since(start))

		if resp.FinishReason == FinishContentFilter {
			return &TurnError{Kind: ContentFiltered, Detail: "provider flagged the completion"}
		}
		if resp.FinishReason != FinishToolCalls {
			return &TurnError{Kind: UnexpectedFinish, Detail: fmt.Sprintf("finish reason %q", resp.FinishReason)}
		}
		calls := resp.Message.ToolCalls()
		if len(calls) == 0 {
			return &TurnError{Kind: UnexpectedFinish, Detail: "assistant message carries no tool calls"}
		}

		// Commit order: pending tool responses first, then the assistant
		// message that consumed them.
		session.History = append(session.History, session.PendingToolMessages...)
		session.PendingToolMessages = nil
		session.History = append(session.History, resp.Message)

		tc := e.toolContext(agent, session)
		done := false
		for _, call := range calls {
			output := e.dispatch(ctx, agent, session, call, tc)
			session.PendingToolMessages = append(session.PendingToolMessages,
				ToolResponseMessage(call.ID, call.Name, output.EncodeOutput()))
			if (call.Name == ToolRespond || call.Name == ToolNoResponse) && output.Final() {
				done = true
			}
		}
		if done {
			session.History = append(session.History, session.PendingToolMessages...)
			session.PendingToolMessages = nil
			session.Touch()
			return nil
		}
	}
	return &TurnError{Kind: UnexpectedFinish, Detail: fmt.Sprintf("turn did not settle within %d iterations", e.maxIter)}
}

// dispatch runs one tool call. Unexpected tool errors become failure outputs
// so the model can react instead of the turn aborting.
func (e *Engine) dispatch(ctx context.Context, agent *Agent, session *Session, call Content, tc *ToolContext) ToolResult {
	start := e.now()
	result, err := agent.Tools.Execute(ctx, call.Name, call.Input, tc)
	if err != nil {
		e.logger.Error("tool execution failed",
			"agent", agent.Slug, "session", session.ID, "tool", call.Name, "error", err)
		result = Fail("tool failed: " + err.Error())
	}
	e.logger.Debug("tool executed",
		"agent", agent.Slug, "session", session.ID, "tool", call.Name,
		"success", result.Output["success"], "duration", time.Since(start))
	return result
}

func (e *Engine) toolContext(agent *Agent, session *Session) *ToolContext {
	return &ToolContext{
		AgentSlug: agent.Slug,
		AgentRoot: agent.Root,
		Session:   session,
		Logger:    agent.Logger(),
		Send: func(ctx context.Context, content string, attachments []Attachment) error {
			return e.sender.Send(ctx, session, content, attachments)
		},
		React: func(ctx context.Context, emoji, messageID string) error {
			return e.sender.React(ctx, session, emoji, messageID)
		},
		Download: func(ctx context.Context, messageID string) ([]FileInfo, error) {
			return e.sender.Download(ctx, session, messageID)
		},
		Schedule: func(ctx context.Context, job CronJob) error {
			return e.sender.ScheduleJob(ctx, agent, job)
		},
	}
}

// drainPendingImages moves queued images into one synthetic user message at
// the tail of the pending tool responses. OpenAI-shaped APIs accept images
// only under the user role, after their matching tool responses.
func drainPendingImages(session *Session) {
	if len(session.PendingImages) == 0 {
		return
	}
	msg := Message{Role: RoleUser, Content: session.PendingImages}
	session.PendingImages = nil
	session.PendingToolMessages = append(session.PendingToolMessages, msg)
}

// isKimi25 detects model identifiers that reject tool_choice=required.
func isKimi25(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "kimi") && strings.Contains(m, "2.5")
}
