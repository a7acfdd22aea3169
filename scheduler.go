package cireilclaw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const storeOpTimeout = 10 * time.Second

// stopHandle cancels one scheduled loop and reports when it has exited.
type stopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns one agent's timers: the heartbeat plus one loop per cron
// job. Every loop observes the start context; Stop cancels and waits.
type Scheduler struct {
	agent   *Agent
	engine  *Engine
	harness *Harness
	hb      *HeartbeatConfig
	jobs    []CronJob
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	heartbeat *stopHandle
	cronStops map[string]*stopHandle
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the structured logger. Defaults to a no-op logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// withSchedulerNow overrides the clock in tests.
func withSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a scheduler for one agent from its heartbeat config
// and cron jobs. hb may be nil.
func NewScheduler(agent *Agent, engine *Engine, harness *Harness, hb *HeartbeatConfig, jobs []CronJob, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		agent:     agent,
		engine:    engine,
		harness:   harness,
		hb:        hb,
		jobs:      jobs,
		logger:    nopLogger,
		now:       time.Now,
		cronStops: make(map[string]*stopHandle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the heartbeat, the configured cron jobs, and any persisted
// dynamic jobs. Cancelling ctx stops every timer.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runCtx = ctx
	s.mu.Unlock()

	if s.hb != nil && s.hb.Enabled {
		if s.hb.Interval() <= 0 {
			s.logger.Warn("heartbeat disabled: non-positive interval", "agent", s.agent.Slug)
		} else {
			hbCtx, cancel := context.WithCancel(ctx)
			h := &stopHandle{cancel: cancel, done: make(chan struct{})}
			s.mu.Lock()
			s.heartbeat = h
			s.mu.Unlock()
			go s.heartbeatLoop(hbCtx, h.done)
			s.logger.Info("heartbeat armed", "agent", s.agent.Slug, "interval", s.hb.Interval())
		}
	}

	for _, job := range s.jobs {
		s.armJob(ctx, job, true)
	}
	s.armPersisted(ctx)
}

// Stop cancels every loop, waits for them to exit, and clears the handles.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	handles := make([]*stopHandle, 0, len(s.cronStops)+1)
	if s.heartbeat != nil {
		handles = append(handles, s.heartbeat)
		s.heartbeat = nil
	}
	for id, h := range s.cronStops {
		handles = append(handles, h)
		delete(s.cronStops, id)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
	s.logger.Info("scheduler stopped", "agent", s.agent.Slug)
}

// AddJob persists a dynamic job and arms it on the live scheduler. The
// schedule tool lands here via the harness.
func (s *Scheduler) AddJob(ctx context.Context, job CronJob) error {
	job.Normalize()
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	running := s.running
	runCtx := s.runCtx
	_, armed := s.cronStops[job.ID]
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("scheduler for %s is not running", s.agent.Slug)
	}
	if armed {
		return fmt.Errorf("job %s is already scheduled", job.ID)
	}
	if s.agent.Store != nil {
		if err := s.agent.Store.SaveCronJob(ctx, NewCronJobRow(job, s.now())); err != nil {
			return fmt.Errorf("persist job %s: %w", job.ID, err)
		}
	}
	s.armJob(runCtx, job, false)
	return nil
}

// armJob validates and launches one job loop. fromConfig jobs get a
// bookkeeping row (without the config payload) so lastRun survives restarts
// while cron.toml stays the source of truth.
func (s *Scheduler) armJob(ctx context.Context, job CronJob, fromConfig bool) {
	job.Normalize()
	if !job.Enabled {
		return
	}
	if err := job.Validate(); err != nil {
		s.logger.Warn("skipping invalid cron job", "agent", s.agent.Slug, "error", err)
		return
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if _, exists := s.cronStops[job.ID]; exists {
		s.mu.Unlock()
		s.logger.Warn("cron job already armed", "agent", s.agent.Slug, "job", job.ID)
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	h := &stopHandle{cancel: cancel, done: make(chan struct{})}
	s.cronStops[job.ID] = h
	s.mu.Unlock()

	if fromConfig && s.agent.Store != nil {
		row := NewCronJobRow(job, s.now())
		row.Config = CronJob{}
		opCtx, opCancel := context.WithTimeout(ctx, storeOpTimeout)
		if err := s.agent.Store.SaveCronJob(opCtx, row); err != nil {
			s.logger.Warn("recording cron job", "job", job.ID, "error", err)
		}
		opCancel()
	}

	go s.jobLoop(jobCtx, job, h.done)
	s.logger.Info("cron job armed", "agent", s.agent.Slug, "job", job.ID)
}

// armPersisted re-arms dynamic jobs stored by the schedule tool. Rows
// without a config payload belong to cron.toml jobs and are skipped.
func (s *Scheduler) armPersisted(ctx context.Context) {
	if s.agent.Store == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()
	rows, err := s.agent.Store.ListCronJobs(opCtx)
	if err != nil {
		s.logger.Error("listing persisted cron jobs", "agent", s.agent.Slug, "error", err)
		return
	}
	for _, row := range rows {
		if row.Config.ID == "" {
			continue
		}
		s.armJob(ctx, row.Config, false)
	}
}

func (s *Scheduler) clearHandle(id string) {
	s.mu.Lock()
	delete(s.cronStops, id)
	s.mu.Unlock()
}

// --- heartbeat ---

func (s *Scheduler) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := s.hb.Interval()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runHeartbeat(ctx)
			timer.Reset(interval)
		}
	}
}

// runHeartbeat executes one heartbeat tick against the resolved target.
func (s *Scheduler) runHeartbeat(ctx context.Context) {
	cfg := s.hb
	if cfg.ActiveHours != nil && !cfg.ActiveHours.Contains(s.now()) {
		return
	}
	checklist, err := os.ReadFile(s.agent.HeartbeatFile())
	if err != nil || len(bytes.TrimSpace(checklist)) == 0 {
		s.logger.Debug("heartbeat skipped: no checklist", "agent", s.agent.Slug)
		return
	}
	session := s.resolveTarget(cfg.Target)
	if session == nil {
		s.logger.Debug("heartbeat skipped: no target session", "agent", s.agent.Slug)
		return
	}
	if !session.TryAcquire() {
		s.logger.Debug("heartbeat skipped: session busy", "agent", s.agent.Slug, "session", session.ID)
		return
	}
	defer session.Release()

	prev := session.SetSendFilter(cfg.Visibility.Deliver)
	defer session.SetSendFilter(prev)

	if cfg.Visibility.UseIndicator {
		s.harness.Typing(ctx, session)
	}

	preLen := len(session.History)
	session.History = append(session.History, UserText(HeartbeatPrompt(string(checklist))))
	if err := s.engine.Run(ctx, s.agent, session, TurnOptions{Model: cfg.Model}); err != nil {
		s.logger.Error("heartbeat turn failed", "agent", s.agent.Slug, "session", session.ID, "error", err)
		rollbackTurn(session, preLen)
	}
	s.harness.SaveSession(s.agent, session)
}

// --- cron ---

func (s *Scheduler) jobLoop(ctx context.Context, job CronJob, done chan struct{}) {
	defer close(done)
	defer s.clearHandle(job.ID)

	now := s.now()
	next := job.Schedule.Next(now)
	if next.IsZero() {
		if job.Schedule.OneShot() {
			s.logger.Info("dropping stale one-shot job", "agent", s.agent.Slug, "job", job.ID)
			s.deleteJob(job.ID)
		}
		return
	}
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runJob(ctx, job)
			fired := s.now()
			if job.Schedule.OneShot() {
				s.deleteJob(job.ID)
				return
			}
			next = job.Schedule.Next(fired)
			if next.IsZero() {
				return
			}
			s.markRun(job.ID, fired, next)
			timer.Reset(next.Sub(fired))
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job CronJob) {
	s.logger.Info("cron job firing", "agent", s.agent.Slug, "job", job.ID, "execution", job.Execution)
	if job.Execution == ExecutionIsolated {
		s.runIsolated(ctx, job)
		return
	}
	s.runMain(ctx, job)
}

// runMain behaves like a user turn in the resolved target session.
func (s *Scheduler) runMain(ctx context.Context, job CronJob) {
	session := s.resolveTarget(job.Target)
	if session == nil {
		s.logger.Debug("cron skipped: no target session", "job", job.ID)
		return
	}
	if !session.TryAcquire() {
		s.logger.Debug("cron skipped: session busy", "job", job.ID, "session", session.ID)
		return
	}
	defer session.Release()

	preLen := len(session.History)
	session.History = append(session.History, UserText(job.Prompt))
	if err := s.engine.Run(ctx, s.agent, session, TurnOptions{Model: job.Model}); err != nil {
		s.logger.Error("cron turn failed", "job", job.ID, "session", session.ID, "error", err)
		rollbackTurn(session, preLen)
	}
	s.harness.SaveSession(s.agent, session)
}

// runIsolated runs the prompt in a fresh internal session, captures
// everything the agent tried to send, and delivers it per the job's delivery
// mode. Internal sessions are never persisted.
func (s *Scheduler) runIsolated(ctx context.Context, job CronJob) {
	session := NewInternalSession(s.agent.Slug, job.ID)
	session.TryAcquire()
	defer session.Release()

	var captured []string
	session.SetSendFilter(func(content string) bool {
		captured = append(captured, content)
		return false
	})

	session.History = append(session.History, UserText(job.Prompt))
	if err := s.engine.Run(ctx, s.agent, session, TurnOptions{Model: job.Model}); err != nil {
		s.logger.Error("isolated cron turn failed", "job", job.ID, "error", err)
		return
	}
	content := strings.Join(captured, "\n\n")
	if strings.TrimSpace(content) == "" {
		return
	}
	s.deliver(ctx, job, content)
}

func (s *Scheduler) deliver(ctx context.Context, job CronJob, content string) {
	switch job.Delivery {
	case DeliveryNone:
	case DeliveryWebhook:
		payload := webhookPayload{AgentSlug: s.agent.Slug, JobID: job.ID, Content: content}
		if err := postWebhook(ctx, job.WebhookURL, payload); err != nil {
			s.logger.Error("webhook delivery failed", "job", job.ID, "error", err)
		}
	default:
		target := s.resolveTarget(job.Target)
		if target == nil {
			s.logger.Warn("announce skipped: no target session", "job", job.ID)
			return
		}
		if err := s.harness.Send(ctx, target, content, nil); err != nil {
			s.logger.Error("announce delivery failed", "job", job.ID, "error", err)
		}
	}
}

// resolveTarget maps a target spec to a session: "none" skips, "last" picks
// the most recently active session, anything else is an exact session id.
func (s *Scheduler) resolveTarget(target string) *Session {
	switch target {
	case "", "none":
		return nil
	case "last":
		return s.agent.LastActiveSession()
	default:
		session, _ := s.agent.Session(target)
		return session
	}
}

func (s *Scheduler) deleteJob(id string) {
	if s.agent.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := s.agent.Store.DeleteCronJob(ctx, id); err != nil {
		s.logger.Warn("deleting one-shot job", "job", id, "error", err)
	}
}

func (s *Scheduler) markRun(id string, lastRun, nextRun time.Time) {
	if s.agent.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := s.agent.Store.MarkCronRun(ctx, id, lastRun, &nextRun); err != nil {
		s.logger.Warn("recording cron run", "job", id, "error", err)
	}
}

// --- webhook delivery ---

type webhookPayload struct {
	AgentSlug string `json:"agentSlug"`
	JobID     string `json:"jobId"`
	Content   string `json:"content"`
}

var webhookClient = &http.Client{Timeout: 30 * time.Second}

func postWebhook(ctx context.Context, url string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
