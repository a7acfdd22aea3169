package cireilclaw

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Execution modes for cron jobs.
const (
	ExecutionMain     = "main"
	ExecutionIsolated = "isolated"
)

// Delivery modes for isolated cron output.
const (
	DeliveryAnnounce = "announce"
	DeliveryWebhook  = "webhook"
	DeliveryNone     = "none"
)

// cronParser accepts standard five-field expressions, an optional leading
// seconds field, and @-descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronSchedule selects exactly one firing rule: a repeating interval in
// seconds, a cron expression, or a one-shot absolute instant in RFC 3339.
type CronSchedule struct {
	Every int64  `toml:"every" json:"every,omitempty"`
	Cron  string `toml:"cron" json:"cron,omitempty"`
	At    string `toml:"at" json:"at,omitempty"`
}

// Validate checks that exactly one variant is set and parseable.
func (s CronSchedule) Validate() error {
	set := 0
	if s.Every != 0 {
		set++
	}
	if s.Cron != "" {
		set++
	}
	if s.At != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("schedule must set exactly one of every, cron, at")
	}
	if s.Every < 0 {
		return fmt.Errorf("schedule every must be a positive number of seconds")
	}
	if s.Cron != "" {
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
	}
	if s.At != "" {
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return fmt.Errorf("invalid at timestamp %q: %w", s.At, err)
		}
	}
	return nil
}

// Next returns the instant the schedule should fire after now. A zero time
// means the schedule never fires again.
func (s CronSchedule) Next(now time.Time) time.Time {
	switch {
	case s.Every > 0:
		return now.Add(time.Duration(s.Every) * time.Second)
	case s.Cron != "":
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}
		}
		return sched.Next(now)
	case s.At != "":
		at, err := time.Parse(time.RFC3339, s.At)
		if err != nil || !at.After(now) {
			return time.Time{}
		}
		return at
	}
	return time.Time{}
}

// OneShot reports whether the schedule fires at most once.
func (s CronSchedule) OneShot() bool { return s.At != "" }

// CronJob is a scheduled prompt delivered to an agent, either from the
// per-agent cron.toml or created live by the schedule tool.
type CronJob struct {
	ID         string       `toml:"id" json:"id"`
	Enabled    bool         `toml:"enabled" json:"enabled"`
	Schedule   CronSchedule `toml:"schedule" json:"schedule"`
	Execution  string       `toml:"execution" json:"execution,omitempty"`
	Delivery   string       `toml:"delivery" json:"delivery,omitempty"`
	Target     string       `toml:"target" json:"target,omitempty"`
	Prompt     string       `toml:"prompt" json:"prompt"`
	Model      string       `toml:"model" json:"model,omitempty"`
	WebhookURL string       `toml:"webhookUrl" json:"webhookUrl,omitempty"`
}

// Normalize fills optional fields with their defaults.
func (j *CronJob) Normalize() {
	if j.Execution == "" {
		j.Execution = ExecutionMain
	}
	if j.Delivery == "" {
		j.Delivery = DeliveryAnnounce
	}
	if j.Target == "" {
		j.Target = "last"
	}
}

// Validate checks the job after Normalize.
func (j CronJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("cron job id is required")
	}
	if j.Prompt == "" {
		return fmt.Errorf("cron job %s: prompt is required", j.ID)
	}
	if err := j.Schedule.Validate(); err != nil {
		return fmt.Errorf("cron job %s: %w", j.ID, err)
	}
	switch j.Execution {
	case ExecutionMain, ExecutionIsolated:
	default:
		return fmt.Errorf("cron job %s: unknown execution mode %q", j.ID, j.Execution)
	}
	switch j.Delivery {
	case DeliveryAnnounce, DeliveryWebhook, DeliveryNone:
	default:
		return fmt.Errorf("cron job %s: unknown delivery mode %q", j.ID, j.Delivery)
	}
	if j.Delivery == DeliveryWebhook && j.WebhookURL == "" {
		return fmt.Errorf("cron job %s: webhook delivery requires webhookUrl", j.ID)
	}
	return nil
}

// Cron row types and statuses.
const (
	CronTypeOneShot   = "one-shot"
	CronTypeRecurring = "recurring"

	CronStatusActive = "active"
)

// CronJobRow is the persisted form of a scheduled job.
type CronJobRow struct {
	JobID      string
	Type       string
	Config     CronJob
	LastRun    *time.Time
	NextRun    *time.Time
	Status     string
	RetryCount int
	CreatedAt  time.Time
}

// NewCronJobRow wraps a job for persistence, stamping its type and the first
// firing instant.
func NewCronJobRow(job CronJob, now time.Time) CronJobRow {
	typ := CronTypeRecurring
	if job.Schedule.OneShot() {
		typ = CronTypeOneShot
	}
	row := CronJobRow{
		JobID:     job.ID,
		Type:      typ,
		Config:    job,
		Status:    CronStatusActive,
		CreatedAt: now,
	}
	if next := job.Schedule.Next(now); !next.IsZero() {
		row.NextRun = &next
	}
	return row
}
