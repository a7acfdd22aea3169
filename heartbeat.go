package cireilclaw

import (
	"fmt"
	"strings"
	"time"
)

// HeartbeatOK is the sentinel an agent emits when its checklist needs no
// user-facing report.
const HeartbeatOK = "HEARTBEAT_OK"

const heartbeatPromptPrefix = "[HEARTBEAT] Evaluate your heartbeat checklist.\n\n"

// ActiveHours restricts heartbeats to a daily window. Start and End are
// "HH:MM" wall-clock strings in TZ, compared lexicographically against the
// current time, so a window cannot wrap midnight.
type ActiveHours struct {
	Start string `toml:"start" json:"start"`
	End   string `toml:"end" json:"end"`
	TZ    string `toml:"tz" json:"tz"`
}

// Validate rejects unparseable clock times, unknown timezones, and windows
// that would wrap midnight.
func (h ActiveHours) Validate() error {
	for _, clock := range []string{h.Start, h.End} {
		if _, err := time.Parse("15:04", clock); err != nil {
			return fmt.Errorf("invalid active hours time %q: want HH:MM", clock)
		}
	}
	if h.Start > h.End {
		return fmt.Errorf("active hours %s-%s wrap midnight", h.Start, h.End)
	}
	if h.TZ != "" {
		if _, err := time.LoadLocation(h.TZ); err != nil {
			return fmt.Errorf("invalid active hours timezone %q: %w", h.TZ, err)
		}
	}
	return nil
}

// Contains reports whether now falls inside the window, inclusive on both
// ends. An unknown timezone falls back to UTC.
func (h ActiveHours) Contains(now time.Time) bool {
	loc := time.UTC
	if h.TZ != "" {
		if l, err := time.LoadLocation(h.TZ); err == nil {
			loc = l
		}
	}
	clock := now.In(loc).Format("15:04")
	return clock >= h.Start && clock <= h.End
}

// HeartbeatVisibility controls which heartbeat outcomes reach the channel.
type HeartbeatVisibility struct {
	ShowAlerts   bool `toml:"showAlerts" json:"showAlerts"`
	ShowOK       bool `toml:"showOk" json:"showOk"`
	UseIndicator bool `toml:"useIndicator" json:"useIndicator"`
}

// Deliver decides whether captured heartbeat content should be sent:
// a trimmed HEARTBEAT_OK counts as an all-clear, everything else as an
// alert.
func (v HeartbeatVisibility) Deliver(content string) bool {
	if strings.TrimSpace(content) == HeartbeatOK {
		return v.ShowOK
	}
	return v.ShowAlerts
}

// HeartbeatConfig drives the periodic self-check loop.
type HeartbeatConfig struct {
	Enabled     bool                `toml:"enabled" json:"enabled"`
	IntervalSec int                 `toml:"intervalSec" json:"intervalSec"`
	ActiveHours *ActiveHours        `toml:"activeHours" json:"activeHours,omitempty"`
	Target      string              `toml:"target" json:"target"`
	Model       string              `toml:"model" json:"model,omitempty"`
	Visibility  HeartbeatVisibility `toml:"visibility" json:"visibility"`
}

// Validate checks an enabled config; disabled configs always pass.
func (c *HeartbeatConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if c.IntervalSec <= 0 {
		return fmt.Errorf("heartbeat intervalSec must be positive")
	}
	if c.ActiveHours != nil {
		if err := c.ActiveHours.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Normalize fills optional fields with their defaults.
func (c *HeartbeatConfig) Normalize() {
	if c == nil {
		return
	}
	if c.Target == "" {
		c.Target = "last"
	}
}

// Interval returns the tick period.
func (c *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// HeartbeatPrompt is the user-role message injected on a heartbeat tick.
func HeartbeatPrompt(checklist string) string {
	return heartbeatPromptPrefix + checklist
}
