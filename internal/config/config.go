// Package config loads the on-disk configuration rooted at
// $HOME/.cireilclaw: the global integrations file plus one config directory
// per hosted agent.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cireilclaw/cireilclaw"
)

// DirName is the orchestrator root directory under the user's home.
const DirName = ".cireilclaw"

// Error is a configuration problem: unparseable TOML, a missing required
// field, or a failed validation.
type Error struct {
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Path, e.Msg, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(path, msg string, err error) *Error {
	return &Error{Path: path, Msg: msg, Err: err}
}

// --- layout ---

// Root returns the orchestrator root, $HOME/.cireilclaw.
func Root() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// AgentsDir is where agent roots live under the orchestrator root.
func AgentsDir(root string) string { return filepath.Join(root, "agents") }

// AgentRoot is the filesystem root of one agent.
func AgentRoot(root, slug string) string { return filepath.Join(AgentsDir(root), slug) }

func agentConfigDir(agentRoot string) string { return filepath.Join(agentRoot, "config") }

// --- global integrations ---

// Integrations is {root}/config/integrations.toml: credentials shared by
// every agent.
type Integrations struct {
	Brave BraveIntegration `toml:"brave"`
}

// BraveIntegration holds the Brave Search API credential.
type BraveIntegration struct {
	APIKey string `toml:"apiKey"`
}

// LoadIntegrations reads the global integrations file. A missing file is an
// empty config.
func LoadIntegrations(root string) (Integrations, error) {
	path := filepath.Join(root, "config", "integrations.toml")
	var ig Integrations
	if _, err := toml.DecodeFile(path, &ig); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Integrations{}, nil
		}
		return Integrations{}, newError(path, "parsing integrations", err)
	}
	return ig, nil
}

// --- engine ---

// engineFile is the TOML shape of config/engine.toml. The channel table maps
// channel kind -> sub-key (guild id, room id) -> partial override.
type engineFile struct {
	APIBase string                                          `toml:"apiBase"`
	APIKey  string                                          `toml:"apiKey"`
	Model   string                                          `toml:"model"`
	Channel map[string]map[string]cireilclaw.EngineOverride `toml:"channel"`
}

// LoadEngine reads an agent's engine.toml. apiBase and model are required.
func LoadEngine(agentRoot string) (*cireilclaw.EngineConfig, error) {
	path := filepath.Join(agentConfigDir(agentRoot), "engine.toml")
	var file engineFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, newError(path, "parsing engine config", err)
	}
	if strings.TrimSpace(file.APIBase) == "" {
		return nil, newError(path, "apiBase is required", nil)
	}
	if strings.TrimSpace(file.Model) == "" {
		return nil, newError(path, "model is required", nil)
	}
	cfg := &cireilclaw.EngineConfig{
		APIBase: file.APIBase,
		APIKey:  file.APIKey,
		Model:   file.Model,
	}
	if len(file.Channel) > 0 {
		cfg.ChannelOverrides = make(map[cireilclaw.ChannelKind]map[string]cireilclaw.EngineOverride, len(file.Channel))
		for kind, overrides := range file.Channel {
			cfg.ChannelOverrides[cireilclaw.ChannelKind(kind)] = overrides
		}
	}
	return cfg, nil
}

// --- tools ---

// ToolSettings is the table form of one tools.toml entry. Fields beyond
// Enabled apply only to the tools that read them.
type ToolSettings struct {
	Enabled         bool     `toml:"enabled"`
	AllowedBinaries []string `toml:"allowedBinaries"`
	TimeoutMs       int      `toml:"timeoutMs"`
}

// ToolsConfig maps a tool group name to its settings. In TOML an entry is
// either a bare bool or a table: `exec = false` and
// `[exec] enabled = true` both parse.
type ToolsConfig map[string]ToolSettings

// DefaultTools enables the basic set. exec stays off until an allowlist is
// configured.
func DefaultTools() ToolsConfig {
	return ToolsConfig{
		"respond":      {Enabled: true},
		"file":         {Enabled: true},
		"exec":         {Enabled: false},
		"brave-search": {Enabled: true},
		"read-skill":   {Enabled: true},
		"schedule":     {Enabled: true},
		"fetch":        {Enabled: true},
	}
}

// Enabled reports whether a tool group is turned on. Groups absent from the
// file keep their default.
func (c ToolsConfig) Enabled(name string) bool {
	if s, ok := c[name]; ok {
		return s.Enabled
	}
	s, ok := DefaultTools()[name]
	return ok && s.Enabled
}

// Settings returns the table for a tool group, zero when unlisted.
func (c ToolsConfig) Settings(name string) ToolSettings { return c[name] }

// LoadTools reads config/tools.toml. A missing file yields the defaults.
func LoadTools(agentRoot string) (ToolsConfig, error) {
	path := filepath.Join(agentConfigDir(agentRoot), "tools.toml")
	raw := map[string]toml.Primitive{}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultTools(), nil
		}
		return nil, newError(path, "parsing tools config", err)
	}
	cfg := DefaultTools()
	for name, prim := range raw {
		var enabled bool
		if err := meta.PrimitiveDecode(prim, &enabled); err == nil {
			cfg[name] = ToolSettings{Enabled: enabled}
			continue
		}
		var settings ToolSettings
		if err := meta.PrimitiveDecode(prim, &settings); err != nil {
			return nil, newError(path, fmt.Sprintf("tool %q: want bool or table", name), err)
		}
		cfg[name] = settings
	}
	return cfg, nil
}

// --- store ---

// Store backend drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects the session store backend for one agent. The zero
// value means the embedded per-agent sqlite file.
type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// LoadStore reads config/store.toml. A missing file selects sqlite.
func LoadStore(agentRoot string) (StoreConfig, error) {
	path := filepath.Join(agentConfigDir(agentRoot), "store.toml")
	var sc StoreConfig
	if _, err := toml.DecodeFile(path, &sc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StoreConfig{Driver: DriverSQLite}, nil
		}
		return StoreConfig{}, newError(path, "parsing store config", err)
	}
	if sc.Driver == "" {
		sc.Driver = DriverSQLite
	}
	switch sc.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if sc.DSN == "" {
			return StoreConfig{}, newError(path, "postgres driver requires dsn", nil)
		}
	default:
		return StoreConfig{}, newError(path, fmt.Sprintf("unknown store driver %q", sc.Driver), nil)
	}
	return sc, nil
}

// --- channels ---

// DiscordChannel is config/channels/discord.toml.
type DiscordChannel struct {
	Token string `toml:"token"`
}

// MatrixChannel is config/channels/matrix.toml.
type MatrixChannel struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"userId"`
	AccessToken string `toml:"accessToken"`
}

// Channels groups an agent's transport credentials. A nil member means the
// file is absent and that transport stays off.
type Channels struct {
	Discord *DiscordChannel
	Matrix  *MatrixChannel
}

// LoadChannels reads config/channels/*.toml.
func LoadChannels(agentRoot string) (Channels, error) {
	dir := filepath.Join(agentConfigDir(agentRoot), "channels")
	var ch Channels

	discordPath := filepath.Join(dir, "discord.toml")
	var dc DiscordChannel
	if _, err := toml.DecodeFile(discordPath, &dc); err == nil {
		ch.Discord = &dc
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Channels{}, newError(discordPath, "parsing discord channel config", err)
	}

	matrixPath := filepath.Join(dir, "matrix.toml")
	var mc MatrixChannel
	if _, err := toml.DecodeFile(matrixPath, &mc); err == nil {
		ch.Matrix = &mc
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Channels{}, newError(matrixPath, "parsing matrix channel config", err)
	}

	return ch, nil
}

// --- schedule ---

// LoadHeartbeat reads config/heartbeat.toml. A missing file means no
// heartbeat.
func LoadHeartbeat(agentRoot string) (*cireilclaw.HeartbeatConfig, error) {
	path := filepath.Join(agentConfigDir(agentRoot), "heartbeat.toml")
	var hb cireilclaw.HeartbeatConfig
	if _, err := toml.DecodeFile(path, &hb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, newError(path, "parsing heartbeat config", err)
	}
	hb.Normalize()
	if err := hb.Validate(); err != nil {
		return nil, newError(path, "invalid heartbeat config", err)
	}
	return &hb, nil
}

// LoadCronJobs reads the jobs array of config/cron.toml. Jobs that fail
// validation are dropped; the valid remainder is returned alongside a joined
// error describing the drops.
func LoadCronJobs(agentRoot string) ([]cireilclaw.CronJob, error) {
	path := filepath.Join(agentConfigDir(agentRoot), "cron.toml")
	var file struct {
		Jobs []cireilclaw.CronJob `toml:"jobs"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, newError(path, "parsing cron config", err)
	}
	var jobs []cireilclaw.CronJob
	var errs []error
	for i, job := range file.Jobs {
		job.Normalize()
		if job.ID == "" {
			errs = append(errs, newError(path, fmt.Sprintf("jobs[%d]: id is required", i), nil))
			continue
		}
		if err := job.Validate(); err != nil {
			errs = append(errs, newError(path, fmt.Sprintf("jobs[%d] (%s)", i, job.ID), err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

// LoadSchedule bundles the heartbeat and cron configs for one agent, shaped
// for the harness's schedule source.
func LoadSchedule(root, slug string) (*cireilclaw.HeartbeatConfig, []cireilclaw.CronJob, error) {
	agentRoot := AgentRoot(root, slug)
	hb, hbErr := LoadHeartbeat(agentRoot)
	jobs, jobErr := LoadCronJobs(agentRoot)
	return hb, jobs, errors.Join(hbErr, jobErr)
}

// --- agent discovery ---

// AgentConfig is one discovered agent: its slug, filesystem root, and the
// contents of every per-agent config file.
type AgentConfig struct {
	Slug     string
	Root     string
	Engine   *cireilclaw.EngineConfig
	Tools    ToolsConfig
	Store    StoreConfig
	Channels Channels
}

// LoadAgent reads every config file under one agent root.
func LoadAgent(root, slug string) (AgentConfig, error) {
	agentRoot := AgentRoot(root, slug)
	engine, err := LoadEngine(agentRoot)
	if err != nil {
		return AgentConfig{}, err
	}
	tools, err := LoadTools(agentRoot)
	if err != nil {
		return AgentConfig{}, err
	}
	store, err := LoadStore(agentRoot)
	if err != nil {
		return AgentConfig{}, err
	}
	channels, err := LoadChannels(agentRoot)
	if err != nil {
		return AgentConfig{}, err
	}
	return AgentConfig{
		Slug:     slug,
		Root:     agentRoot,
		Engine:   engine,
		Tools:    tools,
		Store:    store,
		Channels: channels,
	}, nil
}

// DiscoverAgents scans {root}/agents/*/config/engine.toml. Directories
// without an engine.toml are ignored; agents whose config fails to load are
// skipped and reported, never fatal.
func DiscoverAgents(root string) ([]AgentConfig, []error) {
	entries, err := os.ReadDir(AgentsDir(root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("scanning agents dir: %w", err)}
	}
	var agents []AgentConfig
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		slug := entry.Name()
		marker := filepath.Join(agentConfigDir(AgentRoot(root, slug)), "engine.toml")
		if _, err := os.Stat(marker); err != nil {
			continue
		}
		cfg, err := LoadAgent(root, slug)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", slug, err))
			continue
		}
		agents = append(agents, cfg)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Slug < agents[j].Slug })
	return agents, errs
}
