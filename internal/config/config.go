package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a drover project.
type Config struct {
	Version       int               `yaml:"version"`
	Engines       map[string]Engine `yaml:"engines"`
	DefaultEngine string            `yaml:"default_engine,omitempty"`
	Storage       Storage           `yaml:"storage"`
	Notify        Notify            `yaml:"notify"`
	Worker        Worker            `yaml:"worker"`
	Run           Run               `yaml:"run"`
}

// Engine describes a reasoning-engine endpoint and how to reach it.
type Engine struct {
	Mode       string   `yaml:"mode"`                  // "cli" or "api"
	Cmd        string   `yaml:"cmd,omitempty"`         // CLI command to spawn
	Args       []string `yaml:"args,omitempty"`        // CLI arguments
	Provider   string   `yaml:"provider,omitempty"`    // API provider: openai, anthropic, google
	Model      string   `yaml:"model,omitempty"`       // Model name for API mode
	APIKeyEnv  string   `yaml:"api_key_env,omitempty"` // Env var name containing API key
	TimeoutSec int      `yaml:"timeout_sec,omitempty"` // Per-call timeout in seconds (0 = default 300)
	AutoAccept bool     `yaml:"auto_accept,omitempty"` // Skip permission prompts for known CLI tools
}

// Storage selects the job ledger backend.
type Storage struct {
	Driver string `yaml:"driver"`        // "sqlite" or "postgres"
	Path   string `yaml:"path"`          // sqlite database file
	DSN    string `yaml:"dsn,omitempty"` // postgres connection string
}

// Notify selects how idle workers learn about new jobs. Claims always go
// through the ledger; this only shortens poll latency.
type Notify struct {
	Mode     string `yaml:"mode"`               // "poll", "local" or "redis"
	Addr     string `yaml:"addr,omitempty"`     // redis host:port
	Password string `yaml:"password,omitempty"` // redis password
	DB       int    `yaml:"db,omitempty"`       // redis database number
	Channel  string `yaml:"channel,omitempty"`  // pub/sub channel name
}

// Worker tunes the worker runtime.
type Worker struct {
	HeartbeatSec  int    `yaml:"heartbeat_sec,omitempty"`   // job heartbeat interval (default 30)
	StuckAfterMin int    `yaml:"stuck_after_min,omitempty"` // flag jobs idle longer than this (default 60)
	PollSec       int    `yaml:"poll_sec,omitempty"`        // claim poll interval (default 5)
	Workspace     string `yaml:"workspace,omitempty"`       // working directory for jobs (default ".")
	CheckCmd      string `yaml:"check_cmd,omitempty"`       // command run by the run_check capability
}

// Run tunes one job's execution loop.
type Run struct {
	HandoffMin      int     `yaml:"handoff_min,omitempty"`       // minimum tasks per handoff (default 5)
	HandoffMax      int     `yaml:"handoff_max,omitempty"`       // maximum tasks per handoff (default 20)
	TaskRetries     int     `yaml:"task_retries,omitempty"`      // engine/capability retries per task (default 3)
	RetainMessages  int     `yaml:"retain_messages,omitempty"`   // messages kept verbatim on compaction (default 5)
	TokenCeiling    int     `yaml:"token_ceiling,omitempty"`     // buffer token budget (default 80000)
	MessageCeiling  int     `yaml:"message_ceiling,omitempty"`   // buffer message budget (default 60)
	MinCompactChars int     `yaml:"min_compact_chars,omitempty"` // message trigger ignored below this size (default 8000)
	RatePerMin      float64 `yaml:"rate_per_min,omitempty"`      // engine invocations per minute (default 30)
	RateBurst       int     `yaml:"rate_burst,omitempty"`        // limiter burst (default 5)
}

// cliFlagDefaults maps the agent CLIs drover knows how to drive, by
// command base name, to the flags a headless spawn needs. headless makes
// the tool answer once and exit instead of opening a session; accept skips
// its permission prompts and is injected only under auto_accept. The alt
// lists are user spellings that count as already having the flag.
var cliFlagDefaults = map[string]struct {
	headless     string
	headlessAlts []string
	accept       string
	acceptAlts   []string
}{
	"claude": {
		headless:     "--print",
		headlessAlts: []string{"-p"},
		accept:       "--dangerously-skip-permissions",
		acceptAlts:   []string{"--permission-mode"},
	},
	"gemini": {accept: "--yolo", acceptAlts: []string{"-y"}},
	"codex":  {accept: "--full-auto", acceptAlts: []string{"--approval-mode"}},
}

// EffectiveArgs returns the argument list for spawning a CLI engine.
// Recognized tools get their headless flag, plus the permission-skipping
// flag when auto_accept is set; args the user already supplied always win.
// Unrecognized commands pass through untouched, so any engine that takes a
// prompt as its last argument works without drover knowing its flags.
func (e Engine) EffectiveArgs() []string {
	if e.Mode != "cli" {
		return e.Args
	}

	args := append([]string(nil), e.Args...)
	d, known := cliFlagDefaults[filepath.Base(e.Cmd)]
	if !known {
		return args
	}

	if d.accept != "" && e.AutoAccept && !hasFlag(args, d.accept, d.acceptAlts) {
		args = append([]string{d.accept}, args...)
	}
	if d.headless != "" && !hasFlag(args, d.headless, d.headlessAlts) {
		args = append([]string{d.headless}, args...)
	}
	return args
}

func hasFlag(args []string, flag string, alts []string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
		for _, alt := range alts {
			if a == alt {
				return true
			}
		}
	}
	return false
}

// DefaultTimeout returns the effective per-call timeout for the engine.
func (e Engine) DefaultTimeout() int {
	if e.TimeoutSec > 0 {
		return e.TimeoutSec
	}
	return 300
}

// HeartbeatInterval returns the effective heartbeat interval in seconds.
func (w Worker) HeartbeatInterval() int {
	if w.HeartbeatSec > 0 {
		return w.HeartbeatSec
	}
	return 30
}

// StuckThreshold returns the stuck-detection threshold in minutes.
func (w Worker) StuckThreshold() int {
	if w.StuckAfterMin > 0 {
		return w.StuckAfterMin
	}
	return 60
}

// PollInterval returns the claim poll interval in seconds.
func (w Worker) PollInterval() int {
	if w.PollSec > 0 {
		return w.PollSec
	}
	return 5
}

// WorkDir returns the workspace directory jobs run in.
func (w Worker) WorkDir() string {
	if w.Workspace != "" {
		return w.Workspace
	}
	return "."
}

// Bounds returns the effective handoff task-count bounds.
func (r Run) Bounds() (min, max int) {
	min, max = r.HandoffMin, r.HandoffMax
	if min <= 0 {
		min = 5
	}
	if max <= 0 {
		max = 20
	}
	return min, max
}

// Retries returns the per-task retry bound.
func (r Run) Retries() int {
	if r.TaskRetries > 0 {
		return r.TaskRetries
	}
	return 3
}

// Retain returns how many recent messages survive compaction verbatim.
func (r Run) Retain() int {
	if r.RetainMessages > 0 {
		return r.RetainMessages
	}
	return 5
}

// TokenBudget returns the buffer token ceiling.
func (r Run) TokenBudget() int {
	if r.TokenCeiling > 0 {
		return r.TokenCeiling
	}
	return 80000
}

// MessageBudget returns the buffer message-count ceiling.
func (r Run) MessageBudget() int {
	if r.MessageCeiling > 0 {
		return r.MessageCeiling
	}
	return 60
}

// MinCompactSize returns the aggregate size below which the message-count
// trigger is ignored.
func (r Run) MinCompactSize() int {
	if r.MinCompactChars > 0 {
		return r.MinCompactChars
	}
	return 8000
}

// Rate returns the engine invocation rate limit (per minute) and burst.
func (r Run) Rate() (perMin float64, burst int) {
	perMin, burst = r.RatePerMin, r.RateBurst
	if perMin <= 0 {
		perMin = 30
	}
	if burst <= 0 {
		burst = 5
	}
	return perMin, burst
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Engines: map[string]Engine{},
		Storage: Storage{Driver: "sqlite", Path: ".drover/drover.db"},
		Notify:  Notify{Mode: "local"},
	}
}

func (c *Config) validate() error {
	for name, e := range c.Engines {
		if e.Mode == "" {
			return fmt.Errorf("engine %q: mode is required (cli or api)", name)
		}
		if e.Mode != "cli" && e.Mode != "api" {
			return fmt.Errorf("engine %q: mode must be 'cli' or 'api', got %q", name, e.Mode)
		}
		if e.Mode == "cli" && e.Cmd == "" {
			return fmt.Errorf("engine %q: cmd is required for cli mode", name)
		}
		if e.Mode == "api" && e.Provider == "" {
			return fmt.Errorf("engine %q: provider is required for api mode", name)
		}
	}
	if c.DefaultEngine != "" {
		if _, ok := c.Engines[c.DefaultEngine]; !ok {
			return fmt.Errorf("default_engine %q is not defined under engines", c.DefaultEngine)
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite":
		// path defaulted by the store
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage: driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}
	switch c.Notify.Mode {
	case "", "poll", "local":
	case "redis":
		if c.Notify.Addr == "" {
			return fmt.Errorf("notify: addr is required for redis mode")
		}
	default:
		return fmt.Errorf("notify: mode must be 'poll', 'local' or 'redis', got %q", c.Notify.Mode)
	}
	return nil
}

// Engine returns the engine config a worker should use: the named one, the
// configured default, or the sole entry when only one exists.
func (c *Config) Engine(name string) (string, Engine, error) {
	if name == "" {
		name = c.DefaultEngine
	}
	if name == "" && len(c.Engines) == 1 {
		for n := range c.Engines {
			name = n
		}
	}
	if name == "" {
		return "", Engine{}, fmt.Errorf("no engine selected: set default_engine or pass --engine")
	}
	e, ok := c.Engines[name]
	if !ok {
		return "", Engine{}, fmt.Errorf("engine %q is not defined", name)
	}
	return name, e, nil
}

