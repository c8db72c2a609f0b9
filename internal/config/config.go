package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"squadline/internal/domain"
)

// Template placeholders. Each must occupy a whole argument. {continue}
// expands to the backend's start flags on a session's first turn and to its
// continue flags afterwards. Only {session_id} may appear inside flag lists.
const (
	PlaceholderPrompt     = "{prompt}"
	PlaceholderAutoAccept = "{auto_accept}"
	PlaceholderContinue   = "{continue}"
	PlaceholderSessionID  = "{session_id}"
)

// Pool fallback policies for disabled parallel-dispatch slots.
const (
	PoolFallbackRemaining = "remaining"
	PoolFallbackFail      = "fail"
)

// FileName is the config file looked up in a workspace.
const FileName = "squadline.yml"

// Config models squadline.yml. A loaded Config is treated as immutable;
// use the With* helpers to derive a new version.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Roles    map[string]string  `yaml:"roles" json:"roles"`
	Backends map[string]Backend `yaml:"backends" json:"backends"`
	Pool     []string           `yaml:"pool" json:"pool"`
	Dispatch DispatchConfig     `yaml:"dispatch" json:"dispatch"`
	Gate     GateConfig         `yaml:"gate" json:"gate"`
	Logging  LoggingConfig      `yaml:"logging" json:"logging"`
}

// Backend describes one CLI agent family.
type Backend struct {
	Name                 string        `yaml:"-" json:"name"`
	Command              string        `yaml:"command" json:"command"`
	Args                 []string      `yaml:"args" json:"args"`
	AutoAccept           []string      `yaml:"auto_accept" json:"auto_accept,omitempty"`
	Start                []string      `yaml:"start" json:"start,omitempty"`
	Continue             []string      `yaml:"continue" json:"continue,omitempty"`
	SupportsContinuation bool          `yaml:"supports_continuation" json:"supports_continuation"`
	Timeout              time.Duration `yaml:"timeout" json:"timeout"`
	Disabled             bool          `yaml:"disabled" json:"disabled"`
	InstallHint          string        `yaml:"install_hint" json:"install_hint,omitempty"`
}

type DispatchConfig struct {
	PoolFallback           string        `yaml:"pool_fallback" json:"pool_fallback"`
	RetryTimeoutOnNextSlot bool          `yaml:"retry_timeout_on_next_slot" json:"retry_timeout_on_next_slot"`
	WorkingDir             string        `yaml:"working_dir" json:"working_dir,omitempty"`
	Timeout                time.Duration `yaml:"timeout" json:"timeout"`
}

type GateConfig struct {
	Order  []string               `yaml:"order" json:"order"`
	Checks map[string]CheckConfig `yaml:"checks" json:"checks"`
	Review ReviewConfig           `yaml:"review" json:"review"`
}

type CheckConfig struct {
	Command []string      `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type ReviewConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Marker  string `yaml:"marker" json:"marker"`
	Prompt  string `yaml:"prompt" json:"prompt,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Backend returns the named backend with its Name populated.
func (c *Config) Backend(name string) (Backend, bool) {
	b, ok := c.Backends[name]
	if !ok {
		return Backend{}, false
	}
	b.Name = name
	return b, true
}

// BackendNames returns declared backend names sorted.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("config.backends is required")
	}
	for name, b := range c.Backends {
		if name == "" {
			return fmt.Errorf("config.backends contains empty name")
		}
		if strings.TrimSpace(b.Command) == "" {
			return fmt.Errorf("backend %s: command is required", name)
		}
		if !containsToken(b.Args, PlaceholderPrompt) {
			return fmt.Errorf("backend %s: args must contain %s", name, PlaceholderPrompt)
		}
		for _, arg := range b.Args {
			if braced(arg) && !isPlaceholder(arg) {
				return fmt.Errorf("backend %s: unknown placeholder %q", name, arg)
			}
		}
		for field, flags := range map[string][]string{"auto_accept": b.AutoAccept, "start": b.Start, "continue": b.Continue} {
			for _, flag := range flags {
				if braced(flag) && flag != PlaceholderSessionID {
					return fmt.Errorf("backend %s: %s may only use %s, got %q", name, field, PlaceholderSessionID, flag)
				}
			}
		}
		if b.Timeout < 0 {
			return fmt.Errorf("backend %s: timeout must not be negative", name)
		}
	}
	for _, role := range domain.Roles() {
		backend, ok := c.Roles[string(role)]
		if !ok || backend == "" {
			return fmt.Errorf("config.roles.%s is required", role)
		}
		if _, ok := c.Backends[backend]; !ok {
			return fmt.Errorf("role %s references unknown backend %s", role, backend)
		}
	}
	for role := range c.Roles {
		if !domain.ValidRole(domain.Role(role)) {
			return fmt.Errorf("config.roles contains unknown role %s", role)
		}
	}
	seen := map[string]bool{}
	for _, name := range c.Pool {
		if _, ok := c.Backends[name]; !ok {
			return fmt.Errorf("config.pool references unknown backend %s", name)
		}
		if seen[name] {
			return fmt.Errorf("config.pool lists backend %s twice", name)
		}
		seen[name] = true
	}
	switch c.Dispatch.PoolFallback {
	case "", PoolFallbackRemaining, PoolFallbackFail:
	default:
		return fmt.Errorf("config.dispatch.pool_fallback must be %q or %q", PoolFallbackRemaining, PoolFallbackFail)
	}
	for _, name := range c.Gate.Order {
		if name == ReviewCheck {
			continue
		}
		check, ok := c.Gate.Checks[name]
		if !ok {
			return fmt.Errorf("config.gate.order references unknown check %s", name)
		}
		if len(check.Command) == 0 {
			return fmt.Errorf("gate check %s: command is required", name)
		}
	}
	return nil
}

// ReviewCheck is the gate check name served by the reviewer role.
const ReviewCheck = "review"

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Roles = make(map[string]string, len(c.Roles))
	for k, v := range c.Roles {
		out.Roles[k] = v
	}
	out.Backends = make(map[string]Backend, len(c.Backends))
	for k, v := range c.Backends {
		v.Args = append([]string(nil), v.Args...)
		v.AutoAccept = append([]string(nil), v.AutoAccept...)
		v.Start = append([]string(nil), v.Start...)
		v.Continue = append([]string(nil), v.Continue...)
		out.Backends[k] = v
	}
	out.Pool = append([]string(nil), c.Pool...)
	out.Gate.Order = append([]string(nil), c.Gate.Order...)
	out.Gate.Checks = make(map[string]CheckConfig, len(c.Gate.Checks))
	for k, v := range c.Gate.Checks {
		v.Command = append([]string(nil), v.Command...)
		out.Gate.Checks[k] = v
	}
	return &out
}

// WithBackendEnabled returns a new config version with the backend toggled.
func (c *Config) WithBackendEnabled(name string, enabled bool) (*Config, error) {
	if _, ok := c.Backends[name]; !ok {
		return nil, fmt.Errorf("unknown backend %s", name)
	}
	next := c.Clone()
	b := next.Backends[name]
	b.Disabled = !enabled
	next.Backends[name] = b
	return next, nil
}

// WithRoleBackend returns a new config version with the role's default changed.
func (c *Config) WithRoleBackend(role domain.Role, backend string) (*Config, error) {
	next := c.Clone()
	next.Roles[string(role)] = backend
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sq config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Dispatch.PoolFallback == "" {
		cfg.Dispatch.PoolFallback = PoolFallbackRemaining
	}
	if cfg.Dispatch.Timeout == 0 {
		cfg.Dispatch.Timeout = 10 * time.Minute
	}
	if cfg.Gate.Review.Marker == "" {
		cfg.Gate.Review.Marker = "APPROVED"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if len(cfg.Gate.Order) == 0 {
		for _, name := range []string{"tests", "lint", "typecheck"} {
			if _, ok := cfg.Gate.Checks[name]; ok {
				cfg.Gate.Order = append(cfg.Gate.Order, name)
			}
		}
		if cfg.Gate.Review.Enabled {
			cfg.Gate.Order = append(cfg.Gate.Order, ReviewCheck)
		}
	}
}

func containsToken(args []string, token string) bool {
	for _, a := range args {
		if a == token {
			return true
		}
	}
	return false
}

func braced(arg string) bool {
	return strings.HasPrefix(arg, "{") && strings.HasSuffix(arg, "}")
}

func isPlaceholder(arg string) bool {
	switch arg {
	case PlaceholderPrompt, PlaceholderAutoAccept, PlaceholderContinue, PlaceholderSessionID:
		return true
	}
	return false
}

const defaultTemplate = `project:
  id: %s

roles:
  architect: claude
  coder: claude
  tester: codex
  reviewer: codex
  devops: claude
  ad: claude
  chef: codex

backends:
  claude:
    command: claude
    args: ["{auto_accept}", "{continue}", "-p", "{prompt}"]
    auto_accept: ["--dangerously-skip-permissions"]
    start: ["--session-id", "{session_id}"]
    continue: ["--resume", "{session_id}"]
    supports_continuation: true
    timeout: 10m
    install_hint: "npm install -g @anthropic-ai/claude-code"
  codex:
    command: codex
    args: ["exec", "{auto_accept}", "{prompt}"]
    auto_accept: ["--full-auto"]
    supports_continuation: false
    timeout: 10m
    install_hint: "npm install -g @openai/codex"
  gemini:
    command: gemini
    args: ["{auto_accept}", "-p", "{prompt}"]
    auto_accept: ["--yolo"]
    supports_continuation: false
    timeout: 10m
    disabled: true
    install_hint: "npm install -g @google/gemini-cli"

pool: [claude, codex]

dispatch:
  pool_fallback: remaining
  retry_timeout_on_next_slot: true
  timeout: 10m

gate:
  order: [tests, lint, typecheck]
  checks:
    tests:
      command: ["go", "test", "./..."]
      timeout: 10m
    lint:
      command: ["golangci-lint", "run"]
      timeout: 5m
    typecheck:
      command: ["go", "vet", "./..."]
      timeout: 5m
  review:
    enabled: false
    marker: APPROVED

logging:
  level: info
  format: console
`
