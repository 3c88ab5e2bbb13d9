package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models ticketline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// AllowActorHeader trusts X-Actor-Id without a token. Development only.
		AllowActorHeader bool `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`
	Approvals Approvals `yaml:"approvals"`
	Pipeline  struct {
		DedupeTickets bool `yaml:"dedupe_tickets"`
		MaxRevisions  int  `yaml:"max_revisions"`
	} `yaml:"pipeline"`
	Planner struct {
		SpecDir  string `yaml:"spec_dir"`
		Template string `yaml:"template"`
		// Drafter is "none" or "openai". With openai the template's Draft
		// section is written by the model.
		Drafter string `yaml:"drafter"`
		Model   string `yaml:"model"`
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"planner"`
	Executor struct {
		WorkspaceRoot string   `yaml:"workspace_root"`
		BranchPrefix  string   `yaml:"branch_prefix"`
		AgentCommand  []string `yaml:"agent_command"`
		GitToken      string   `yaml:"git_token"`
	} `yaml:"executor"`
	QA struct {
		Commands  []QACommand `yaml:"commands"`
		ReportDir string      `yaml:"report_dir"`
	} `yaml:"qa"`
	GitHub struct {
		Token      string `yaml:"token"`
		BaseURL    string `yaml:"base_url"`
		BaseBranch string `yaml:"base_branch"`
		Draft      bool   `yaml:"draft"`
	} `yaml:"github"`
	Notify struct {
		Log      bool      `yaml:"log"`
		Webhooks []Webhook `yaml:"webhooks"`
		// EventHooks stream the audit log. They need the sqlite driver.
		EventHooks []EventHook `yaml:"event_hooks"`
	} `yaml:"notify"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Tracing Tracing `yaml:"tracing"`
}

// Tracing configures OpenTelemetry export. An empty endpoint keeps spans in
// process.
type Tracing struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Approvals struct {
	SpecTimeout     time.Duration `yaml:"spec_timeout"`
	PRTimeout       time.Duration `yaml:"pr_timeout"`
	DefaultAssignee string        `yaml:"default_assignee"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type QACommand struct {
	Name string   `yaml:"name"`
	Run  []string `yaml:"run"`
	// When lists glob patterns; the command only runs if one matches.
	When []string `yaml:"when"`
}

type Webhook struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	// Types restricts delivery to SPEC and/or PR approvals.
	Types []string `yaml:"types"`
}

type EventHook struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	// Events lists event types to deliver; empty means all.
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"

	DrafterNone   = "none"
	DrafterOpenAI = "openai"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	default:
		return fmt.Errorf("config.storage.driver must be %q or %q", StorageMemory, StorageSQLite)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Approvals.SpecTimeout <= 0 {
		return fmt.Errorf("config.approvals.spec_timeout must be positive")
	}
	if c.Approvals.PRTimeout <= 0 {
		return fmt.Errorf("config.approvals.pr_timeout must be positive")
	}
	if strings.TrimSpace(c.Approvals.DefaultAssignee) == "" {
		return fmt.Errorf("config.approvals.default_assignee is required")
	}
	if c.Approvals.PollInterval <= 0 || c.Approvals.SweepInterval <= 0 {
		return fmt.Errorf("config.approvals poll_interval and sweep_interval must be positive")
	}
	if c.Pipeline.MaxRevisions < 0 {
		return fmt.Errorf("config.pipeline.max_revisions must be >= 0")
	}
	switch c.Planner.Drafter {
	case "", DrafterNone, DrafterOpenAI:
	default:
		return fmt.Errorf("config.planner.drafter must be %q or %q", DrafterNone, DrafterOpenAI)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config.tracing.sample_ratio must be between 0 and 1")
	}
	for i, cmd := range c.QA.Commands {
		if len(cmd.Run) == 0 {
			return fmt.Errorf("qa command %d (%s) has empty run", i, cmd.Name)
		}
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("notify webhook %d has empty url", i)
		}
		for _, t := range hook.Types {
			if t != "SPEC" && t != "PR" {
				return fmt.Errorf("notify webhook %d has unknown approval type %s", i, t)
			}
		}
	}
	for i, hook := range c.Notify.EventHooks {
		if hook.URL == "" {
			return fmt.Errorf("notify event hook %d has empty url", i)
		}
		if c.Storage.Driver != StorageSQLite {
			return fmt.Errorf("notify event hooks require storage.driver %q", StorageSQLite)
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ticketline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""
  allow_actor_header: false

storage:
  driver: sqlite
  path: ""

approvals:
  spec_timeout: 24h
  pr_timeout: 48h
  default_assignee: reviewer
  poll_interval: 2s
  sweep_interval: 30s

pipeline:
  dedupe_tickets: true
  max_revisions: 3

planner:
  spec_dir: .ticketline/specs
  template: ""
  drafter: none
  model: gpt-4o
  api_key: ""

executor:
  workspace_root: .ticketline/workspaces
  branch_prefix: ticketline/
  agent_command: []

qa:
  report_dir: .ticketline/reports
  commands:
    - name: test
      run: [go, test, ./...]

github:
  token: ""
  base_branch: main
  draft: false

notify:
  log: true
  webhooks: []
  event_hooks: []

logging:
  level: info
  format: json

tracing:
  endpoint: ""
  insecure: false
  service_name: ticketline
  sample_ratio: 1
`
