package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models questmaestro.yml.
type Config struct {
	Paths struct {
		Root string `yaml:"root" json:"root"`
	} `yaml:"paths" json:"paths"`
	Quests struct {
		StaleAfterDays int `yaml:"stale_after_days" json:"stale_after_days"`
		CleanAfterDays int `yaml:"clean_after_days" json:"clean_after_days"`
	} `yaml:"quests" json:"quests"`
	Project struct {
		DiscoveryComplete bool `yaml:"discovery_complete" json:"discovery_complete"`
	} `yaml:"project" json:"project"`
	Agents struct {
		Binary        string `yaml:"binary" json:"binary"`
		BinaryEnv     string `yaml:"binary_env" json:"binary_env"`
		PromptsDir    string `yaml:"prompts_dir" json:"prompts_dir"`
		ReportTimeout string `yaml:"report_timeout" json:"report_timeout"`
		// MaxRecoveryAttempts bounds crash respawns per agent and task.
		MaxRecoveryAttempts int `yaml:"max_recovery_attempts" json:"max_recovery_attempts"`
	} `yaml:"agents" json:"agents"`
	Pathseeker struct {
		MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	} `yaml:"pathseeker" json:"pathseeker"`
	Verify struct {
		ContractFolders []string `yaml:"contract_folders" json:"contract_folders"`
	} `yaml:"verify" json:"verify"`
	Ward struct {
		Command string `yaml:"command" json:"command"`
		// AutoDetect derives the command from package.json when Command is empty.
		AutoDetect  bool `yaml:"auto_detect" json:"auto_detect"`
		MaxAttempts int  `yaml:"max_attempts" json:"max_attempts"`
	} `yaml:"ward" json:"ward"`
	Testing struct {
		Framework string `yaml:"framework" json:"framework"`
	} `yaml:"testing" json:"testing"`
	Server struct {
		BasePath  string `yaml:"base_path" json:"base_path"`
		JWTSecret string `yaml:"jwt_secret" json:"-"`
	} `yaml:"server" json:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with qm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.Root) == "" {
		return fmt.Errorf("config.paths.root is required")
	}
	if filepath.IsAbs(c.Paths.Root) || strings.Contains(c.Paths.Root, "..") {
		return fmt.Errorf("config.paths.root must be relative to the workspace")
	}
	if c.Quests.StaleAfterDays <= 0 {
		return fmt.Errorf("config.quests.stale_after_days must be positive")
	}
	if c.Quests.CleanAfterDays <= 0 {
		return fmt.Errorf("config.quests.clean_after_days must be positive")
	}
	if c.Agents.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("config.agents.max_recovery_attempts must not be negative")
	}
	if c.Agents.Binary == "" {
		return fmt.Errorf("config.agents.binary is required")
	}
	if c.Agents.ReportTimeout != "" {
		if _, err := time.ParseDuration(c.Agents.ReportTimeout); err != nil {
			return fmt.Errorf("config.agents.report_timeout invalid: %w", err)
		}
	}
	if c.Pathseeker.MaxAttempts <= 0 {
		return fmt.Errorf("config.pathseeker.max_attempts must be positive")
	}
	if c.Ward.MaxAttempts < 0 {
		return fmt.Errorf("config.ward.max_attempts must not be negative")
	}
	for _, folder := range c.Verify.ContractFolders {
		if strings.TrimSpace(folder) == "" {
			return fmt.Errorf("config.verify.contract_folders contains an empty folder")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// ReportTimeout returns how long to wait for an agent report.
func (c *Config) ReportTimeout() time.Duration {
	d, err := time.ParseDuration(c.Agents.ReportTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Minute
	}
	return d
}

// AgentBinary resolves the agent CLI, preferring the configured env override.
func (c *Config) AgentBinary() string {
	if c.Agents.BinaryEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.Agents.BinaryEnv)); v != "" {
			return v
		}
	}
	return c.Agents.Binary
}

// RootDir returns the absolute-or-relative quest root for a workspace.
func (c *Config) RootDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Paths.Root)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "questmaestro.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

// Save writes cfg to the workspace config file.
func Save(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

// MarkDiscoveryComplete records that project discovery has run.
func MarkDiscoveryComplete(workspace string) error {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return err
	}
	cfg.Project.DiscoveryComplete = true
	return Save(workspace, cfg)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `paths:
  root: questmaestro

quests:
  stale_after_days: 30
  clean_after_days: 30

project:
  discovery_complete: false

agents:
  binary: claude
  binary_env: QUESTMAESTRO_CLAUDE_PATH
  prompts_dir: questmaestro/agents
  report_timeout: 60m
  max_recovery_attempts: 3

pathseeker:
  max_attempts: 3

verify:
  contract_folders:
    - brokers
    - guards
    - transformers
    - adapters
    - middleware
    - bindings
    - responders
    - state
    - widgets
    - flows

ward:
  command: ""
  auto_detect: true
  max_attempts: 3

testing:
  framework: ""

server:
  base_path: /v0
  jwt_secret: ""
`
