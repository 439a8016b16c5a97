package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"forgeline/internal/domain"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderClaudeCLI = "claude-cli"

	CollectorConsole = "console"
	CollectorInbox   = "inbox"
)

// Config models forgeline.yml.
type Config struct {
	Generator GeneratorConfig `yaml:"generator" json:"generator"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Human     HumanConfig     `yaml:"human" json:"human"`
	Output    OutputConfig    `yaml:"output" json:"output"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type GeneratorConfig struct {
	Provider       string `yaml:"provider" json:"provider"`
	Model          string `yaml:"model" json:"model"`
	MaxTokens      int64  `yaml:"max_tokens" json:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	APIKeyEnv      string `yaml:"api_key_env" json:"api_key_env"`
	Bin            string `yaml:"bin" json:"bin,omitempty"`
}

type PipelineConfig struct {
	Thresholds   map[string]int    `yaml:"thresholds" json:"thresholds"`
	RetryTargets map[string]string `yaml:"retry_targets" json:"retry_targets,omitempty"`
	TestReview   bool              `yaml:"test_review" json:"test_review"`
	MaxSteps     int               `yaml:"max_steps" json:"max_steps"`
	LeaseSeconds int               `yaml:"lease_seconds" json:"lease_seconds"`
}

type HumanConfig struct {
	Collector      string `yaml:"collector" json:"collector"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type OutputConfig struct {
	Root string `yaml:"root" json:"root"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// ReviewStages are the stages that run a generate/review/decide cycle and need a threshold.
func (c *Config) ReviewStages() []domain.StageID {
	stages := []domain.StageID{domain.StageUserStories, domain.StageDesignDocuments, domain.StageCode}
	if c.Pipeline.TestReview {
		stages = append(stages, domain.StageTestReview)
	}
	return stages
}

// Thresholds returns the configured force-accept thresholds keyed by stage.
func (c *Config) Thresholds() map[domain.StageID]int {
	out := make(map[domain.StageID]int, len(c.Pipeline.Thresholds))
	for k, v := range c.Pipeline.Thresholds {
		out[domain.StageID(k)] = v
	}
	return out
}

func (c *Config) RetryTargets() map[domain.StageID]domain.StageID {
	out := make(map[domain.StageID]domain.StageID, len(c.Pipeline.RetryTargets))
	for k, v := range c.Pipeline.RetryTargets {
		out[domain.StageID(k)] = domain.StageID(v)
	}
	return out
}

func (c *Config) HumanTimeout() time.Duration {
	return time.Duration(c.Human.TimeoutSeconds) * time.Second
}

func (c *Config) GeneratorTimeout() time.Duration {
	return time.Duration(c.Generator.TimeoutSeconds) * time.Second
}

func (c *Config) LeaseTTL() time.Duration {
	if c.Pipeline.LeaseSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Pipeline.LeaseSeconds) * time.Second
}

// Validate ensures the config meets required structure. Errors wrap domain.ErrConfiguration.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Generator.Provider {
	case ProviderAnthropic:
		if c.Generator.Model == "" {
			return fmt.Errorf("generator.model is required for provider %s", ProviderAnthropic)
		}
		if c.Generator.APIKeyEnv == "" {
			return fmt.Errorf("generator.api_key_env is required for provider %s", ProviderAnthropic)
		}
	case ProviderClaudeCLI:
	case "":
		return fmt.Errorf("generator.provider is required")
	default:
		return fmt.Errorf("generator.provider must be one of %s, %s", ProviderAnthropic, ProviderClaudeCLI)
	}
	if c.Generator.MaxTokens < 0 || c.Generator.TimeoutSeconds < 0 || c.Generator.MaxRetries < 0 {
		return fmt.Errorf("generator limits must not be negative")
	}
	review := map[domain.StageID]bool{}
	for _, s := range c.ReviewStages() {
		review[s] = true
		if _, ok := c.Pipeline.Thresholds[string(s)]; !ok {
			return fmt.Errorf("pipeline.thresholds.%s is required", s)
		}
	}
	for stage, n := range c.Pipeline.Thresholds {
		if !domain.StageID(stage).Valid() {
			return fmt.Errorf("pipeline.thresholds has unknown stage %s", stage)
		}
		if n < 0 {
			return fmt.Errorf("pipeline.thresholds.%s must not be negative", stage)
		}
	}
	for stage, target := range c.Pipeline.RetryTargets {
		if !review[domain.StageID(stage)] {
			return fmt.Errorf("pipeline.retry_targets.%s: not a review stage", stage)
		}
		if !domain.StageID(target).Valid() {
			return fmt.Errorf("pipeline.retry_targets.%s: unknown target %s", stage, target)
		}
	}
	if c.Pipeline.MaxSteps <= 0 {
		return fmt.Errorf("pipeline.max_steps must be positive")
	}
	switch c.Human.Collector {
	case CollectorConsole, CollectorInbox:
	default:
		return fmt.Errorf("human.collector must be %s or %s", CollectorConsole, CollectorInbox)
	}
	if c.Human.TimeoutSeconds < 0 {
		return fmt.Errorf("human.timeout_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Pipeline.Thresholds = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid config yaml: %v", domain.ErrConfiguration, err)
	}
	if cfg.Pipeline.Thresholds == nil {
		cfg.Pipeline.Thresholds = Default().Pipeline.Thresholds
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

const defaultTemplate = `generator:
  provider: anthropic
  model: claude-sonnet-4-5
  max_tokens: 8192
  timeout_seconds: 300
  max_retries: 3
  api_key_env: ANTHROPIC_API_KEY
  bin: claude

pipeline:
  # force acceptance once a stage has been rejected this many times
  thresholds:
    user_stories: 1
    design_documents: 1
    code: 4
    test_review: 1
  test_review: false
  max_steps: 100
  lease_seconds: 3600

human:
  collector: console
  timeout_seconds: 0

output:
  root: generated_project
`
