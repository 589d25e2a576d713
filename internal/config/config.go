package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"owleval/internal/prolific"
	"owleval/internal/screening"
)

const FileName = "owleval.yml"

// Config models owleval.yml.
type Config struct {
	Progress struct {
		IncludeAnonymous bool `yaml:"include_anonymous"`
	} `yaml:"progress"`
	Prolific  ProlificConfig   `yaml:"prolific"`
	Screening screening.Config `yaml:"screening"`
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
}

type ProlificConfig struct {
	BaseURL         string        `yaml:"base_url" validate:"omitempty,url"`
	TokenEnv        string        `yaml:"token_env" validate:"required"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	SyncConcurrency int           `yaml:"sync_concurrency" validate:"gte=0,lte=32"`
	Review          ReviewConfig  `yaml:"review"`
	Study           StudyDefaults `yaml:"study"`
}

type ReviewConfig struct {
	QualityThreshold float64 `yaml:"quality_threshold" validate:"gte=0,lte=1"`
	MinSubmissions   int     `yaml:"min_submissions" validate:"gte=0"`
	RejectionReason  string  `yaml:"rejection_reason"`
}

type StudyDefaults struct {
	AppBaseURL          string   `yaml:"app_base_url" validate:"omitempty,url"`
	Participants        int      `yaml:"participants" validate:"gte=0"`
	TasksPerParticipant int      `yaml:"tasks_per_participant" validate:"gte=0"`
	Reward              string   `yaml:"reward"`
	Devices             []string `yaml:"devices"`
	Peripherals         []string `yaml:"peripherals"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	JWTSecretEnv     string        `yaml:"jwt_secret_env"`
	AutoSyncInterval time.Duration `yaml:"auto_sync_interval" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Screening.CheckTaskIDs(); err != nil {
		return fmt.Errorf("config.screening: %w", err)
	}
	if c.Prolific.Study.Reward != "" {
		if _, err := decimal.NewFromString(c.Prolific.Study.Reward); err != nil {
			return fmt.Errorf("config.prolific.study.reward %q is not a number", c.Prolific.Study.Reward)
		}
	}
	return nil
}

// StudyReward parses the default per-participant reward.
func (c *Config) StudyReward() decimal.Decimal {
	d, err := decimal.NewFromString(c.Prolific.Study.Reward)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ProlificToken reads the API token from the configured environment variable.
func (c *Config) ProlificToken() string {
	return os.Getenv(c.Prolific.TokenEnv)
}

// NewProlificClient builds a client from the prolific section.
func (c *Config) NewProlificClient() *prolific.Client {
	return prolific.NewClientWithTimeout(c.Prolific.BaseURL, c.ProlificToken(), c.Prolific.Timeout)
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
			return nil, fmt.Errorf("config %s not found; create one with owl-eval config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config on top of the defaults and validates it.
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

const defaultTemplate = `progress:
  include_anonymous: false

prolific:
  base_url: https://api.prolific.com
  token_env: PROLIFIC_API_TOKEN
  timeout: 30s
  sync_concurrency: 1
  review:
    quality_threshold: 0.8
    min_submissions: 5
    rejection_reason: "Evaluations did not meet quality standards (random responses detected)"
  study:
    app_base_url: http://localhost:8080
    participants: 20
    tasks_per_participant: 5
    reward: "2.50"
    devices: [desktop]
    peripherals: [audio]

screening:
  version: "1"
  pass_threshold: 2
  video_tasks:
    - id: frozen-frame
      title: "A clip that never moves"
      video_path: screening/frozen.mp4
      expected_rating: [1, 2]
    - id: smooth-walk
      title: "A clean forward walk"
      video_path: screening/smooth.mp4
      expected_rating: [4, 5]
    - id: glitch-burst
      title: "Heavy texture corruption"
      video_path: screening/glitch.mp4
      expected_rating: [1]
  comparison_tasks:
    - id: frozen-vs-smooth
      title: "Static clip against a moving one"
      video_a_path: screening/frozen.mp4
      video_b_path: screening/smooth.mp4
      expected_winner: B
    - id: glitch-vs-smooth
      title: "Corrupted clip against a clean one"
      video_a_path: screening/smooth.mp4
      video_b_path: screening/glitch.mp4
      expected_winner: A
    - id: twin-clips
      title: "Two near-identical clips"
      video_a_path: screening/smooth.mp4
      video_b_path: screening/smooth-reencoded.mp4
      expected_winner: either

server:
  addr: ":8080"
  jwt_secret_env: OWLEVAL_JWT_SECRET
  auto_sync_interval: 0s

log:
  level: info
  format: json
`
