package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Apps     []string `yaml:"apps"`
	Database Database `yaml:"database"`
	Trigger  Trigger  `yaml:"trigger"`
	Refresh  Refresh  `yaml:"refresh"`
	Apify    Apify    `yaml:"apify"`
	Comments Comments `yaml:"comments"`
	Notify   Notify   `yaml:"notify"`
	Metrics  Metrics  `yaml:"metrics"`
	Output   Output   `yaml:"output"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

type Database struct {
	URLEnv       string `yaml:"url_env"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type Trigger struct {
	Hourly Cadence `yaml:"hourly"`
	Daily  Cadence `yaml:"daily"`
}

// Cadence holds the tunables of one detector.
type Cadence struct {
	Enabled      bool          `yaml:"enabled"`
	Window       int           `yaml:"window"`
	Multiplier   float64       `yaml:"multiplier"`
	Offset       float64       `yaml:"offset"`
	PeakLookback int           `yaml:"peak_lookback"`
	Cooldown     time.Duration `yaml:"cooldown"`
	SameDayJump  float64       `yaml:"same_day_jump"`
}

type Refresh struct {
	LookbackDays int           `yaml:"lookback_days"`
	Concurrency  int           `yaml:"concurrency"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	TopN         int           `yaml:"top_n"`
}

type Apify struct {
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type Comments struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	OllamaURL   string `yaml:"ollama_url"`
	OpenAIModel string `yaml:"openai_model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	MaxTokens   int    `yaml:"max_tokens"`
	PerPost     int    `yaml:"per_post"`
}

type Notify struct {
	Subject       string `yaml:"subject_prefix"`
	SMTPHostEnv   string `yaml:"smtp_host_env"`
	SMTPPortEnv   string `yaml:"smtp_port_env"`
	SMTPUserEnv   string `yaml:"smtp_user_env"`
	SMTPPassEnv   string `yaml:"smtp_password_env"`
	FromEnv       string `yaml:"from_env"`
	RecipientsEnv string `yaml:"recipients_env"`
}

type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for trialwatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "trialwatch")
}

// DataDir returns the XDG data directory for trialwatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "trialwatch")
}

// LoadEnv loads .env files from the working directory into the process
// environment. Variables already set in the environment win.
func LoadEnv() []string {
	var loaded []string
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/trialwatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'trialwatch init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg, _ := parse(nil)
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Apps: []string{"saga", "berry", "haven", "astra"},
		Database: Database{
			URLEnv:       "DATABASE_URL",
			MaxOpenConns: 12,
		},
		Trigger: Trigger{
			Hourly: Cadence{
				Enabled:      true,
				Window:       72,
				Multiplier:   1.35,
				Offset:       4,
				PeakLookback: 2,
				Cooldown:     3 * time.Hour,
			},
			Daily: Cadence{
				Enabled:     false,
				Window:      30,
				Multiplier:  0.75,
				SameDayJump: 200,
			},
		},
		Refresh: Refresh{
			LookbackDays: 21,
			Concurrency:  10,
			FetchTimeout: 45 * time.Second,
			TopN:         3,
		},
		Apify: Apify{
			BaseURL:    "https://api.apify.com",
			APIKeyEnv:  "APIFY_API_KEY",
			Timeout:    120 * time.Second,
			MaxRetries: 3,
		},
		Comments: Comments{
			Enabled:     false,
			Provider:    "openai",
			Model:       "qwen2.5:7b",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   500,
			PerPost:     15,
		},
		Notify: Notify{
			Subject:       "Trial spike",
			SMTPHostEnv:   "SMTP_HOST",
			SMTPPortEnv:   "SMTP_PORT",
			SMTPUserEnv:   "SMTP_USER",
			SMTPPassEnv:   "SMTP_PASSWORD",
			FromEnv:       "SMTP_FROM",
			RecipientsEnv: "NOTIFY_RECIPIENTS",
		},
		Metrics: Metrics{Job: "trialwatch"},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Apps) == 0 {
		return fmt.Errorf("config: at least one app is required")
	}
	for name, cad := range map[string]Cadence{"hourly": c.Trigger.Hourly, "daily": c.Trigger.Daily} {
		if cad.Window < 2 {
			return fmt.Errorf("config: trigger.%s.window must be at least 2, got %d", name, cad.Window)
		}
		if cad.PeakLookback < 0 || cad.PeakLookback >= cad.Window {
			return fmt.Errorf("config: trigger.%s.peak_lookback out of range", name)
		}
	}
	if c.Refresh.Concurrency < 1 {
		return fmt.Errorf("config: refresh.concurrency must be positive")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DatabaseURL returns the configured connection string, or a sqlite file
// in the data directory when none is set.
func (c *Config) DatabaseURL() string {
	if v := strings.TrimSpace(os.Getenv(c.Database.URLEnv)); v != "" {
		return v
	}
	return "sqlite://" + filepath.Join(c.GetDataDir(), "trialwatch.db")
}

// Recipients returns the notification recipient list from the environment.
func (c *Config) Recipients() []string {
	var out []string
	for _, r := range strings.Split(os.Getenv(c.Notify.RecipientsEnv), ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Env reads the variable named by key, which is itself a config value.
func Env(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(key))
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
