package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Secrets are normally supplied
// through the environment (or .env.local) rather than the YAML file.
type Config struct {
	Topics      []string `yaml:"topics"`
	TopicLimit  int      `yaml:"topic_limit"`
	MaxPerRun   int      `yaml:"max_per_run"`
	ReplyMaxLen int      `yaml:"reply_max_len"`
	DryRun      bool     `yaml:"dry_run"`
	Tone        string   `yaml:"tone"`
	Timezone    string   `yaml:"timezone"`
	LogLevel    string   `yaml:"log_level"`

	Filter   FilterConfig   `yaml:"filter"`
	Approval ApprovalConfig `yaml:"approval"`
	X        XConfig        `yaml:"x"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Telegram TelegramConfig `yaml:"telegram"`
	State    StateConfig    `yaml:"state"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Persona  PersonaConfig  `yaml:"persona"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// FilterConfig controls which collected posts survive filtering.
type FilterConfig struct {
	AllowHandles []string `yaml:"allow_handles"`
	MinFollowers int      `yaml:"min_followers"`
	MinReplies   int      `yaml:"min_replies"`
	MinLikes     int      `yaml:"min_likes"`
	WindowHours  int      `yaml:"window_hours"`
}

// ApprovalConfig bounds the human approval wait.
type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	PollSeconds    int `yaml:"poll_seconds"`
}

// Timeout returns the approval window as a duration.
func (a ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// PollInterval returns the update polling interval as a duration.
func (a ApprovalConfig) PollInterval() time.Duration {
	return time.Duration(a.PollSeconds) * time.Second
}

// XConfig carries both X credential sets: the OAuth 1.0a user context used
// for search, and the OAuth 2.0 client used for posting.
type XConfig struct {
	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
	AccessToken    string `yaml:"access_token"`
	AccessSecret   string `yaml:"access_secret"`

	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	RefreshToken string `yaml:"refresh_token"`
}

// CanSearch reports whether the OAuth 1.0a credential set is complete.
func (x XConfig) CanSearch() bool {
	return x.ConsumerKey != "" && x.ConsumerSecret != "" && x.AccessToken != "" && x.AccessSecret != ""
}

// CanPublish reports whether the OAuth 2.0 credential set is complete.
func (x XConfig) CanPublish() bool {
	return x.ClientID != "" && x.RefreshToken != ""
}

// OpenAIConfig configures the reply drafting model.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// TelegramConfig configures the approval chat.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// StateConfig selects the state backend: a JSON file store under Dir by
// default, SQLite when DBPath is set.
type StateConfig struct {
	Dir    string `yaml:"dir"`
	DBPath string `yaml:"db_path"`
}

// MirrorConfig configures the HTML mirror used by the scrape fallback.
// An empty BaseURL disables that strategy.
type MirrorConfig struct {
	BaseURL string `yaml:"base_url"`
}

// PersonaConfig names the voice replies are written in.
type PersonaConfig struct {
	Name   string `yaml:"name"`
	Handle string `yaml:"handle"`
}

// ScheduleConfig drives daemon mode: one discovery pass per day at
// DiscoverTime, a publish sweep every PublishEveryMinutes.
type ScheduleConfig struct {
	DiscoverTime        string `yaml:"discover_time"`
	PublishEveryMinutes int    `yaml:"publish_every_minutes"`
}

// discoverTimeRegex validates HH:MM format with proper ranges.
var discoverTimeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// Load reads configuration from a YAML file and applies defaults and
// environment overrides. A missing file is not an error: configuration may be
// supplied entirely through the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env.local")

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("ORBIT_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}

func applyDefaults(cfg *Config) {
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"ai agents"}
	}
	if cfg.TopicLimit == 0 {
		cfg.TopicLimit = 5
	}
	if cfg.MaxPerRun == 0 {
		cfg.MaxPerRun = 1
	}
	if cfg.ReplyMaxLen == 0 {
		cfg.ReplyMaxLen = 200
	}
	if cfg.Tone == "" {
		cfg.Tone = "auto"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Filter.MinFollowers == 0 {
		cfg.Filter.MinFollowers = 10000
	}
	if cfg.Filter.MinReplies == 0 {
		cfg.Filter.MinReplies = 10
	}
	if cfg.Filter.MinLikes == 0 {
		cfg.Filter.MinLikes = 10
	}
	if cfg.Filter.WindowHours == 0 {
		cfg.Filter.WindowHours = 12
	}
	if cfg.Approval.TimeoutSeconds == 0 {
		cfg.Approval.TimeoutSeconds = 60
	}
	if cfg.Approval.PollSeconds == 0 {
		cfg.Approval.PollSeconds = 2
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = "./state"
	}
	if cfg.Schedule.DiscoverTime == "" {
		cfg.Schedule.DiscoverTime = "09:00"
	}
	if cfg.Schedule.PublishEveryMinutes == 0 {
		cfg.Schedule.PublishEveryMinutes = 15
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("ORBIT_TOPICS"); v != "" {
		var topics []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
		if len(topics) > 0 {
			cfg.Topics = topics
		}
	}
	if v := os.Getenv("ORBIT_MAX_POSTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPerRun = n
		}
	}
	if v := os.Getenv("ORBIT_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}
	if v := os.Getenv("ORBIT_TONE"); v != "" {
		cfg.Tone = v
	}
	if v := os.Getenv("ORBIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORBIT_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("ORBIT_DB_PATH"); v != "" {
		cfg.State.DBPath = v
	}
	if v := os.Getenv("ORBIT_MIRROR_URL"); v != "" {
		cfg.Mirror.BaseURL = v
	}

	if v := os.Getenv("X_CONSUMER_KEY"); v != "" {
		cfg.X.ConsumerKey = v
	}
	if v := os.Getenv("X_CONSUMER_SECRET"); v != "" {
		cfg.X.ConsumerSecret = v
	}
	if v := os.Getenv("X_ACCESS_TOKEN"); v != "" {
		cfg.X.AccessToken = v
	}
	if v := os.Getenv("X_ACCESS_SECRET"); v != "" {
		cfg.X.AccessSecret = v
	}
	if v := os.Getenv("X_CLIENT_ID"); v != "" {
		cfg.X.ClientID = v
	}
	if v := os.Getenv("X_CLIENT_SECRET"); v != "" {
		cfg.X.ClientSecret = v
	}
	if v := os.Getenv("X_REDIRECT_URL"); v != "" {
		cfg.X.RedirectURL = v
	}
	if v := os.Getenv("X_REFRESH_TOKEN"); v != "" {
		cfg.X.RefreshToken = v
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAI.Model = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required")
	}
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	switch cfg.Tone {
	case "auto", "strategic", "playful", "cosmic":
	default:
		return fmt.Errorf("tone must be auto, strategic, playful or cosmic, got %q", cfg.Tone)
	}
	if cfg.ReplyMaxLen < 1 {
		return fmt.Errorf("reply_max_len must be positive, got %d", cfg.ReplyMaxLen)
	}
	if !discoverTimeRegex.MatchString(cfg.Schedule.DiscoverTime) {
		return fmt.Errorf("schedule.discover_time must be in HH:MM format (00:00-23:59), got %q", cfg.Schedule.DiscoverTime)
	}
	if cfg.Schedule.PublishEveryMinutes < 1 {
		return fmt.Errorf("schedule.publish_every_minutes must be positive, got %d", cfg.Schedule.PublishEveryMinutes)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return nil
}

// SlogLevel maps the configured log level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
