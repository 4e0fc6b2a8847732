// Package config loads the main metabot configuration and the bots file.
// Files are JSON5 (comments and trailing commas allowed); environment
// variables overlay file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the process-wide configuration.
type Config struct {
	// DataDir holds sessions, scheduled tasks, and the audit database.
	DataDir string `json:"dataDir"`

	API       APIConfig       `json:"api"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Agent     AgentConfig     `json:"agent"`
	Memory    MemoryConfig    `json:"memory"`

	// BotsFile points at an external bots file enabling bot CRUD over the
	// API. Bots may also be declared inline.
	BotsFile string      `json:"botsFile"`
	Bots     []BotConfig `json:"bots"`
}

// APIConfig configures the HTTP control plane.
type APIConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secret string `json:"secret"`
	// RateLimitRPM bounds per-client request rate. 0 disables limiting.
	RateLimitRPM int `json:"rateLimitRpm"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	// Timezone is the default IANA zone for recurring tasks.
	Timezone string `json:"timezone"`
	// StorePath overrides the scheduled-tasks file location.
	StorePath string `json:"storePath"`
}

// AgentConfig configures the external agent subprocess.
type AgentConfig struct {
	// Bin is the CLI binary. Empty resolves "claude" from PATH.
	Bin string `json:"bin"`
}

// MemoryConfig points at the external document store.
type MemoryConfig struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
}

// BotConfig is one bot's static configuration.
type BotConfig struct {
	Name     string `json:"name"`
	Platform string `json:"platform"` // "feishu" or "telegram"

	// Feishu credentials. Domain is "feishu", "lark" (default), or a full
	// API base URL.
	AppID     string `json:"appId,omitempty"`
	AppSecret string `json:"appSecret,omitempty"`
	Domain    string `json:"domain,omitempty"`

	// Telegram credentials.
	Token string `json:"token,omitempty"`

	DefaultWorkingDirectory string   `json:"defaultWorkingDirectory"`
	AuthorizedUserIDs       []string `json:"authorizedUserIds,omitempty"`
	AuthorizedChatIDs       []string `json:"authorizedChatIds,omitempty"`
	AllowedTools            []string `json:"allowedTools,omitempty"`
	MaxTurns                int      `json:"maxTurns,omitempty"`
	MaxBudgetUSD            float64  `json:"maxBudgetUsd,omitempty"`
	Model                   string   `json:"model,omitempty"`

	// OutputsDir and DownloadsDir default under DataDir per bot.
	OutputsDir   string `json:"outputsDir,omitempty"`
	DownloadsDir string `json:"downloadsDir,omitempty"`
}

// UserAuthorized reports whether userID may talk to this bot. An empty
// allowlist authorizes everyone.
func (b *BotConfig) UserAuthorized(userID string) bool {
	return allowed(b.AuthorizedUserIDs, userID)
}

// ChatAuthorized reports whether chatID may host this bot.
func (b *BotConfig) ChatAuthorized(chatID string) bool {
	return allowed(b.AuthorizedChatIDs, chatID)
}

func allowed(list []string, id string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// Validate checks the fields a bot cannot run without.
func (b *BotConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("bot name is required")
	}
	switch b.Platform {
	case "feishu":
		if b.AppID == "" || b.AppSecret == "" {
			return fmt.Errorf("bot %s: feishu appId and appSecret are required", b.Name)
		}
	case "telegram":
		if b.Token == "" {
			return fmt.Errorf("bot %s: telegram token is required", b.Name)
		}
	default:
		return fmt.Errorf("bot %s: unknown platform %q", b.Name, b.Platform)
	}
	if b.DefaultWorkingDirectory == "" {
		return fmt.Errorf("bot %s: defaultWorkingDirectory is required", b.Name)
	}
	return nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".metabot"),
		API: APIConfig{
			Host:         "127.0.0.1",
			Port:         18900,
			RateLimitRPM: 60,
		},
		Scheduler: SchedulerConfig{
			Timezone: "Asia/Shanghai",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()

	for i := range cfg.Bots {
		if err := cfg.Bots[i].Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("METABOT_DATA_DIR", &c.DataDir)
	envStr("METABOT_API_SECRET", &c.API.Secret)
	envStr("METABOT_API_HOST", &c.API.Host)
	envStr("METABOT_BOTS_FILE", &c.BotsFile)
	envStr("METABOT_TIMEZONE", &c.Scheduler.Timezone)
	envStr("METABOT_AGENT_BIN", &c.Agent.Bin)
	envStr("METABOT_MEMORY_URL", &c.Memory.BaseURL)
	envStr("METABOT_MEMORY_TOKEN", &c.Memory.Token)
	if v := os.Getenv("METABOT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
}

// expandPaths resolves ~ prefixes and fills derived defaults.
func (c *Config) expandPaths() {
	c.DataDir = ExpandHome(c.DataDir)
	c.BotsFile = ExpandHome(c.BotsFile)
	if c.Scheduler.StorePath == "" {
		c.Scheduler.StorePath = filepath.Join(c.DataDir, "scheduled-tasks.json")
	} else {
		c.Scheduler.StorePath = ExpandHome(c.Scheduler.StorePath)
	}
	for i := range c.Bots {
		c.Bots[i].applyDerivedDirs(c.DataDir)
	}
}

// ApplyDefaults fills the derived per-bot directories against dataDir.
// Needed for bot configs arriving outside Load, such as API bot CRUD.
func (b *BotConfig) ApplyDefaults(dataDir string) {
	b.applyDerivedDirs(dataDir)
}

func (b *BotConfig) applyDerivedDirs(dataDir string) {
	b.DefaultWorkingDirectory = ExpandHome(b.DefaultWorkingDirectory)
	if b.OutputsDir == "" {
		b.OutputsDir = filepath.Join(dataDir, "outputs", b.Name)
	} else {
		b.OutputsDir = ExpandHome(b.OutputsDir)
	}
	if b.DownloadsDir == "" {
		b.DownloadsDir = filepath.Join(dataDir, "downloads", b.Name)
	} else {
		b.DownloadsDir = ExpandHome(b.DownloadsDir)
	}
}

// SessionStorePath returns the per-bot session persistence file.
func (c *Config) SessionStorePath(botName string) string {
	return filepath.Join(c.DataDir, fmt.Sprintf("sessions-%s.json", botName))
}

// AuditStorePath returns the audit database file.
func (c *Config) AuditStorePath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
