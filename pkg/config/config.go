package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Discord DiscordConfig
	LLM     LLMConfig
	Wiki    WikiConfig
	Search  SearchConfig
	WOM     WOMConfig
	Cache   CacheConfig
	Redis   RedisConfig
	SQLite  SQLiteConfig
	Query   QueryConfig
	Agentic AgenticConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Enabled             bool
	Host                string
	Port                int
	ReadTimeout         int
	WriteTimeout        int
	BodyLimit           int
	RateLimitPerMinute  int
	AllowedOrigins      []string
	IsDevelopment       bool
	QueryTimeoutSec     int
	MaxQueryLength      int
	HistoryDefaultLimit int
}

type DiscordConfig struct {
	Enabled  bool
	Token    string
	Prefixes []string
}

type LLMConfig struct {
	Priority        []string
	Models          []ModelConfig
	GeminiAPIKey    string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	CooldownMinutes int
	TimeoutSec      int
	Temperature     float32
	MaxTokens       int
}

// ModelConfig describes one backend in the priority list. Name is the
// identifier used in Priority; Model is the provider's model id.
type ModelConfig struct {
	Name     string
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

type WikiConfig struct {
	BaseURL        string
	UserAgent      string
	TimeoutSec     int
	CacheTTLHours  int
	MaxConcurrency int
}

type SearchConfig struct {
	Enabled         bool
	Endpoint        string
	APIKey          string
	Count           int
	TimeoutSec      int
	MinIntervalMs   int
	MaxRetries      int
	DefaultResetSec int
	MaxContentChars int
	CacheTTLHours   int
}

type WOMConfig struct {
	BaseURL          string
	SiteURL          string
	GroupID          int
	APIKey           string
	UserAgent        string
	TimeoutSec       int
	PlayerTTLMinutes int
	RosterTTLMinutes int
	MetricTTLMinutes int
}

type CacheConfig struct {
	Backend string
	Dir     string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

type SQLiteConfig struct {
	Enabled bool
	Path    string
}

type QueryConfig struct {
	EscalationThreshold  int
	MaxLength            int
	CitationBudget       int
	SynthesisTemperature float32
}

type AgenticConfig struct {
	Enabled       bool
	MaxIterations int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads config.yaml (when present) and YOMIBOT_* environment overrides.
// An explicit path, when non-empty, replaces the search path.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/yomibot")
	}

	v.SetEnvPrefix("YOMIBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.LLM.applyProviderKeys()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyProviderKeys fills per-model credentials from the provider-wide keys.
func (c *LLMConfig) applyProviderKeys() {
	for i := range c.Models {
		m := &c.Models[i]
		if m.Model == "" {
			m.Model = m.Name
		}
		switch m.Provider {
		case "gemini":
			if m.APIKey == "" {
				m.APIKey = c.GeminiAPIKey
			}
		case "openai":
			if m.APIKey == "" {
				m.APIKey = c.OpenAIAPIKey
			}
			if m.BaseURL == "" {
				m.BaseURL = c.OpenAIBaseURL
			}
		}
	}
}

func (c *Config) Validate() error {
	if len(c.LLM.Priority) == 0 {
		return errors.New("llm.priority must list at least one model")
	}
	known := make(map[string]bool, len(c.LLM.Models))
	for _, m := range c.LLM.Models {
		if m.Provider != "gemini" && m.Provider != "openai" {
			return fmt.Errorf("llm model %q: unknown provider %q", m.Name, m.Provider)
		}
		known[m.Name] = true
	}
	for _, name := range c.LLM.Priority {
		if !known[name] {
			return fmt.Errorf("llm.priority references unknown model %q", name)
		}
	}
	if c.Cache.Backend != "file" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be file or redis, got %q", c.Cache.Backend)
	}
	if c.Query.MaxLength > c.Query.CitationBudget {
		return errors.New("query.maxLength must not exceed query.citationBudget")
	}
	if c.Agentic.MaxIterations < 1 {
		return errors.New("agentic.maxIterations must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.rateLimitPerMinute", 20)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.queryTimeoutSec", 120)
	v.SetDefault("server.maxQueryLength", 2000)
	v.SetDefault("server.historyDefaultLimit", 20)

	v.SetDefault("discord.enabled", false)
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.prefixes", []string{"!askyomi", "!yomi", "!ask"})

	v.SetDefault("llm.priority", []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"})
	v.SetDefault("llm.models", []map[string]any{
		{"name": "gemini-2.5-flash", "provider": "gemini"},
		{"name": "gemini-2.5-flash-lite", "provider": "gemini"},
	})
	v.SetDefault("llm.geminiAPIKey", "")
	v.SetDefault("llm.openAIAPIKey", "")
	v.SetDefault("llm.openAIBaseURL", "")
	v.SetDefault("llm.cooldownMinutes", 15)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 2048)

	v.SetDefault("wiki.baseURL", "https://oldschool.runescape.wiki")
	v.SetDefault("wiki.userAgent", "YomiBot/2.0 (OSRS clan Discord assistant)")
	v.SetDefault("wiki.timeoutSec", 15)
	v.SetDefault("wiki.cacheTTLHours", 24)
	v.SetDefault("wiki.maxConcurrency", 4)

	v.SetDefault("search.enabled", true)
	v.SetDefault("search.endpoint", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("search.apiKey", "")
	v.SetDefault("search.count", 5)
	v.SetDefault("search.timeoutSec", 10)
	v.SetDefault("search.minIntervalMs", 1000)
	v.SetDefault("search.maxRetries", 3)
	v.SetDefault("search.defaultResetSec", 5)
	v.SetDefault("search.maxContentChars", 2000)
	v.SetDefault("search.cacheTTLHours", 24)

	v.SetDefault("wom.baseURL", "https://api.wiseoldman.net/v2")
	v.SetDefault("wom.siteURL", "https://wiseoldman.net")
	v.SetDefault("wom.groupID", 3773)
	v.SetDefault("wom.apiKey", "")
	v.SetDefault("wom.userAgent", "YomiBot/2.0")
	v.SetDefault("wom.timeoutSec", 10)
	v.SetDefault("wom.playerTTLMinutes", 60)
	v.SetDefault("wom.rosterTTLMinutes", 15)
	v.SetDefault("wom.metricTTLMinutes", 15)

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", "./cache")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "yomibot")

	v.SetDefault("sqlite.enabled", true)
	v.SetDefault("sqlite.path", "./data/yomibot.db")

	v.SetDefault("query.escalationThreshold", 5)
	v.SetDefault("query.maxLength", 1900)
	v.SetDefault("query.citationBudget", 2000)
	v.SetDefault("query.synthesisTemperature", 0.3)

	v.SetDefault("agentic.enabled", false)
	v.SetDefault("agentic.maxIterations", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
