package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/boomlive/replybot/internal/storage"
	"github.com/spf13/viper"
)

type Config struct {
	Twitter   TwitterConfig          `mapstructure:"twitter"`
	Bot       BotConfig              `mapstructure:"bot"`
	LLM       LLMConfig              `mapstructure:"llm"`
	Media     MediaConfig            `mapstructure:"media"`
	Webhook   WebhookConfig          `mapstructure:"webhook"`
	RateLimit RateLimitConfig        `mapstructure:"rate_limit"`
	Dedup     DedupConfig            `mapstructure:"dedup"`
	Cache     CacheConfig            `mapstructure:"cache"`
	Database  storage.DatabaseConfig `mapstructure:"database"`
}

type TwitterConfig struct {
	BearerToken       string        `mapstructure:"bearer_token"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	AccessToken       string        `mapstructure:"access_token"`
	AccessTokenSecret string        `mapstructure:"access_token_secret"`
	BotUsername       string        `mapstructure:"bot_username"`
	BotUserID         string        `mapstructure:"bot_user_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type BotConfig struct {
	Mode                string        `mapstructure:"mode"` // "polling" or "webhook"
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	InitialWait         time.Duration `mapstructure:"initial_wait"`
	MaxResults          int           `mapstructure:"max_results"`
	ReplyDelay          time.Duration `mapstructure:"reply_delay"`
	RateLimitMinWait    time.Duration `mapstructure:"rate_limit_min_wait"`
	AuthFailureWait     time.Duration `mapstructure:"auth_failure_wait"`
	ErrorWait           time.Duration `mapstructure:"error_wait"`
	MaxReplyLength      int           `mapstructure:"max_reply_length"`
	DMMaxLength         int           `mapstructure:"dm_max_length"`
	ReplyToMentions     bool          `mapstructure:"reply_to_mentions"`
	ReplyToDMs          bool          `mapstructure:"reply_to_dms"`
	ConversationContext bool          `mapstructure:"conversation_context"`
	ThreadMode          string        `mapstructure:"thread_mode"` // "per_author" or "per_mention"
	ListenAddr          string        `mapstructure:"listen_addr"`
}

type LLMConfig struct {
	Provider    string        `mapstructure:"provider"` // "query" or "openai"
	APIURL      string        `mapstructure:"api_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Fallback    string        `mapstructure:"fallback"`
	OpenAI      OpenAIConfig  `mapstructure:"openai"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type MediaConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIURL  string        `mapstructure:"api_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	Secret        string        `mapstructure:"secret"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	EventTimeout  time.Duration `mapstructure:"event_timeout"`
}

type RateLimitConfig struct {
	Read    WindowConfig `mapstructure:"read"`
	Reply   WindowConfig `mapstructure:"reply"`
	PerUser WindowConfig `mapstructure:"per_user"`
}

type WindowConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Window      time.Duration `mapstructure:"window"`
	Ceiling     int           `mapstructure:"ceiling"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type DedupConfig struct {
	Expiry     time.Duration `mapstructure:"expiry"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Duration time.Duration `mapstructure:"duration"`
}

func parseDatabaseURL(dbURL string) (storage.DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return storage.DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return storage.DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("twitter.timeout", "30s")
	v.SetDefault("bot.mode", "polling")
	v.SetDefault("bot.poll_interval", "60s")
	v.SetDefault("bot.initial_wait", "60s")
	v.SetDefault("bot.max_results", 10)
	v.SetDefault("bot.reply_delay", "2s")
	v.SetDefault("bot.rate_limit_min_wait", "60s")
	v.SetDefault("bot.auth_failure_wait", "5m")
	v.SetDefault("bot.error_wait", "60s")
	v.SetDefault("bot.max_reply_length", 280)
	v.SetDefault("bot.dm_max_length", 10000)
	v.SetDefault("bot.reply_to_mentions", true)
	v.SetDefault("bot.reply_to_dms", true)
	v.SetDefault("bot.conversation_context", false)
	v.SetDefault("bot.thread_mode", "per_author")
	v.SetDefault("bot.listen_addr", ":8080")
	v.SetDefault("llm.provider", "query")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.retry_delay", "2s")
	v.SetDefault("llm.fallback", "Sorry, I can't answer right now.")
	v.SetDefault("llm.openai.model", "gpt-3.5-turbo")
	v.SetDefault("llm.openai.max_tokens", 150)
	v.SetDefault("llm.openai.temperature", 0.7)
	v.SetDefault("media.enabled", false)
	v.SetDefault("media.timeout", "30s")
	v.SetDefault("webhook.max_concurrent", 16)
	v.SetDefault("webhook.event_timeout", "2m")
	v.SetDefault("rate_limit.read.enabled", true)
	v.SetDefault("rate_limit.read.window", "15m")
	v.SetDefault("rate_limit.read.ceiling", 180)
	v.SetDefault("rate_limit.reply.window", "15m")
	v.SetDefault("rate_limit.reply.ceiling", 50)
	v.SetDefault("rate_limit.reply.min_interval", "0s")
	v.SetDefault("rate_limit.per_user.enabled", true)
	v.SetDefault("rate_limit.per_user.window", "15m")
	v.SetDefault("rate_limit.per_user.ceiling", 300)
	v.SetDefault("dedup.expiry", "24h")
	v.SetDefault("dedup.max_entries", 1000)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.duration", "1h")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", true)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file when one was given
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TWITTER_BEARER_TOKEN"); token != "" {
		config.Twitter.BearerToken = token
	}
	if key := v.GetString("TWITTER_API_KEY"); key != "" {
		config.Twitter.APIKey = key
	}
	if secret := v.GetString("TWITTER_API_SECRET"); secret != "" {
		config.Twitter.APISecret = secret
	}
	if token := v.GetString("TWITTER_ACCESS_TOKEN"); token != "" {
		config.Twitter.AccessToken = token
	}
	if secret := v.GetString("TWITTER_ACCESS_TOKEN_SECRET"); secret != "" {
		config.Twitter.AccessTokenSecret = secret
	}
	if username := v.GetString("BOT_USERNAME"); username != "" {
		config.Twitter.BotUsername = username
	}
	if id := v.GetString("BOT_USER_ID"); id != "" {
		config.Twitter.BotUserID = id
	}
	if apiURL := v.GetString("LLM_API_URL"); apiURL != "" {
		config.LLM.APIURL = apiURL
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.OpenAI.APIKey = apiKey
	}
	if apiURL := v.GetString("MEDIA_API_URL"); apiURL != "" {
		config.Media.APIURL = apiURL
		config.Media.Enabled = true
	}
	if secret := v.GetString("WEBHOOK_SECRET"); secret != "" {
		config.Webhook.Secret = secret
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations that cannot run at all. Optional features
// validate only when enabled.
func (c *Config) Validate() error {
	if c.Twitter.BearerToken == "" {
		return fmt.Errorf("twitter.bearer_token is required")
	}
	if c.Twitter.BotUsername == "" {
		return fmt.Errorf("twitter.bot_username is required")
	}

	switch c.Bot.Mode {
	case "polling":
	case "webhook":
		if c.Webhook.Secret == "" {
			return fmt.Errorf("webhook.secret is required in webhook mode")
		}
	default:
		return fmt.Errorf("bot.mode must be %q or %q, got %q", "polling", "webhook", c.Bot.Mode)
	}

	switch c.Bot.ThreadMode {
	case "per_author", "per_mention":
	default:
		return fmt.Errorf("bot.thread_mode must be %q or %q, got %q", "per_author", "per_mention", c.Bot.ThreadMode)
	}

	switch c.LLM.Provider {
	case "query":
		if c.LLM.APIURL == "" {
			return fmt.Errorf("llm.api_url is required with the query provider")
		}
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("llm.openai.api_key is required with the openai provider")
		}
	default:
		return fmt.Errorf("llm.provider must be %q or %q, got %q", "query", "openai", c.LLM.Provider)
	}

	if c.Media.Enabled && c.Media.APIURL == "" {
		return fmt.Errorf("media.api_url is required when media is enabled")
	}
	return nil
}
