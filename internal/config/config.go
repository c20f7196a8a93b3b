// Package config loads the server's configuration from environment
// variables, grounded on the teacher's getEnv/getBoolEnv/getIntEnv helper
// idiom but restructured around the llm/agent/tools/mongo/system/redis
// schema §6 defines, including the upper-case-wins environment override
// rule for provider credentials and proxies.
package config

import (
	"os"
	"strconv"
	"time"
)

// ChatProvider names a supported LLM provider.
type ChatProvider string

const (
	ProviderOpenAI ChatProvider = "openai"
	ProviderGoogle ChatProvider = "google"
)

// RetryConfig mirrors retry.Policy's fields as loaded from configuration.
type RetryConfig struct {
	Enabled         bool
	MaxRetries      int
	InitialDelayMs  int
	MaxDelayMs      int
	ExponentialBase float64
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// ProviderConfig holds the per-provider credentials and proxy overrides.
type ProviderConfig struct {
	Key        string
	BaseURL    string
	HTTPProxy  string
	HTTPSProxy string
}

// LLMConfig configures the LLM client (D1/D2).
type LLMConfig struct {
	ChatProvider ChatProvider
	ChatModel    string
	OpenAI       ProviderConfig
	Google       ProviderConfig
	Retry        RetryConfig
}

// AgentConfig configures the agent run loop and system-prompt assembly.
type AgentConfig struct {
	MaxSteps         int
	TokenLimit       int
	SystemPromptFile string
	BufferWindow     int
	EmaReplyToolName string
}

// ToolsConfig gates which built-in tools are enabled.
type ToolsConfig struct {
	EnableEmaReply   bool
	EnableTimeNow    bool
	EnableCalculator bool
}

// MongoKind selects the document-store backend.
type MongoKind string

const (
	MongoMemory MongoKind = "memory"
	MongoRemote MongoKind = "remote"
)

// MongoConfig configures the document store (A3).
type MongoConfig struct {
	Kind   MongoKind
	URI    string
	DBName string
}

// SystemConfig configures process-wide paths and proxies.
type SystemConfig struct {
	DataRoot   string
	HTTPProxy  string
	HTTPSProxy string
}

// RedisConfig configures the scheduler's distributed lock (D8).
type RedisConfig struct {
	URI string
}

// ServerConfig configures the HTTP/SSE transport (D6).
type ServerConfig struct {
	Port string
}

// SchedulerConfig configures the job scheduler's dispatch limits (C8).
type SchedulerConfig struct {
	DefaultConcurrency int
	MaxConcurrency     int
	LockLifetime       time.Duration
}

// EncryptionConfig configures at-rest memory encryption (A4).
type EncryptionConfig struct {
	MasterKeyHex string
}

// Config is the full, recognized configuration record (§6).
type Config struct {
	LLM        LLMConfig
	Agent      AgentConfig
	Tools      ToolsConfig
	Mongo      MongoConfig
	System     SystemConfig
	Redis      RedisConfig
	Server     ServerConfig
	Scheduler  SchedulerConfig
	Encryption EncryptionConfig
}

// Load reads configuration from environment variables with sane defaults,
// then applies the environment-override rules in §6.
func Load() *Config {
	cfg := &Config{
		LLM: LLMConfig{
			ChatProvider: ChatProvider(getEnv("EMA_CHAT_PROVIDER", "openai")),
			ChatModel:    getEnv("EMA_CHAT_MODEL", "gpt-4o-mini"),
			OpenAI: ProviderConfig{
				Key:     getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_API_BASE", "https://api.openai.com/v1"),
			},
			Google: ProviderConfig{
				Key:     getEnv("GEMINI_API_KEY", ""),
				BaseURL: getEnv("GEMINI_API_BASE", ""),
			},
			Retry: RetryConfig{
				Enabled:         getBoolEnv("EMA_LLM_RETRY_ENABLED", true),
				MaxRetries:      getIntEnv("EMA_LLM_RETRY_MAX", 3),
				InitialDelayMs:  getIntEnv("EMA_LLM_RETRY_INITIAL_DELAY_MS", 500),
				MaxDelayMs:      getIntEnv("EMA_LLM_RETRY_MAX_DELAY_MS", 10000),
				ExponentialBase: getFloatEnv("EMA_LLM_RETRY_BASE", 2.0),
			},
		},
		Agent: AgentConfig{
			MaxSteps:         getIntEnv("EMA_AGENT_MAX_STEPS", 12),
			TokenLimit:       getIntEnv("EMA_AGENT_TOKEN_LIMIT", 32000),
			SystemPromptFile: getEnv("EMA_AGENT_SYSTEM_PROMPT_FILE", "./prompts/system.txt"),
			BufferWindow:     getIntEnv("EMA_AGENT_BUFFER_WINDOW", 10),
			EmaReplyToolName: getEnv("EMA_REPLY_TOOL_NAME", "ema_reply"),
		},
		Tools: ToolsConfig{
			EnableEmaReply:   getBoolEnv("EMA_TOOLS_EMA_REPLY", true),
			EnableTimeNow:    getBoolEnv("EMA_TOOLS_TIME_NOW", true),
			EnableCalculator: getBoolEnv("EMA_TOOLS_CALCULATOR", true),
		},
		Mongo: MongoConfig{
			Kind:   MongoKind(getEnv("EMA_MONGO_KIND", "memory")),
			URI:    getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			DBName: getEnv("EMA_MONGO_DB_NAME", "ema"),
		},
		System: SystemConfig{
			DataRoot: getEnv("EMA_DATA_ROOT", "./data"),
		},
		Redis: RedisConfig{
			URI: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Server: ServerConfig{
			Port: getEnv("PORT", "3001"),
		},
		Scheduler: SchedulerConfig{
			DefaultConcurrency: getIntEnv("EMA_SCHEDULER_DEFAULT_CONCURRENCY", 5),
			MaxConcurrency:     getIntEnv("EMA_SCHEDULER_MAX_CONCURRENCY", 20),
			LockLifetime:       time.Duration(getIntEnv("EMA_SCHEDULER_LOCK_LIFETIME_MS", 60000)) * time.Millisecond,
		},
		Encryption: EncryptionConfig{
			MasterKeyHex: getEnv("ENCRYPTION_MASTER_KEY", ""),
		},
	}

	applyProxyOverrides(cfg)
	return cfg
}

// applyProxyOverrides implements the upper-case-wins-over-lower-case rule
// for HTTP(S)_PROXY, applied to both the system config and each LLM
// provider's per-call proxy.
func applyProxyOverrides(cfg *Config) {
	httpProxy := proxyEnv("HTTP_PROXY", "http_proxy")
	httpsProxy := proxyEnv("HTTPS_PROXY", "https_proxy")

	cfg.System.HTTPProxy = httpProxy
	cfg.System.HTTPSProxy = httpsProxy
	cfg.LLM.OpenAI.HTTPProxy = httpProxy
	cfg.LLM.OpenAI.HTTPSProxy = httpsProxy
	cfg.LLM.Google.HTTPProxy = httpProxy
	cfg.LLM.Google.HTTPSProxy = httpsProxy
}

func proxyEnv(upper, lower string) string {
	if v := os.Getenv(upper); v != "" {
		return v
	}
	return os.Getenv(lower)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
