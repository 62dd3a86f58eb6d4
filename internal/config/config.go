// Package config provides configuration for the console server.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the console configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int // 0 disables the JSON-RPC push server

	// Database
	DatabaseURL string

	// Upstream chat completion API (OpenAI-compatible)
	LLMBaseURL     string
	LLMAPIKey      string // empty forces the local fallback generator
	LLMModel       string
	LLMTimeout     time.Duration
	LLMIdleTimeout time.Duration

	// Runs
	RunTimeout         time.Duration
	HistoryLimit       int
	FallbackTokenDelay time.Duration

	// Speech synthesis
	TTSBaseURL string
	TTSAPIKey  string
	TTSModel   string
	TTSVoice   string
	TTSFormat  string
	MediaDir   string

	// Prompts seeded at startup
	PromptsFile string

	// Transports
	SSEHeartbeat   time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Defaults registers every key with its default value on v.
func Defaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("RPC_PORT", 0)
	v.SetDefault("DATABASE_URL", "file:console.db?mode=rwc&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	v.SetDefault("LLM_BASE_URL", "https://api.openai.com")
	v.SetDefault("LLM_API_KEY", "")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TIMEOUT_MS", 300000)
	v.SetDefault("LLM_IDLE_TIMEOUT_MS", 30000)
	v.SetDefault("RUN_TIMEOUT_MS", 300000)
	v.SetDefault("HISTORY_LIMIT", 30)
	v.SetDefault("FALLBACK_TOKEN_DELAY_MS", 50)
	v.SetDefault("TTS_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("TTS_API_KEY", "")
	v.SetDefault("TTS_MODEL", "gpt-4o-mini-tts")
	v.SetDefault("TTS_VOICE", "alloy")
	v.SetDefault("TTS_FORMAT", "mp3")
	v.SetDefault("MEDIA_DIR", "media")
	v.SetDefault("PROMPTS_FILE", "")
	v.SetDefault("SSE_HEARTBEAT_MS", 15000)
	v.SetDefault("WS_PING_INTERVAL_MS", 30000)
	v.SetDefault("WS_WRITE_TIMEOUT_MS", 10000)
	v.SetDefault("WS_READ_TIMEOUT_MS", 60000)
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 65536)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_FILE", "")
}

// Load loads configuration from the environment, reading a .env file first
// when one is present in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	v := viper.New()
	Defaults(v)
	v.AutomaticEnv()
	return FromViper(v)
}

// FromViper builds a Config from an already-populated viper instance.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		HTTPPort:           v.GetInt("HTTP_PORT"),
		RPCPort:            v.GetInt("RPC_PORT"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		LLMBaseURL:         v.GetString("LLM_BASE_URL"),
		LLMAPIKey:          v.GetString("LLM_API_KEY"),
		LLMModel:           v.GetString("LLM_MODEL"),
		LLMTimeout:         millis(v, "LLM_TIMEOUT_MS"),
		LLMIdleTimeout:     millis(v, "LLM_IDLE_TIMEOUT_MS"),
		RunTimeout:         millis(v, "RUN_TIMEOUT_MS"),
		HistoryLimit:       v.GetInt("HISTORY_LIMIT"),
		FallbackTokenDelay: millis(v, "FALLBACK_TOKEN_DELAY_MS"),
		TTSBaseURL:         v.GetString("TTS_BASE_URL"),
		TTSAPIKey:          v.GetString("TTS_API_KEY"),
		TTSModel:           v.GetString("TTS_MODEL"),
		TTSVoice:           v.GetString("TTS_VOICE"),
		TTSFormat:          v.GetString("TTS_FORMAT"),
		MediaDir:           v.GetString("MEDIA_DIR"),
		PromptsFile:        v.GetString("PROMPTS_FILE"),
		SSEHeartbeat:       millis(v, "SSE_HEARTBEAT_MS"),
		PingInterval:       millis(v, "WS_PING_INTERVAL_MS"),
		WriteTimeout:       millis(v, "WS_WRITE_TIMEOUT_MS"),
		ReadTimeout:        millis(v, "WS_READ_TIMEOUT_MS"),
		MaxMessageSize:     v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFormat:          v.GetString("LOG_FORMAT"),
		LogFile:            v.GetString("LOG_FILE"),
	}
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Millisecond
}
