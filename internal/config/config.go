package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL   string `env:"DATABASE_URL,required"`
	MQTTBrokerURL string `env:"MQTT_BROKER_URL,required"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"pana-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
	NotifyChannel string `env:"NOTIFY_CHANNEL" envDefault:"transcription_completed"`

	AudioDir string `env:"AUDIO_DIR" envDefault:"./audio"`
	S3       S3Config

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	STTProvider        string        `env:"STT_PROVIDER" envDefault:"whisper"`
	WhisperURL         string        `env:"WHISPER_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	WhisperModel       string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	WhisperTimeout     time.Duration `env:"WHISPER_TIMEOUT" envDefault:"120s"`
	WhisperLanguage    string        `env:"WHISPER_LANGUAGE"`
	WhisperTemperature float64       `env:"WHISPER_TEMPERATURE" envDefault:"0"`
	WhisperPrompt      string        `env:"WHISPER_PROMPT"`
	DeepInfraAPIKey    string        `env:"DEEPINFRA_API_KEY"`
	DeepInfraModel     string        `env:"DEEPINFRA_MODEL" envDefault:"openai/whisper-large-v3-turbo"`

	HighPriorityWorkers int           `env:"HIGH_PRIORITY_WORKERS" envDefault:"2"`
	DefaultWorkers      int           `env:"DEFAULT_WORKERS" envDefault:"2"`
	RecoverPending      bool          `env:"RECOVER_PENDING" envDefault:"true"`
	StaleJobAfter       time.Duration `env:"STALE_JOB_AFTER" envDefault:"30m"`

	WatchDir string `env:"WATCH_DIR"`
}

// S3Config enables the S3 audio store when Bucket is set.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Enabled reports whether recordings live in S3.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	AudioDir      string
	WatchDir      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.STTProvider {
	case "whisper":
		if c.WhisperURL == "" {
			return fmt.Errorf("WHISPER_URL is required when STT_PROVIDER=whisper")
		}
	case "deepinfra":
		if c.DeepInfraAPIKey == "" {
			return fmt.Errorf("DEEPINFRA_API_KEY is required when STT_PROVIDER=deepinfra")
		}
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q (want whisper or deepinfra)", c.STTProvider)
	}
	if c.HighPriorityWorkers < 0 || c.DefaultWorkers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	return nil
}
