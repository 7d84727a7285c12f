package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lukasbauer/scribe/internal/audio"
)

type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	// Error monitoring
	SentryDSN              string  `yaml:"sentry_dsn"`
	SentryTracesSampleRate float64 `yaml:"sentry_traces_sample_rate"`
	Environment            string  `yaml:"environment"`

	// Recognition backend
	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	DeepgramURL      string `yaml:"deepgram_url"`
	STTModel         string `yaml:"stt_model"`
	STTLanguage      string `yaml:"stt_language"`
	STTEndpointingMs int    `yaml:"stt_endpointing_ms"`

	// Session limits
	MaxSessions               int            `yaml:"max_sessions"`
	IdleTimeoutSeconds        int            `yaml:"idle_timeout_seconds"`
	MaxSessionDurationSeconds int            `yaml:"max_session_duration_seconds"`
	MaxBufferBytes            int64          `yaml:"max_buffer_bytes"`
	SweepIntervalSeconds      int            `yaml:"sweep_interval_seconds"`
	QualityPresets            map[string]int `yaml:"quality_presets"`

	// Upstream retry and timeouts
	UpstreamMaxAttempts        int `yaml:"upstream_max_attempts"`
	UpstreamInitialBackoffMs   int `yaml:"upstream_initial_backoff_ms"`
	UpstreamOpenTimeoutSeconds int `yaml:"upstream_open_timeout_seconds"`
	FlushTimeoutSeconds        int `yaml:"flush_timeout_seconds"`
	PersistTimeoutSeconds      int `yaml:"persist_timeout_seconds"`
	ShutdownTimeoutSeconds     int `yaml:"shutdown_timeout_seconds"`

	// Audio archive (S3 or compatible)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`

	// Notifications
	DiscordWebhookURL string `yaml:"discord_webhook_url"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:               ":8080",
		LogLevel:               "info",
		SentryTracesSampleRate: 0.2,
		Environment:            "development",

		DeepgramURL:      "wss://api.deepgram.com/v1/listen",
		STTModel:         "nova-3-medical",
		STTLanguage:      "en-US",
		STTEndpointingMs: 300,

		MaxSessions:               100,
		IdleTimeoutSeconds:        300,
		MaxSessionDurationSeconds: 1800,
		MaxBufferBytes:            172_800_000, // 30 min at the high preset
		SweepIntervalSeconds:      30,
		QualityPresets:            map[string]int{"low": 8000, "medium": 16000, "high": 48000},

		UpstreamMaxAttempts:        3,
		UpstreamInitialBackoffMs:   200,
		UpstreamOpenTimeoutSeconds: 10,
		FlushTimeoutSeconds:        5,
		PersistTimeoutSeconds:      15,
		ShutdownTimeoutSeconds:     30,
	}
}

// LoadConfig layers the YAML file at path (optional) and then the
// environment over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	// Derived below unless the file or the environment sets it.
	cfg.MaxBufferBytes = 0
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.MaxBufferBytes == 0 {
		cfg.MaxBufferBytes = cfg.recordingBytes()
	}
	return cfg, nil
}

// recordingBytes is the buffer needed to record a session at the fastest
// quality preset for the whole max session duration.
func (c Config) recordingBytes() int64 {
	fastest := 0
	for _, rate := range c.QualityPresets {
		fastest = max(fastest, rate)
	}
	if fastest == 0 {
		fastest = 48000
	}
	return audio.BytesFor(c.MaxSessionDuration(), fastest)
}

// LoadConfigFromEnv is LoadConfig without a file.
func LoadConfigFromEnv() (Config, error) {
	return LoadConfig("")
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	cfg.SentryDSN = getenv("SENTRY_DSN", cfg.SentryDSN)
	cfg.SentryTracesSampleRate = getenvFloatClamped("SENTRY_TRACES_SAMPLE_RATE", cfg.SentryTracesSampleRate, 0.0, 1.0)
	cfg.Environment = getenv("ENVIRONMENT", cfg.Environment)

	cfg.DeepgramAPIKey = getenv("DEEPGRAM_API_KEY", cfg.DeepgramAPIKey)
	cfg.DeepgramURL = getenv("DEEPGRAM_URL", cfg.DeepgramURL)
	cfg.STTModel = getenv("STT_MODEL", cfg.STTModel)
	cfg.STTLanguage = getenv("STT_LANGUAGE", cfg.STTLanguage)
	cfg.STTEndpointingMs = getenvIntClamped("STT_ENDPOINTING_MS", cfg.STTEndpointingMs, 0, 10000)

	cfg.MaxSessions = getenvIntClamped("MAX_SESSIONS", cfg.MaxSessions, 1, 100000)
	cfg.IdleTimeoutSeconds = getenvIntClamped("IDLE_TIMEOUT_SECONDS", cfg.IdleTimeoutSeconds, 1, 86400)
	cfg.MaxSessionDurationSeconds = getenvIntClamped("MAX_SESSION_DURATION_SECONDS", cfg.MaxSessionDurationSeconds, 1, 7*86400)
	cfg.MaxBufferBytes = int64(getenvIntClamped("MAX_BUFFER_BYTES", int(cfg.MaxBufferBytes), 1024, 1<<30))
	cfg.SweepIntervalSeconds = getenvIntClamped("SWEEP_INTERVAL_SECONDS", cfg.SweepIntervalSeconds, 1, 3600)
	if v := os.Getenv("QUALITY_PRESETS"); v != "" {
		presets, err := parseQualityPresets(v)
		if err != nil {
			return err
		}
		cfg.QualityPresets = presets
	}

	cfg.UpstreamMaxAttempts = getenvIntClamped("UPSTREAM_MAX_ATTEMPTS", cfg.UpstreamMaxAttempts, 1, 10)
	cfg.UpstreamInitialBackoffMs = getenvIntClamped("UPSTREAM_INITIAL_BACKOFF_MS", cfg.UpstreamInitialBackoffMs, 1, 60000)
	cfg.UpstreamOpenTimeoutSeconds = getenvIntClamped("UPSTREAM_OPEN_TIMEOUT_SECONDS", cfg.UpstreamOpenTimeoutSeconds, 1, 120)
	cfg.FlushTimeoutSeconds = getenvIntClamped("FLUSH_TIMEOUT_SECONDS", cfg.FlushTimeoutSeconds, 1, 120)
	cfg.PersistTimeoutSeconds = getenvIntClamped("PERSIST_TIMEOUT_SECONDS", cfg.PersistTimeoutSeconds, 1, 600)
	cfg.ShutdownTimeoutSeconds = getenvIntClamped("SHUTDOWN_TIMEOUT_SECONDS", cfg.ShutdownTimeoutSeconds, 1, 3600)

	cfg.S3Bucket = getenv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = getenv("S3_REGION", cfg.S3Region)
	cfg.S3Endpoint = getenv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Prefix = getenv("S3_PREFIX", cfg.S3Prefix)

	cfg.DiscordWebhookURL = getenv("DISCORD_WEBHOOK_URL", cfg.DiscordWebhookURL)

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseList(v)
	}
	return nil
}

// Validate checks what serve needs to start.
func (c Config) Validate() error {
	var errs []error
	if c.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, errors.New("max_sessions must be at least 1"))
	}
	if c.MaxBufferBytes < 2 {
		errs = append(errs, errors.New("max_buffer_bytes must hold at least one sample"))
	}
	for q, rate := range c.QualityPresets {
		if q != "low" && q != "medium" && q != "high" {
			errs = append(errs, fmt.Errorf("unknown quality preset %q", q))
		}
		if rate <= 0 {
			errs = append(errs, fmt.Errorf("quality preset %q: sample rate must be positive", q))
		}
	}
	return errors.Join(errs...)
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionDurationSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// parseQualityPresets parses "low=8000,medium=16000,high=48000".
func parseQualityPresets(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range parseList(s) {
		name, rate, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("QUALITY_PRESETS: %q is not name=rate", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(rate))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("QUALITY_PRESETS: bad sample rate in %q", pair)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}
