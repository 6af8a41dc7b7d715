// Package config loads the relay's runtime configuration from the
// environment, with flags overriding for local runs.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	envVarPort          = "PORT"
	envVarRedisURL      = "REDIS_URL"
	envVarRedisHost     = "REDISHOST"
	envVarRedisPort     = "REDISPORT"
	envVarRedisPassword = "REDISPASSWORD"
	envVarDatabaseURL   = "DATABASE_URL"

	envVarMaxPayloadSize = "MAX_PAYLOAD_SIZE"
	envVarMaxFrameBytes  = "MAX_FRAME_BYTES"
	envVarQueueTTL       = "QUEUE_TTL"
	envVarMaxQueueLen    = "MAX_QUEUE_LEN"
	envVarSyncCodeTTL    = "SYNC_CODE_TTL"
	envVarMaxTokens      = "MAX_TOKENS"
	envVarRefillRate     = "REFILL_RATE"

	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"
	envVarWSPingInterval  = "WS_PING_INTERVAL"
	envVarWSIdleTimeout   = "WS_IDLE_TIMEOUT"
)

const (
	DefaultPort = 3000

	DefaultMaxPayloadSize = 5 << 20  // 5 MiB
	DefaultMaxFrameBytes  = 10 << 20 // transport frame cap
	DefaultQueueTTL       = 1800 * time.Second
	DefaultMaxQueueLen    = 100
	DefaultSyncCodeTTL    = 300 * time.Second
	DefaultMaxTokens      = 100
	DefaultRefillRate     = 10 // tokens/sec

	DefaultShutdownTimeout = 15 * time.Second
	DefaultWSPingInterval  = 30 * time.Second
	DefaultWSIdleTimeout   = 90 * time.Second

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Port int

	// Redis backs presence, queues, invites, and pub/sub. RedisURL wins over
	// the host/port/password triple.
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// DatabaseURL points at the external account store. Empty means an
	// in-process store (registrations do not survive restarts).
	DatabaseURL string

	MaxPayloadSize int
	MaxFrameBytes  int64
	QueueTTL       time.Duration
	MaxQueueLen    int
	MaxTokens      int64
	RefillRate     int64
	SyncCodeTTL    time.Duration

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	WSPingInterval  time.Duration
	WSIdleTimeout   time.Duration
}

func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	maxPayloadSize, err := envIntOrDefault(lookup, envVarMaxPayloadSize, DefaultMaxPayloadSize)
	if err != nil {
		return Config{}, err
	}
	maxFrameBytes, err := envIntOrDefault(lookup, envVarMaxFrameBytes, DefaultMaxFrameBytes)
	if err != nil {
		return Config{}, err
	}
	queueTTL, err := envSecondsOrDefault(lookup, envVarQueueTTL, DefaultQueueTTL)
	if err != nil {
		return Config{}, err
	}
	maxQueueLen, err := envIntOrDefault(lookup, envVarMaxQueueLen, DefaultMaxQueueLen)
	if err != nil {
		return Config{}, err
	}
	syncCodeTTL, err := envSecondsOrDefault(lookup, envVarSyncCodeTTL, DefaultSyncCodeTTL)
	if err != nil {
		return Config{}, err
	}
	maxTokens, err := envIntOrDefault(lookup, envVarMaxTokens, DefaultMaxTokens)
	if err != nil {
		return Config{}, err
	}
	refillRate, err := envIntOrDefault(lookup, envVarRefillRate, DefaultRefillRate)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	redisHost := envOrDefault(lookup, envVarRedisHost, "")
	redisPort := envOrDefault(lookup, envVarRedisPort, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	databaseURL := envOrDefault(lookup, envVarDatabaseURL, "")

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	fs := flag.NewFlagSet("cipherlink-relay", flag.ContinueOnError)
	fs.IntVar(&port, "port", port, "listen port")
	fs.StringVar(&redisURL, "redis-url", redisURL, "redis connection URL")
	fs.StringVar(&databaseURL, "database-url", databaseURL, "account store connection URL")
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port: port,

		RedisURL:      redisURL,
		RedisHost:     redisHost,
		RedisPort:     redisPort,
		RedisPassword: redisPassword,
		DatabaseURL:   databaseURL,

		MaxPayloadSize: maxPayloadSize,
		MaxFrameBytes:  int64(maxFrameBytes),
		QueueTTL:       queueTTL,
		MaxQueueLen:    maxQueueLen,
		MaxTokens:      int64(maxTokens),
		RefillRate:     int64(refillRate),
		SyncCodeTTL:    syncCodeTTL,

		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		WSPingInterval:  wsPingInterval,
		WSIdleTimeout:   wsIdleTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid %s %d", envVarPort, c.Port)
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxPayloadSize)
	}
	if c.MaxFrameBytes < int64(c.MaxPayloadSize) {
		return fmt.Errorf("%s must be at least %s", envVarMaxFrameBytes, envVarMaxPayloadSize)
	}
	if c.QueueTTL <= 0 {
		return fmt.Errorf("%s must be positive", envVarQueueTTL)
	}
	if c.MaxQueueLen <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxQueueLen)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxTokens)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%s must be positive", envVarRefillRate)
	}
	if c.SyncCodeTTL <= 0 {
		return fmt.Errorf("%s must be positive", envVarSyncCodeTTL)
	}
	if c.RedisURL == "" && c.RedisHost == "" {
		return fmt.Errorf("either %s or %s is required", envVarRedisURL, envVarRedisHost)
	}
	return nil
}

// NewLogger builds the process logger: tinted text output for dev, JSON for
// prod.
func NewLogger(cfg Config) (*slog.Logger, error) {
	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: time.TimeOnly,
		})
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		})
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

// envSecondsOrDefault reads a whole-second count, the unit the TTL knobs use
// on the wire-compatible deployments.
func envSecondsOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return time.Duration(n) * time.Second, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
