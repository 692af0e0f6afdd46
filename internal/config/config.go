package config

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "validator.db"
	defaultCallbackTimeout    = 30 * time.Second
	defaultCallbackAttempts   = 3
	defaultCallbackRetryDelay = time.Second
	defaultStorageAttempts    = 3
	defaultRateLimit          = 2.0

	envListenAddr         = "VALIDATOR_LISTEN_ADDR"
	envDBPath             = "VALIDATOR_DB_PATH"
	envLogLevel           = "VALIDATOR_LOG_LEVEL"
	envWorkDir            = "VALIDATOR_WORK_DIR"
	envCallbackTimeout    = "VALIDATOR_CALLBACK_TIMEOUT"
	envCallbackAttempts   = "VALIDATOR_CALLBACK_ATTEMPTS"
	envCallbackRetryDelay = "VALIDATOR_CALLBACK_RETRY_DELAY"
	envCallbackAuth       = "VALIDATOR_CALLBACK_AUTH"
	envCallbackSigningKey = "VALIDATOR_CALLBACK_SIGNING_KEY"
	envStorageAttempts    = "VALIDATOR_STORAGE_ATTEMPTS"
	envS3Region           = "VALIDATOR_S3_REGION"
	envS3Endpoint         = "VALIDATOR_S3_ENDPOINT"
	envPushgatewayURL     = "VALIDATOR_PUSHGATEWAY_URL"
	envEnergyPlusBin      = "VALIDATOR_ENERGYPLUS_BIN"
	envFMISimulator       = "VALIDATOR_FMI_SIMULATOR"
	envRateLimit          = "VALIDATOR_RATE_LIMIT"
)

// Callback authorization modes.
const (
	CallbackAuthGoogle = "google"
	CallbackAuthJWT    = "jwt"
	CallbackAuthNone   = "none"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	// WorkDir is the parent of per-run work directories. Empty means the
	// system temp directory.
	WorkDir string

	CallbackTimeout    time.Duration
	CallbackAttempts   int
	CallbackRetryDelay time.Duration
	CallbackAuth       string
	CallbackSigningKey string

	StorageAttempts int
	S3Region        string
	S3Endpoint      string

	// PushgatewayURL enables pushing job metrics when set.
	PushgatewayURL string

	EnergyPlusBin string
	FMISimulator  string

	// RateLimit is the sustained number of run submissions per second the
	// worker API accepts.
	RateLimit float64
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
// Values that do not parse keep their default.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		CallbackTimeout:    defaultCallbackTimeout,
		CallbackAttempts:   defaultCallbackAttempts,
		CallbackRetryDelay: defaultCallbackRetryDelay,
		CallbackAuth:       CallbackAuthGoogle,
		StorageAttempts:    defaultStorageAttempts,
		RateLimit:          defaultRateLimit,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCallbackAuth); v != "" {
		cfg.CallbackAuth = strings.ToLower(strings.TrimSpace(v))
	}

	cfg.WorkDir = os.Getenv(envWorkDir)
	cfg.CallbackSigningKey = os.Getenv(envCallbackSigningKey)
	cfg.S3Region = os.Getenv(envS3Region)
	cfg.S3Endpoint = os.Getenv(envS3Endpoint)
	cfg.PushgatewayURL = os.Getenv(envPushgatewayURL)
	cfg.EnergyPlusBin = os.Getenv(envEnergyPlusBin)
	cfg.FMISimulator = os.Getenv(envFMISimulator)

	cfg.CallbackTimeout = durationEnv(envCallbackTimeout, cfg.CallbackTimeout)
	cfg.CallbackRetryDelay = durationEnv(envCallbackRetryDelay, cfg.CallbackRetryDelay)
	cfg.CallbackAttempts = intEnv(envCallbackAttempts, cfg.CallbackAttempts)
	cfg.StorageAttempts = intEnv(envStorageAttempts, cfg.StorageAttempts)

	if v := os.Getenv(envRateLimit); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimit = f
		}
	}

	return cfg
}

// durationEnv accepts Go durations ("30s") or a bare number of seconds.
func durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
