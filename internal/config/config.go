package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/engine"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "npurt.db"
	defaultBackend    = string(backend.TypeReference)

	envListenAddr = "NPURT_LISTEN_ADDR"
	envDBPath     = "NPURT_DB_PATH"
	envLogLevel   = "NPURT_LOG_LEVEL"
	envBackend    = "NPURT_BACKEND"
	envModelPath  = "NPURT_MODEL_PATH"
	envModelCache = "NPURT_MODEL_CACHE"
	envWorkers    = "NPURT_WORKERS"
	envMaxJobs    = "NPURT_MAX_JOBS"
	envOptions    = "NPURT_OPTIONS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Backend   backend.Type
	ModelPath string

	// ModelCache holds downloaded models. Empty selects the user cache
	// directory.
	ModelCache string

	// Workers is the number of callback delivery goroutines.
	Workers int
	MaxJobs int
	Options backend.Options
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Backend:    backend.Type(defaultBackend),
		Workers:    engine.DefaultCallbackWorkers,
		MaxJobs:    engine.DefaultMaxJobs,
		Options:    backend.Options{},
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
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = backend.Type(v)
	}
	cfg.ModelPath = os.Getenv(envModelPath)
	cfg.ModelCache = os.Getenv(envModelCache)

	var err error
	if cfg.Workers, err = positiveInt(envWorkers, cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.MaxJobs, err = positiveInt(envMaxJobs, cfg.MaxJobs); err != nil {
		return Config{}, err
	}
	if v := os.Getenv(envOptions); v != "" {
		if cfg.Options, err = backend.ParseOptions(v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", envOptions, err)
		}
	}

	return cfg, nil
}

// EngineConfig returns the engine settings derived from cfg.
func (c Config) EngineConfig(logger *slog.Logger) engine.Config {
	ec := engine.DefaultConfig()
	ec.CallbackWorkers = c.Workers
	ec.MaxJobs = c.MaxJobs
	ec.Logger = logger
	return ec
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s: want a positive integer, got %q", key, v)
	}
	return n, nil
}

// ParseLogLevel maps a level name to a slog level. Unknown names yield info.
func ParseLogLevel(s string) slog.Level { return parseLogLevel(s) }

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
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
