// Package config loads daemon configuration from the environment,
// reading an optional .env file first and then letting the real
// environment override it.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultHistoryLength    = 50
	DefaultMinLinesForError = 20
	socketFileName          = "sdkrun.sock"
	logDirName              = ".build_logs"
)

// Config is the daemon's runtime configuration.
type Config struct {
	// SocketPath is the Unix-domain socket the IPC server listens on.
	SocketPath string
	// LogDir is where per-task log files are written.
	LogDir string
	// HistoryLength bounds the task registry.
	HistoryLength int
	// MinLinesForError gates the error-tail replay.
	MinLinesForError int
	// Debug toggles LinePrinter's debug() output.
	Debug bool
	// LogJSON switches hclog to structured JSON output.
	LogJSON bool
	// NoColor disables ANSI colorization regardless of TTY detection.
	NoColor bool
}

// Load reads .env (if present) then the process environment, applying
// defaults for anything unset. It never fails: missing or malformed
// environment variables silently fall back to defaults.
func Load() *Config {
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()

	cfg := &Config{
		SocketPath:       envOr("SDKRUN_SOCKET", defaultSocketPath(home)),
		LogDir:           envOr("SDKRUN_LOG_DIR", filepath.Join(home, logDirName)),
		HistoryLength:    envIntOr("SDKRUN_HISTORY_LENGTH", DefaultHistoryLength),
		MinLinesForError: envIntOr("SDKRUN_MIN_LINES_FOR_ERROR", DefaultMinLinesForError),
		Debug:            envBoolOr("SDKRUN_DEBUG", false),
		LogJSON:          envBoolOr("SDKRUN_LOG_JSON", false),
		NoColor:          envBoolOr("NO_COLOR", false),
	}
	return cfg
}

func defaultSocketPath(home string) string {
	if rd := os.Getenv("XDG_RUNTIME_DIR"); rd != "" {
		return filepath.Join(rd, socketFileName)
	}
	return filepath.Join(home, ".cache", "sdkrun", socketFileName)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
