package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu       sync.RWMutex
	base     zerolog.Logger
	logFile  *os.File
	initOnce sync.Once
)

func init() {
	InitLogger()
}

// InitLogger points the package logger at the console.
func InitLogger() {
	setOutput(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	initOnce.Do(func() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
}

// ResetLogger redirects all output to a per-process file under <home>/logs.
func ResetLogger(oracleHome string) {
	dir := filepath.Join(oracleHome, "logs")
	if oracleHome == "" {
		osHome, err := os.UserHomeDir()
		if err != nil {
			Fatalf("Failed to get user home directory: %v", err)
		}
		dir = filepath.Join(osHome, ".oracled", "logs")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		Fatalf("Failed to create log directory %s: %v", dir, err)
	}

	name := fmt.Sprintf("%s.%d.log", filepath.Base(os.Args[0]), os.Getpid())
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		Fatalf("Failed to create log file: %v", err)
	}

	Infof("From now on, all logs will be written to %s", path)

	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	mu.Unlock()

	setOutput(file)
}

// SetOutput is used by tests to capture log lines.
func SetOutput(w io.Writer) {
	setOutput(w)
}

func setOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel accepts zerolog level names (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Component returns a structured logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger()
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := base
	return &l
}

func Debug(v ...any) {
	logger().Debug().Msg(fmt.Sprint(v...))
}

func Debugf(format string, v ...any) {
	logger().Debug().Msgf(format, v...)
}

func Info(v ...any) {
	logger().Info().Msg(fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	logger().Info().Msgf(format, v...)
}

func Warn(v ...any) {
	logger().Warn().Msg(fmt.Sprint(v...))
}

func Warnf(format string, v ...any) {
	logger().Warn().Msgf(format, v...)
}

func Error(v ...any) {
	logger().Error().Msg(fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	logger().Error().Msgf(format, v...)
}

func Fatal(v ...any) {
	logger().Fatal().Msg(fmt.Sprint(v...))
}

func Fatalf(format string, v ...any) {
	logger().Fatal().Msgf(format, v...)
}
