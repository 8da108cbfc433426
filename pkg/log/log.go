// Package log provides structured logging for Plancton using zerolog, with
// an optional rotating file sink for the daemon's own logfile.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// FileConfig describes the rotating logfile described in spec.md §6: 10MB
// per file, 50 backups, directory permissions 0700.
type FileConfig struct {
	Dir        string
	Filename   string
	MaxSizeMB  int
	MaxBackups int
}

// DefaultFileConfig returns Plancton's standard logfile layout.
func DefaultFileConfig(logdir string) FileConfig {
	return FileConfig{
		Dir:        logdir,
		Filename:   "plancton.log",
		MaxSizeMB:  10,
		MaxBackups: 50,
	}
}

// OpenRotatingFile ensures logdir exists with 0700 permissions and returns a
// lumberjack-backed io.Writer that rotates plancton.log in place.
func OpenRotatingFile(cfg FileConfig) (io.Writer, error) {
	if info, err := os.Stat(cfg.Dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.Mkdir(cfg.Dir, 0700); err != nil {
			return nil, err
		}
	} else if err := os.Chmod(cfg.Dir, 0700); err != nil {
		_ = info
		return nil, err
	}

	return &lumberjack.Logger{
		Filename:   cfg.Dir + "/" + cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   false,
	}, nil
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
