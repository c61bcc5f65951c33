package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config defines logging configuration shared by the coordinator, agent and worker processes.
type Config struct {
	// Log level, e.g. info, debug
	Level string
	// Either text or json
	Format string
	// Defines optional rotating file logging next to console logging
	File struct {
		Enabled    bool
		Path       string
		MaxSizeMb  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}
}

// ConfigureLogging sets up the standard logrus logger with a human-friendly text format.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ConfigureCommandLineLogging sets up logging for CLI output where only the message matters.
func ConfigureCommandLineLogging() {
	log.SetFormatter(new(CommandLineFormatter))
	log.SetOutput(os.Stdout)
}

// ConfigureFromConfig applies level, format and (optionally) rotating file output to the standard logger.
func ConfigureFromConfig(config Config) error {
	ConfigureLogging()
	if config.Level != "" {
		level, err := log.ParseLevel(config.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		log.SetLevel(level)
	}
	switch config.Format {
	case "", "text":
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	default:
		return errors.Errorf("unknown log format %q, valid formats are text and json", config.Format)
	}
	if config.File.Enabled {
		if config.File.Path == "" {
			return errors.New("file logging is enabled but no path is set")
		}
		log.SetOutput(io.MultiWriter(os.Stdout, newRotatingWriter(config)))
	}
	return nil
}

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

func newRotatingWriter(config Config) io.Writer {
	return &lumberjack.Logger{
		Filename:   config.File.Path,
		MaxSize:    config.File.MaxSizeMb,
		MaxBackups: config.File.MaxBackups,
		MaxAge:     config.File.MaxAgeDays,
		Compress:   config.File.Compress,
	}
}
