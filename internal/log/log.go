package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string `yaml:"level" env:"LOGGER_LEVEL" env-default:"info" env-description:"Log level (trace, debug, info, warn, error)"`
	Pretty bool   `yaml:"pretty" env:"LOGGER_PRETTY" env-default:"false" env-description:"Enables human-readable console output instead of JSON"`
}

// New constructs the root service logger. Subsystems derive child loggers from it
// with a "channel" field, so output can be filtered per subsystem.
func New(cfg Config, service, version string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}
