// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	WithCaller bool   `mapstructure:"with-caller"`
	Level      string `mapstructure:"log-level"`
	// Format is "text" or "json".
	Format string `mapstructure:"log-format"`
	// File additionally writes logs to a rotated file.
	File string `mapstructure:"log-file"`
}

// ConfigFromViper reads the logging flags. verbose raises the level to debug.
func ConfigFromViper(v *viper.Viper) Config {
	level := v.GetString("log-level")
	if v.GetBool("verbose") && level != "trace" {
		level = "debug"
	}
	return Config{
		WithCaller: v.GetBool("with-caller"),
		Level:      level,
		Format:     v.GetString("log-format"),
		File:       v.GetString("log-file"),
	}
}

// Init replaces the global logger. stderr gets console or json output, the
// optional log file always gets plain console lines.
func Init(cfg Config) error {
	return InitWithWriter(cfg, os.Stderr)
}

func InitWithWriter(cfg Config, out io.Writer) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", cfg.Level)
		}
		level = l
	}

	var logWriter io.Writer
	switch cfg.Format {
	case "", "text":
		logWriter = zerolog.ConsoleWriter{Out: out, NoColor: !isTerminal(out)}
	case "json":
		logWriter = out
	default:
		return errors.Errorf("invalid log format %q", cfg.Format)
	}

	if cfg.File != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   cfg.File,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	logger := zerolog.New(logWriter).With().Timestamp()
	if cfg.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}

// isTerminal reports whether w is a terminal, where colors are wanted.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
