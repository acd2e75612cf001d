// Package logger builds the root hclog logger. Components receive it by
// injection and derive their own with Named.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Options configure the root logger
type Options struct {
	Name   string
	Level  string // trace, debug, info, warn, error or off
	Format string // text or json
	Output io.Writer
}

// New creates the root logger. Unknown levels fall back to info.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(strings.TrimSpace(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	name := opts.Name
	if name == "" {
		name = "clipshrink"
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     output,
		JSONFormat: strings.EqualFold(opts.Format, "json"),
	})
}

// FromEnv creates the root logger from LOG_LEVEL and LOG_FORMAT
func FromEnv(name string) hclog.Logger {
	return New(Options{
		Name:   name,
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})
}
