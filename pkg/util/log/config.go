// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Config configures the process-wide logger.
type Config struct {
	// Level is one of trace, debug, info, warning, error, fatal.
	Level string `toml:"level"`
	// File is the path of the log file. Logs go to stderr when empty.
	File string `toml:"file"`
	// Format is "text" or "json".
	Format string `toml:"format"`
	// Verbosity is the threshold for V and VEventf.
	Verbosity int32 `toml:"verbosity"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// Validate checks the configuration without applying it.
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Format {
	case "text", "json":
	default:
		return errors.Newf("log.format: unknown format %q", c.Format)
	}
	if c.Verbosity < 0 {
		return errors.Newf("log.verbosity: must be non-negative, got %d", c.Verbosity)
	}
	return nil
}

// Setup installs a logger built from cfg. The returned function closes the
// log file, if any, and restores the previous logger.
func Setup(cfg Config) (func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := logrus.ParseLevel(cfg.Level)

	l := newLogger()
	l.SetLevel(lvl)
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	var closer io.Closer
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating log directory for %s", cfg.File)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "opening log file %s", cfg.File)
		}
		l.SetOutput(f)
		closer = f
	}

	prev := logging.logger.Swap(l)
	restoreVerbosity := SetVerbosity(cfg.Verbosity)
	return func() {
		logging.logger.Store(prev)
		restoreVerbosity()
		if closer != nil {
			_ = closer.Close()
		}
	}, nil
}
