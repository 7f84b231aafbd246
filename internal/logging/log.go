// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package logging builds the process-wide *slog.Logger with a tint
// handler selected by configured level.
package logging

import (
	"log/slog"
	"os"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/lmittmann/tint"
)

// New builds a tint-backed structured logger for the given level. The
// configured level also picks the single output stream: debug and info write
// to stdout, warn and error to stderr, and cfg.Debug forces stdout. Records
// are not split across streams by their own level.
func New(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	out := os.Stdout
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		level = slog.LevelDebug
	case config.LogLevelInfo:
		level = slog.LevelInfo
	case config.LogLevelWarn:
		level = slog.LevelWarn
		out = os.Stderr
	case config.LogLevelError:
		level = slog.LevelError
		out = os.Stderr
	}
	if cfg.Debug {
		level = slog.LevelDebug
		out = os.Stdout
	}
	return slog.New(tint.NewHandler(out, &tint.Options{Level: level}))
}

// SetDefault builds a logger with New and installs it as slog's package
// default.
func SetDefault(cfg *config.Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}
