// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servenv holds the process-level plumbing shared by connmgr
// binaries.
package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	keyLogLevel  = "log-level"
	keyLogFormat = "log-format"
	keyLogOutput = "log-output"
)

// Logger builds the process logger from the log-level, log-format and
// log-output settings.
type Logger struct {
	v  *viper.Viper
	fs afero.Fs

	once   sync.Once
	mu     sync.Mutex
	logger *slog.Logger
	file   afero.File
}

// NewLogger registers the logging defaults on v. Log files are opened on fs.
func NewLogger(v *viper.Viper, fs afero.Fs) *Logger {
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
	v.SetDefault(keyLogOutput, "stderr")
	return &Logger{v: v, fs: fs}
}

// RegisterFlags registers logging-related command line flags.
// This must be called before ParseFlags if using the logging system.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String(keyLogLevel, lg.v.GetString(keyLogLevel), "Log level (debug, info, warn, error)")
	fs.String(keyLogFormat, lg.v.GetString(keyLogFormat), "Log format (json, text)")
	fs.String(keyLogOutput, lg.v.GetString(keyLogOutput), "Log output (stdout, stderr, or file path)")
	for _, key := range []string{keyLogLevel, keyLogFormat, keyLogOutput} {
		_ = lg.v.BindPFlag(key, fs.Lookup(key))
	}
}

// Setup creates the logger from the current settings and installs it as the
// slog default. Only the first call has any effect.
func (lg *Logger) Setup() *slog.Logger {
	lg.once.Do(func() {
		levelStr := lg.v.GetString(keyLogLevel)
		formatStr := lg.v.GetString(keyLogFormat)
		outputStr := lg.v.GetString(keyLogOutput)

		output, file := lg.openOutput(outputStr)
		newLogger := slog.New(NewHandler(output, formatStr, ParseLevel(levelStr)))
		slog.SetDefault(newLogger)

		lg.mu.Lock()
		lg.logger = newLogger
		lg.file = file
		lg.mu.Unlock()

		newLogger.Debug("logging initialized",
			"level", levelStr,
			"format", formatStr,
			"output", outputStr,
		)
	})
	return lg.Get()
}

// Get returns the logger created by Setup, or slog.Default() before Setup.
func (lg *Logger) Get() *slog.Logger {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

// Close closes the log file, if logging goes to one, and points the slog
// default back at stderr so late records are not written to a closed file.
func (lg *Logger) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.file == nil {
		return nil
	}
	err := lg.file.Close()
	lg.file = nil
	lg.logger = slog.New(NewHandler(os.Stderr, lg.v.GetString(keyLogFormat), ParseLevel(lg.v.GetString(keyLogLevel))))
	slog.SetDefault(lg.logger)
	return err
}

func (lg *Logger) openOutput(output string) (io.Writer, afero.File) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	file, err := lg.fs.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fallback to stderr if file creation fails
		slog.Warn("cannot open log output, logging to stderr", "path", output, "error", err)
		return os.Stderr, nil
	}
	return file, file
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler returns a text or JSON handler. Unknown formats mean JSON.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
