// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides severity-leveled logging for the kernel. Output
// goes to stderr by default, or to a size-rotated log file when configured.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered. TRACE and OFF are not native slog levels; they
// sit below and above the standard ones. WARNING is slog's Warn level under
// the name the config uses.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelOff     = slog.Level(12)
)

type loggerFactory struct {
	// If nil, log to stderr.
	file   *lumberjack.Logger
	format string
	level  *slog.LevelVar
}

var defaultLoggerFactory = &loggerFactory{
	format: "text",
	level:  new(slog.LevelVar),
}

var defaultLogger = defaultLoggerFactory.newLogger()

// InitLogFile redirects logging to the named file, rotated at maxSizeMb,
// with the given format ("text" or "json") and severity.
func InitLogFile(filePath, format, severity string, maxSizeMb int) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported log format: %q", format)
	}

	defaultLoggerFactory.file = &lumberjack.Logger{
		Filename: filePath,
		MaxSize:  maxSizeMb,
	}
	defaultLoggerFactory.format = format
	setLoggingLevel(severity, defaultLoggerFactory.level)
	defaultLogger = defaultLoggerFactory.newLogger()

	return nil
}

// SetLogFormat sets the output format ("text" or "json").
func SetLogFormat(format string) {
	if format == defaultLoggerFactory.format {
		return
	}

	defaultLoggerFactory.format = format
	defaultLogger = defaultLoggerFactory.newLogger()
}

// SetLogSeverity sets the minimum severity that is emitted.
func SetLogSeverity(severity string) {
	setLoggingLevel(severity, defaultLoggerFactory.level)
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelDebug, fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelInfo, fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelWarning, fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelError, fmt.Sprintf(format, v...))
}

// Fatal logs the diagnostic for a kernel-fatal condition and panics. The
// callers are consistency checks; there is nothing to unwind to.
func Fatal(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	defaultLogger.Log(context.Background(), LevelError, msg)
	panic("kernel: " + msg)
}

func (f *loggerFactory) newLogger() *slog.Logger {
	return slog.New(f.createJsonOrTextHandler(f.writer(), f.level))
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}

	return os.Stderr
}

func (f *loggerFactory) createJsonOrTextHandler(
	w io.Writer,
	level *slog.LevelVar) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameSeverity,
	}

	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// Render levels under the severity names the config speaks, including
// TRACE, which slog has no name for.
func renameSeverity(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}

	a.Key = "severity"
	switch a.Value.Any().(slog.Level) {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelDebug:
		a.Value = slog.StringValue("DEBUG")
	case LevelInfo:
		a.Value = slog.StringValue("INFO")
	case LevelWarning:
		a.Value = slog.StringValue("WARNING")
	case LevelError:
		a.Value = slog.StringValue("ERROR")
	}

	return a
}

func setLoggingLevel(severity string, programLevel *slog.LevelVar) {
	switch severity {
	case "TRACE":
		programLevel.Set(LevelTrace)
	case "DEBUG":
		programLevel.Set(LevelDebug)
	case "INFO":
		programLevel.Set(LevelInfo)
	case "WARNING":
		programLevel.Set(LevelWarning)
	case "ERROR":
		programLevel.Set(LevelError)
	case "OFF":
		programLevel.Set(LevelOff)
	}
}
