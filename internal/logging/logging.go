// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

// Package logging provides the logrus-backed logger shared by the engine,
// the PN532 driver and the command line tools.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used across the module.
type Logger interface {
	Info(...any)
	Debug(...any)
	Error(...any)
	Warn(...any)

	Infof(string, ...any)
	Debugf(string, ...any)
	Errorf(string, ...any)
	Warnf(string, ...any)

	ChildLogger(tags map[string]any) Logger
	WithFields(fields map[string]any) Logger
}

var (
	logger   Logger
	base     *logrus.Logger
	loggerMu sync.Mutex
)

var console = &consoleHook{out: os.Stderr, formatter: &logrus.TextFormatter{DisableTimestamp: true}}

func init() {
	if os.Getenv("LLCP_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		SetDebugEnabled(true)
	}
}

// SetLogger replaces the process-wide logger.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// GetLogger returns the process-wide logger, building the default one on first use.
func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = buildDefaultLogger()
	}
	return logger
}

// SetDebugEnabled switches console output of the default logger between
// Info and Debug level. The session log always receives debug lines.
func SetDebugEnabled(enabled bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	console.setDebug(enabled)
	updateLevel()
}

// DebugEnabled reports whether debug lines reach the console.
func DebugEnabled() bool {
	return console.debugEnabled()
}

// SetOutput redirects console output of the default logger.
func SetOutput(w io.Writer) {
	console.setOutput(w)
}

type defaultLogger struct {
	*logrus.Entry
}

// caller must hold loggerMu
func buildDefaultLogger() Logger {
	if base == nil {
		base = &logrus.Logger{
			Formatter: &logrus.TextFormatter{DisableTimestamp: true},
			Level:     logrus.InfoLevel,
			Out:       io.Discard,
			Hooks:     make(logrus.LevelHooks),
		}
		base.AddHook(console)
		base.AddHook(session)
		updateLevel()
	}
	return &defaultLogger{Entry: base.WithFields(logrus.Fields{})}
}

// caller must hold loggerMu
func updateLevel() {
	if base == nil {
		return
	}
	if console.debugEnabled() || session.active() {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

func (d *defaultLogger) ChildLogger(ff map[string]any) Logger {
	return &defaultLogger{d.Entry.WithFields(ff)}
}

// WithFields tags a single line or a short run of lines. It is ChildLogger
// under the name logrus uses.
func (d *defaultLogger) WithFields(ff map[string]any) Logger {
	return d.ChildLogger(ff)
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{},
		Level:     logrus.PanicLevel,
		Out:       io.Discard,
		Hooks:     make(logrus.LevelHooks),
	}
	return &defaultLogger{Entry: l.WithFields(logrus.Fields{})}
}

type consoleHook struct {
	out       io.Writer
	formatter logrus.Formatter
	mu        sync.Mutex
	debug     bool
}

func (*consoleHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *consoleHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if entry.Level > logrus.InfoLevel && !h.debug {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}

func (h *consoleHook) setDebug(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.debug = enabled
}

func (h *consoleHook) debugEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.debug
}

func (h *consoleHook) setOutput(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out = w
}
