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

package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var session = &sessionHook{}

// sessionHook copies every entry, debug included, into the session log file.
type sessionHook struct {
	w    io.Writer
	file *os.File
	path string
	mu   sync.Mutex
}

func (*sessionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *sessionHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.w == nil {
		return nil
	}
	msg := entry.Message
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msg += fmt.Sprintf(" %s=%v", k, entry.Data[k])
		}
	}
	_, _ = fmt.Fprintf(h.w, "%s %s: %s\n",
		entry.Time.Format("15:04:05.000"), strings.ToUpper(entry.Level.String()), msg)
	return nil
}

func (h *sessionHook) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.w != nil
}

// InitSessionLog creates a new session log file in dir (the current
// directory when empty) and returns its path.
func InitSessionLog(dir string) (string, error) {
	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("llcp_%s.log", timestamp)
	if dir != "" {
		filename = strings.TrimRight(dir, "/") + "/" + filename
	}

	logFile, err := os.Create(filename) //nolint:gosec // filename is constructed internally
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}
	writeSessionHeader(logFile)

	session.mu.Lock()
	session.file = logFile
	session.path = filename
	session.w = logFile
	session.mu.Unlock()

	loggerMu.Lock()
	if logger == nil {
		logger = buildDefaultLogger()
	}
	updateLevel()
	loggerMu.Unlock()

	return filename, nil
}

// CloseSessionLog closes the current session log file.
func CloseSessionLog() error {
	session.mu.Lock()
	f := session.file
	if f != nil {
		_, _ = fmt.Fprintf(session.w, "\n%s === Session ended ===\n", time.Now().Format("15:04:05.000"))
	}
	session.file = nil
	session.path = ""
	session.w = nil
	session.mu.Unlock()

	loggerMu.Lock()
	updateLevel()
	loggerMu.Unlock()

	if f == nil {
		return nil
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// SessionLogPath returns the current session log file path.
func SessionLogPath() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.path
}

func writeSessionHeader(writer io.Writer) {
	_, _ = fmt.Fprint(writer, "=== LLCP Debug Session Log ===\n")
	_, _ = fmt.Fprintf(writer, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(writer, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(writer, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		_, _ = fmt.Fprintf(writer, "Executable: %s\n", exe)
	}
	_, _ = fmt.Fprintf(writer, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(writer, "==============================\n\n")
}
