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

package pn532

import (
	"fmt"

	"github.com/ZaparooProject/go-llcp/internal/logging"
)

func driverLogger() logging.Logger {
	return logging.GetLogger().ChildLogger(map[string]any{"component": "pn532"})
}

// Debugf logs a driver debug line. It always reaches the session log and
// reaches the console when debug output is enabled.
func Debugf(format string, args ...any) {
	driverLogger().Debugf(format, args...)
}

// Debugln logs its operands like fmt.Sprintln at debug level.
func Debugln(args ...any) {
	msg := fmt.Sprintln(args...)
	driverLogger().Debug(msg[:len(msg)-1])
}

// SetDebugEnabled toggles console debug output for the whole module.
func SetDebugEnabled(enabled bool) {
	logging.SetDebugEnabled(enabled)
}
