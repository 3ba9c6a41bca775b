// Copyright 2026 The go-optiga Authors.
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

package optiga

import (
	"fmt"
	"io"
	"os"
	"time"
)

// debugEnabled controls whether debug logging goes to the console.
var debugEnabled = false

// debugWriter receives all debug output regardless of debugEnabled.
// Set via SetDebugWriter, typically to a session log file owned by the
// application.
var debugWriter io.Writer

func init() {
	if os.Getenv("OPTIGA_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled = true
	}
}

// Debugf prints debug information.
// Always writes to the debug writer (if set) with a timestamp.
// Only prints to the console when debug mode is enabled.
func Debugf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)

	if debugWriter != nil {
		timestamp := time.Now().Format("15:04:05.000")
		_, _ = fmt.Fprintf(debugWriter, "%s DEBUG: %s\n", timestamp, message)
	}

	if debugEnabled {
		_, _ = fmt.Printf("DEBUG: %s\n", message)
	}
}

// Debugln prints debug information.
// Always writes to the debug writer (if set) with a timestamp.
// Only prints to the console when debug mode is enabled.
func Debugln(args ...any) {
	message := fmt.Sprint(args...)

	if debugWriter != nil {
		timestamp := time.Now().Format("15:04:05.000")
		_, _ = fmt.Fprintf(debugWriter, "%s DEBUG: %s\n", timestamp, message)
	}

	if debugEnabled {
		_, _ = fmt.Print("DEBUG: ")
		_, _ = fmt.Println(args...)
	}
}

// SetDebugEnabled allows programmatic control of console debug logging.
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// SetDebugWriter routes all debug output to w in addition to the console.
// Pass nil to disable.
func SetDebugWriter(w io.Writer) {
	debugWriter = w
}
