// Copyright 2024 The gVisor Authors.
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

// Package cmd holds implementations of the mmsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"gvisor.dev/sv39/pkg/log"
)

// Fatalf logs the error to stderr and to the log, then exits.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// Output formats.
const (
	formatAuto  = "auto"
	formatTable = "table"
	formatJSON  = "json"
)

// resolveFormat returns the concrete output format for w. "auto" selects a
// table when w is a terminal and JSON otherwise.
func resolveFormat(format string, w io.Writer) (string, error) {
	switch format {
	case formatTable, formatJSON:
		return format, nil
	case formatAuto:
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return formatTable, nil
		}
		return formatJSON, nil
	default:
		return "", fmt.Errorf("invalid format %q, must be 'auto', 'table' or 'json'", format)
	}
}
