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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"rvcore.dev/rvcore/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are shown to users of the command line tool.
var ErrorLogger io.Writer = os.Stderr

// exit is os.Exit. Can be replaced in tests.
var exit = os.Exit

// Fatalf logs the same message as Errorf and exits with status 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	exit(128)
}

// Errorf logs to stderr and the debug log.
func Errorf(format string, args ...any) {
	// The log may be a file nobody watches, so the message is written to
	// both.
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
}

// Infof writes an informational message to stderr and the debug log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
}
