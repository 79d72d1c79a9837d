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

// Package fatal implements the kernel halt path.
//
// Invariant violations (corrupted free lists, double frees, remapping a
// valid entry and so on) are never returned as errors. They call Fatalf,
// which logs the diagnostic and unwinds the current goroutine with an *Error.
// The machine recovers the *Error at the top of every kernel goroutine and
// halts all CPUs.
package fatal

import (
	"fmt"

	"rvcore.dev/rvcore/pkg/log"
)

// Error is the value carried by a kernel panic.
type Error struct {
	Msg string
}

// Error implements error.Error.
func (e *Error) Error() string {
	return "kernel panic: " + e.Msg
}

// Fatalf logs the formatted diagnostic at warning level and halts the
// calling kernel goroutine. It never returns.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Log().WarningfAtDepth(1, "panic: %s", msg)
	panic(&Error{Msg: msg})
}

// Recovered converts a value returned by recover into an *Error. Any panic
// that is not a kernel panic is wrapped so that the machine still halts
// cleanly; nil yields nil.
func Recovered(r any) *Error {
	switch v := r.(type) {
	case nil:
		return nil
	case *Error:
		return v
	case error:
		return &Error{Msg: v.Error()}
	default:
		return &Error{Msg: fmt.Sprint(v)}
	}
}

// Catch runs f and returns the kernel panic it raised, if any.
func Catch(f func()) (err *Error) {
	defer func() {
		err = Recovered(recover())
	}()
	f()
	return nil
}
