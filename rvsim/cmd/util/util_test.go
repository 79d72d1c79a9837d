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

package util

import (
	"bytes"
	"testing"
)

func TestFatalf(t *testing.T) {
	var buf bytes.Buffer
	oldLogger, oldExit := ErrorLogger, exit
	defer func() {
		ErrorLogger, exit = oldLogger, oldExit
	}()
	ErrorLogger = &buf
	code := 0
	exit = func(c int) { code = c }

	Fatalf("boot %s: %d", "init", 3)
	if got, want := buf.String(), "boot init: 3\n"; got != want {
		t.Errorf("Fatalf wrote %q, want %q", got, want)
	}
	if code != 128 {
		t.Errorf("exit code %d, want 128", code)
	}
}
