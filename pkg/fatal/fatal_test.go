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

package fatal

import (
	"errors"
	"testing"
)

func TestCatch(t *testing.T) {
	err := Catch(func() {
		Fatalf("free: double free %#x", 0x80400000)
	})
	if err == nil {
		t.Fatalf("Catch returned nil, want kernel panic")
	}
	if got, want := err.Msg, "free: double free 0x80400000"; got != want {
		t.Errorf("Msg got %q want %q", got, want)
	}
	if got, want := err.Error(), "kernel panic: free: double free 0x80400000"; got != want {
		t.Errorf("Error() got %q want %q", got, want)
	}
}

func TestCatchNoPanic(t *testing.T) {
	if err := Catch(func() {}); err != nil {
		t.Errorf("Catch got %v want nil", err)
	}
}

func TestRecovered(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   any
		want string
	}{
		{"error", errors.New("index out of range"), "index out of range"},
		{"string", "boom", "boom"},
		{"kernel", &Error{Msg: "remap"}, "remap"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Recovered(tc.in)
			if got == nil || got.Msg != tc.want {
				t.Errorf("Recovered(%v) got %v want Msg %q", tc.in, got, tc.want)
			}
		})
	}
	if got := Recovered(nil); got != nil {
		t.Errorf("Recovered(nil) got %v want nil", got)
	}
}
