// Copyright 2020 The gVisor Authors.
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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// build acquires the named resources in order, recording releases in freed.
// It fails when it reaches fail, and on success hands back the release
// function of its Cleanup.
func build(names []string, fail string, freed *[]string) (func(), bool) {
	var cu Cleanup
	defer cu.Clean()
	for _, name := range names {
		if name == fail {
			return nil, false
		}
		cu.Add(func() { *freed = append(*freed, name) })
	}
	return cu.Release(), true
}

func TestUnwind(t *testing.T) {
	for _, tc := range []struct {
		name      string
		fail      string
		wantFreed []string
		wantOK    bool
	}{
		{
			name:      "first step fails",
			fail:      "kstack",
			wantFreed: nil,
		},
		{
			name:      "partial",
			fail:      "trapframe",
			wantFreed: []string{"pagetable", "kstack"},
		},
		{
			name:   "complete",
			wantOK: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var freed []string
			release, ok := build([]string{"kstack", "pagetable", "trapframe"}, tc.fail, &freed)
			if ok != tc.wantOK {
				t.Fatalf("build ok = %t, want %t", ok, tc.wantOK)
			}
			if diff := cmp.Diff(tc.wantFreed, freed); diff != "" {
				t.Errorf("freed mismatch (-want +got):\n%s", diff)
			}
			if ok {
				// Released cleaners still run in reverse when asked to.
				release()
				if diff := cmp.Diff([]string{"trapframe", "pagetable", "kstack"}, freed); diff != "" {
					t.Errorf("released cleaners mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestReleaseAfterPartialAdd(t *testing.T) {
	var ran []int
	cu := Make(func() { ran = append(ran, 1) })
	cu.Add(func() { ran = append(ran, 2) })
	release := cu.Release()

	// Cleaners added after Release belong to the Cleanup again, not to the
	// released function.
	cu.Add(func() { ran = append(ran, 3) })
	cu.Clean()
	if diff := cmp.Diff([]int{3}, ran); diff != "" {
		t.Errorf("Clean after Release mismatch (-want +got):\n%s", diff)
	}

	release()
	if diff := cmp.Diff([]int{3, 2, 1}, ran); diff != "" {
		t.Errorf("released function mismatch (-want +got):\n%s", diff)
	}

	// Both are spent now.
	cu.Clean()
	if len(ran) != 3 {
		t.Errorf("second Clean ran cleaners again: %v", ran)
	}
}
