// Copyright 2018 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"testing"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		err  bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `1`, want: Info},
		{in: `2`, want: Debug},
		{in: `3`, err: true},
		{in: `"trace"`, err: true},
	} {
		var lv Level
		err := json.Unmarshal([]byte(tc.in), &lv)
		if (err != nil) != tc.err {
			t.Errorf("Unmarshal(%s) error %v, want error %t", tc.in, err, tc.err)
			continue
		}
		if tc.err {
			continue
		}
		if lv != tc.want {
			t.Errorf("Unmarshal(%s) got %v want %v", tc.in, lv, tc.want)
		}
		b, err := json.Marshal(lv)
		if err != nil {
			t.Errorf("Marshal(%v): %v", lv, err)
			continue
		}
		var back Level
		if err := json.Unmarshal(b, &back); err != nil || back != lv {
			t.Errorf("round trip of %v got %v, %v", lv, back, err)
		}
	}

	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal(Level(7)) succeeded")
	}
}
