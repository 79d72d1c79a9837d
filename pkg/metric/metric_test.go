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

package metric

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"rvcore.dev/rvcore/pkg/kernel"
)

func parse(t *testing.T, r *Registry) map[string]*dto.MetricFamily {
	t.Helper()
	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v\n%s", err, buf.String())
	}
	return parsed
}

// value returns the value of the sample of mf whose labels match labels.
func value(t *testing.T, mf *dto.MetricFamily, labels map[string]string) float64 {
	t.Helper()
	for _, m := range mf.GetMetric() {
		got := make(map[string]string)
		for _, l := range m.GetLabel() {
			got[l.GetName()] = l.GetValue()
		}
		if len(got) != len(labels) || !cmp.Equal(labels, got, cmpopts.EquateEmpty()) {
			continue
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("%s has no sample with labels %v", mf.GetName(), labels)
	return 0
}

func TestRegisterErrors(t *testing.T) {
	r := NewRegistry("test")
	zero := func(...string) uint64 { return 0 }
	for _, tc := range []struct {
		name   string
		fields []Field
		want   error
	}{
		{"no_slash", nil, ErrInvalidName},
		{"/Upper", nil, ErrInvalidName},
		{"/a//b", nil, ErrInvalidName},
		{"/empty_field", []Field{NewField("f", nil)}, ErrFieldHasNoAllowedValues},
		{"/bad_value", []Field{NewField("f", []string{"a\"b"})}, ErrFieldValueContainsIllegalChar},
	} {
		if err := r.RegisterCustomUint64Metric(tc.name, true, "", zero, tc.fields...); !errors.Is(err, tc.want) {
			t.Errorf("RegisterCustomUint64Metric(%q) = %v, want %v", tc.name, err, tc.want)
		}
	}
	if err := r.RegisterCustomUint64Metric("/ok", true, "", zero); err != nil {
		t.Fatalf("RegisterCustomUint64Metric(/ok): %v", err)
	}
	if err := r.RegisterCustomUint64Metric("/ok", true, "", zero); !errors.Is(err, ErrNameInUse) {
		t.Errorf("second registration = %v, want %v", err, ErrNameInUse)
	}
	if err := r.RegisterCustomUint64Metric("/two", true, "", zero, NewField("a", []string{"x"}), NewField("b", []string{"y"})); err == nil {
		t.Errorf("registration with two fields succeeded")
	}
	if diff := cmp.Diff([]string{"/ok"}, r.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
}

func TestUint64Metric(t *testing.T) {
	r := NewRegistry("test")
	plain := r.MustCreateNewUint64Metric("/ops", "Operations.")
	byKind := r.MustCreateNewUint64Metric("/ops_by_kind", "Operations by kind.", NewField("kind", []string{"read", "write"}))
	plain.IncrementBy(3)
	plain.Increment()
	byKind.Increment("write")
	byKind.IncrementBy(5, "write")

	if got := plain.Value(); got != 4 {
		t.Errorf("plain = %d, want 4", got)
	}
	if got, ok := r.Value("/ops_by_kind", "write"); !ok || got != 6 {
		t.Errorf("Value(/ops_by_kind, write) = %d, %v, want 6, true", got, ok)
	}
	if _, ok := r.Value("/missing"); ok {
		t.Errorf("Value of a missing metric succeeded")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with an unknown field value did not panic")
		}
	}()
	byKind.Increment("delete")
}

func TestWriteText(t *testing.T) {
	r := NewRegistry("test")
	now := time.Unix(1700000000, 0)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	c := r.MustCreateNewUint64Metric("/fs/opens", "Opens.")
	c.IncrementBy(7)
	r.MustRegisterCustomUint64Metric("/pool/free", false, "Free pages.", func(...string) uint64 { return 42 })

	parsed := parse(t, r)
	opens, ok := parsed["test_fs_opens"]
	if !ok {
		t.Fatalf("test_fs_opens missing from %v", parsed)
	}
	if opens.GetType() != dto.MetricType_COUNTER || opens.GetHelp() != "Opens." {
		t.Errorf("test_fs_opens is %v %q", opens.GetType(), opens.GetHelp())
	}
	if got := value(t, opens, nil); got != 7 {
		t.Errorf("test_fs_opens = %v, want 7", got)
	}
	if got := opens.GetMetric()[0].GetTimestampMs(); got != now.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", got, now.UnixMilli())
	}
	free := parsed["test_pool_free"]
	if free.GetType() != dto.MetricType_GAUGE || value(t, free, nil) != 42 {
		t.Errorf("test_pool_free = %v", free)
	}
}

func TestKernelMetrics(t *testing.T) {
	k, err := kernel.New(kernel.Config{CPUs: 1, Procs: 4, TickInstructions: 100})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	r := NewRegistry(KernelPrefix)
	if err := RegisterKernelMetrics(r, k); err != nil {
		t.Fatalf("RegisterKernelMetrics: %v", err)
	}
	if err := RegisterKernelMetrics(r, k); !errors.Is(err, ErrNameInUse) {
		t.Errorf("second RegisterKernelMetrics = %v, want %v", err, ErrNameInUse)
	}

	for i := 0; i < 2; i++ {
		if _, err := k.Create(func(t *kernel.Task) { t.Compute(300) }, "worker"); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	parsed := parse(t, r)
	if got := value(t, parsed["rvcore_proc_live"], nil); got != 2 {
		t.Errorf("rvcore_proc_live = %v, want 2", got)
	}
	if got := value(t, parsed["rvcore_proc_by_state"], map[string]string{"state": "runnable"}); got != 2 {
		t.Errorf("runnable processes = %v, want 2", got)
	}
	if got := value(t, parsed["rvcore_proc_by_level"], map[string]string{"level": "1"}); got != 2 {
		t.Errorf("processes at level 1 = %v, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	parsed = parse(t, r)
	if got := value(t, parsed["rvcore_kernel_dispatches"], nil); got < 2 {
		t.Errorf("rvcore_kernel_dispatches = %v, want at least 2", got)
	}
	if got := value(t, parsed["rvcore_kernel_ticks"], nil); got < 3 {
		t.Errorf("rvcore_kernel_ticks = %v, want at least 3", got)
	}
	if got := value(t, parsed["rvcore_proc_live"], nil); got != 0 {
		t.Errorf("rvcore_proc_live after Run = %v, want 0", got)
	}
	if got, want := value(t, parsed["rvcore_mm_free_user_pages"], nil), float64(k.Stats().FreeUserPages); got != want {
		t.Errorf("rvcore_mm_free_user_pages = %v, want %v", got, want)
	}
}
