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
	"io"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// PrometheusName returns the exported name of metric name: the registry
// prefix followed by the path components joined with underscores.
func (r *Registry) PrometheusName(name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if r.prefix == "" {
		return n
	}
	return r.prefix + "_" + n
}

// Families snapshots every metric as a Prometheus metric family, sorted by
// name.
func (r *Registry) Families() []*dto.MetricFamily {
	ts := proto.Int64(timeNow().UnixMilli())
	var families []*dto.MetricFamily
	for _, name := range r.Names() {
		r.mu.Lock()
		m := r.metrics[name]
		r.mu.Unlock()

		typ := dto.MetricType_GAUGE
		if m.cumulative {
			typ = dto.MetricType_COUNTER
		}
		mf := &dto.MetricFamily{
			Name: proto.String(r.PrometheusName(name)),
			Help: proto.String(m.description),
			Type: typ.Enum(),
		}
		if m.field == nil {
			mf.Metric = append(mf.Metric, sample(m.cumulative, float64(m.value()), ts))
		} else {
			for _, v := range m.field.allowedValues {
				s := sample(m.cumulative, float64(m.value(v)), ts)
				s.Label = []*dto.LabelPair{{
					Name:  proto.String(m.field.name),
					Value: proto.String(v),
				}}
				mf.Metric = append(mf.Metric, s)
			}
		}
		families = append(families, mf)
	}
	return families
}

func sample(cumulative bool, v float64, ts *int64) *dto.Metric {
	if cumulative {
		return &dto.Metric{Counter: &dto.Counter{Value: proto.Float64(v)}, TimestampMs: ts}
	}
	return &dto.Metric{Gauge: &dto.Gauge{Value: proto.Float64(v)}, TimestampMs: ts}
}

// WriteText writes a snapshot of every metric to w in the Prometheus text
// exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, mf := range r.Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
