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

// Package metric provides primitives for collecting metrics and exporting
// them in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"rvcore.dev/rvcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not a path of
	// lowercase words.
	ErrInvalidName = errors.New("metric name must be a path of [a-z0-9_] components")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

func (f Field) validate() error {
	if len(f.allowedValues) == 0 {
		return ErrFieldHasNoAllowedValues
	}
	for _, v := range f.allowedValues {
		if v == "" || strings.ContainsAny(v, "\"\\\n") {
			return ErrFieldValueContainsIllegalChar
		}
	}
	return nil
}

// customUint64Metric is a registered metric whose value is computed on
// demand.
type customUint64Metric struct {
	name        string
	description string
	cumulative  bool
	field       *Field

	// value returns the current value of the metric for the given field
	// value, or for no field value if the metric has no field.
	value func(fieldValues ...string) uint64
}

// Registry holds a set of metrics.
type Registry struct {
	// prefix is prepended to every exported name.
	prefix string

	mu      sync.Mutex
	metrics map[string]customUint64Metric
}

// NewRegistry returns an empty registry whose metrics are exported with
// the given name prefix.
func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix:  prefix,
		metrics: make(map[string]customUint64Metric),
	}
}

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return false
	}
	for _, part := range strings.Split(name[1:], "/") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
				return false
			}
		}
	}
	return true
}

// RegisterCustomUint64Metric registers a metric with the given name. name
// is a path like "/kernel/dispatches".
//
// Preconditions:
//   - value is expected to accept exactly len(fields) arguments.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if !validName(name) {
		return ErrInvalidName
	}
	// Metrics can exist without fields.
	if l := len(fields); l > 1 {
		return fmt.Errorf("%d fields provided, must be <= 1", l)
	}
	m := customUint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	}
	for _, f := range fields {
		if err := f.validate(); err != nil {
			return err
		}
		m.field = &f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return ErrNameInUse
	}
	r.metrics[name] = m
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored.
type Uint64Metric struct {
	field *Field

	// values holds one counter per allowed field value, or a single one
	// for a metric without field.
	values []atomic.Uint64
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func (r *Registry) NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{values: make([]atomic.Uint64, 1)}
	if len(fields) == 1 {
		f := fields[0]
		m.field = &f
		m.values = make([]atomic.Uint64, max(len(f.allowedValues), 1))
	}
	if err := r.RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func (r *Registry) MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric has no fields, got values %v", fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric has one field, got values %v", fieldValues))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("invalid value %q for field %s", fieldValues[0], m.field.name))
}

// Value returns the current value of the metric for the given field value.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}

// Names returns the registered metric names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value returns the current value of the named metric.
func (r *Registry) Value(name string, fieldValues ...string) (uint64, bool) {
	r.mu.Lock()
	m, ok := r.metrics[name]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return m.value(fieldValues...), true
}
