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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"rvcore.dev/rvcore/pkg/kernel"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := kernel.DefaultConfig()

	// Debugging flags.
	flagSet.String("config", "", "TOML file with machine settings. Flags given on the command line take precedence.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where error messages are written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("debug-log", "", "additional location for logs. Debug logs are written there.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.String("panic-log", "", "file path where panic reports and other Go's runtime messages are written.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Machine flags.
	flagSet.Int("cpus", def.CPUs, fmt.Sprintf("number of harts, at most %d.", kernel.MaxCPUs))
	flagSet.Int("procs", def.Procs, "number of process table slots.")
	flagSet.Int("text-pages", def.Layout.TextPages, "pages of RAM reserved for kernel text.")
	flagSet.Int("data-pages", def.Layout.DataPages, "pages of RAM reserved for kernel data.")
	flagSet.Int("kernel-pages", def.Layout.KernelPages, "size of the kernel page pool.")
	flagSet.Int("user-pages", def.Layout.UserPages, "size of the user page pool.")
	flagSet.Uint64("tick-instructions", def.TickInstructions, "instructions retired between timer interrupts.")
	flagSet.Duration("idle-max", def.IdleMax, "longest host sleep of an idle hart between virtual ticks.")
	flagSet.Bool("page-debug", false, "fill allocated and freed pages with junk.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, and from the machine file it names. This function uses flag.Getter
// to get the flag value, so every flag must implement it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	fields := flagFields(conf)
	for name, v := range fields {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		v.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	if conf.File != "" {
		md, err := toml.DecodeFile(conf.File, conf)
		if err != nil {
			return nil, fmt.Errorf("loading %q: %w", conf.File, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("loading %q: unknown keys %s", conf.File, strings.Join(keys, ", "))
		}
		// Flags set on the command line win over the file.
		flagSet.Visit(func(fl *flag.Flag) {
			if v, ok := fields[fl.Name]; ok {
				v.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// flagFields maps flag names to the fields of conf they populate.
func flagFields(conf *Config) map[string]reflect.Value {
	fields := make(map[string]reflect.Value)
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fields[name] = obj.Field(i)
	}
	return fields
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags holding their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
