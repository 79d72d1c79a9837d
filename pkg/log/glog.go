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
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter emits logs in the line format of github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// pid fills the thread column of messages not logged on a hart.
var pid = os.Getpid()

// levelChar maps a level to its glog severity letter.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	case Warning:
		return 'W'
	}
	return '?'
}

// caller returns the base file name and line of the frame depth above its
// own caller.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???", 0
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line
}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	g.EmitHart(1+depth, NoHart, level, timestamp, format, args...)
}

// EmitHart implements HartEmitter.EmitHart. Lines have the form
//
//	Lmmdd hh:mm:ss.uuuuuu hart file:line] msg...
//
// where L is the severity letter and hart is the space-padded hart id. Lines
// logged off any hart carry the process id there instead.
func (g GoogleEmitter) EmitHart(depth int, hart int, level Level, timestamp time.Time, format string, args ...any) {
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	file, line := caller(depth)
	thread := pid
	if hart != NoHart {
		thread = hart
	}
	fmt.Fprintf(g.Writer, "%c%02d%02d %02d:%02d:%02d.%06d % 7d %s:%d] %s\n",
		levelChar(level), int(month), day, hour, minute, second, timestamp.Nanosecond()/1000,
		thread, file, line, fmt.Sprintf(format, args...))
}
