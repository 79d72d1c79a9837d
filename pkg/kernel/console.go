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

package kernel

import (
	"io"
	"sync/atomic"

	"rvcore.dev/rvcore/pkg/errors/kernerr"
	"rvcore.dev/rvcore/pkg/fatal"
	"rvcore.dev/rvcore/pkg/sync"
)

// Console is the console file. Output goes straight to the configured
// writer. Input arrives through the UART: bytes fed with Input sit in the
// device FIFO until the UART interrupt moves them to the read buffer.
type Console struct {
	k *Kernel

	// mu protects buf and eof.
	mu  sync.Spinlock
	buf []byte
	eof bool

	outMu sync.Mutex
	out   io.Writer

	fifoMu  sync.Mutex
	fifo    []byte
	fifoEOF bool

	refs atomic.Int64
}

func newConsole(k *Kernel, out io.Writer) *Console {
	c := &Console{k: k, out: out}
	c.mu.Init("cons")
	return c
}

// Input feeds b to the UART receiver.
func (cons *Console) Input(b []byte) {
	cons.fifoMu.Lock()
	cons.fifo = append(cons.fifo, b...)
	cons.fifoMu.Unlock()
	cons.k.raise(UARTIRQ)
}

// CloseInput signals end of input once the buffered bytes are read.
func (cons *Console) CloseInput() {
	cons.fifoMu.Lock()
	cons.fifoEOF = true
	cons.fifoMu.Unlock()
	cons.k.raise(UARTIRQ)
}

// intr is the UART interrupt handler.
func (cons *Console) intr(c *CPU) {
	cons.fifoMu.Lock()
	b, eof := cons.fifo, cons.fifoEOF
	cons.fifo = nil
	cons.fifoMu.Unlock()

	cons.mu.Lock(c)
	cons.buf = append(cons.buf, b...)
	cons.eof = cons.eof || eof
	cons.k.wakeup(c, cons)
	cons.mu.Unlock(c)
}

// Read implements File.Read. It blocks until input is available.
func (cons *Console) Read(t *Task, dst []byte) (int, error) {
	p := t.p
	c := p.running
	cons.mu.Lock(c)
	for len(cons.buf) == 0 && !cons.eof {
		if p.isKilled(c) {
			cons.mu.Unlock(c)
			return -1, kernerr.EINTR
		}
		c = cons.k.sleep(p, cons, &cons.mu)
	}
	n := copy(dst, cons.buf)
	cons.buf = cons.buf[n:]
	cons.mu.Unlock(c)
	return n, nil
}

// Write implements File.Write.
func (cons *Console) Write(t *Task, src []byte) (int, error) {
	cons.outMu.Lock()
	defer cons.outMu.Unlock()
	return cons.out.Write(src)
}

// IncRef implements File.IncRef.
func (cons *Console) IncRef() {
	cons.refs.Add(1)
}

// DecRef implements File.DecRef. The console is never released.
func (cons *Console) DecRef() {
	if cons.refs.Add(-1) < 0 {
		fatal.Fatalf("console: negative reference count")
	}
}

// Refs returns the number of descriptors referring to the console.
func (cons *Console) Refs() int64 {
	return cons.refs.Load()
}
