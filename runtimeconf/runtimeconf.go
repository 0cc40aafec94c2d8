// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

/*
Package runtimeconf builds and serializes the thread and queue configuration of
a system call proxying enclave runtime.

The configuration is line-oriented:

	Q <queues>
	H <heap bytes>        (optional)
	P <spin count>        (optional)
	L <sleep rate>        (optional)
	s <core|-1> <queue> 0 (one line per outside thread)
	e <core|-1> <queue> 0 (one line per inside thread)

Outside threads are always listed before inside threads. Threads of the same
role are assigned to the queues round-robin.
*/
package runtimeconf

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/thediveo/sgxconf/cpulist"
)

// ThreadRole is the role of a worker thread.
type ThreadRole int

const (
	// Outside threads handle untrusted, kernel-facing system call work.
	Outside ThreadRole = iota
	// Inside threads handle trusted, enclave-facing work.
	Inside
)

// Tag returns the configuration line tag of this role.
func (r ThreadRole) Tag() byte {
	if r == Inside {
		return 'e'
	}
	return 's'
}

func (r ThreadRole) String() string {
	switch r {
	case Outside:
		return "outside"
	case Inside:
		return "inside"
	}
	return "ThreadRole(" + strconv.Itoa(int(r)) + ")"
}

// Unpinned is the core number written for threads not pinned to a core.
const Unpinned = -1

// ThreadSpec describes a single worker thread.
type ThreadSpec struct {
	Role   ThreadRole
	Core   uint // the core this thread was allocated for.
	Pinned bool // pin the thread to Core.
	Queue  int
}

// Pin returns the core number to pin this thread to, or [Unpinned].
func (t ThreadSpec) Pin() int {
	if !t.Pinned {
		return Unpinned
	}
	return int(t.Core)
}

// Config is a complete runtime configuration.
type Config struct {
	Queues  int
	Heap    *uint64 // heap size in bytes, if set.
	Spin    *uint64 // spin count before sleeping, if set.
	Sleep   *uint64 // sleep backoff rate, if set.
	Threads []ThreadSpec
}

// Option configures optional Config parameters when calling [New].
type Option func(*builder)

type builder struct {
	conf Config
	log  logr.Logger
}

// WithHeap sets the heap size in bytes.
func WithHeap(bytes uint64) Option {
	return func(b *builder) { b.conf.Heap = &bytes }
}

// WithSpin sets the number of spins before a waiting thread goes to sleep.
func WithSpin(count uint64) Option {
	return func(b *builder) { b.conf.Spin = &count }
}

// WithSleep sets the sleep backoff rate.
func WithSleep(rate uint64) Option {
	return func(b *builder) { b.conf.Sleep = &rate }
}

// WithLogger sets the logger receiving advisory diagnostics.
func WithLogger(log logr.Logger) Option {
	return func(b *builder) { b.log = log }
}

// ErrNoQueues is returned when asking for a configuration without any queue.
var ErrNoQueues = errors.New("at least one queue required")

// New returns a new Config with the specified number of queues, one outside
// thread per core in outside, and one inside thread per core in inside. The
// threads are pinned to their cores only if pin is true. The i-th thread of
// each role is assigned to queue i modulo queues.
//
// If there are more queues than threads of a role, New logs an advisory
// diagnostic but keeps the number of queues as requested. When pinning, it
// also warns about cores shared by outside and inside threads.
func New(queues int, outside, inside []uint, pin bool, opts ...Option) (*Config, error) {
	if queues < 1 {
		return nil, fmt.Errorf("invalid number of queues %d: %w", queues, ErrNoQueues)
	}
	b := builder{
		conf: Config{Queues: queues},
		log:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.conf.Threads = make([]ThreadSpec, 0, len(outside)+len(inside))
	for _, role := range []struct {
		role  ThreadRole
		cores []uint
	}{
		{Outside, outside},
		{Inside, inside},
	} {
		if queues > len(role.cores) {
			b.log.Info("queue count exceeds thread count",
				"role", role.role.String(), "queues", queues, "threads", len(role.cores))
		}
		for idx, core := range role.cores {
			b.conf.Threads = append(b.conf.Threads, ThreadSpec{
				Role:   role.role,
				Core:   core,
				Pinned: pin,
				Queue:  idx % queues,
			})
		}
	}
	if pin {
		outsideCores := cpulist.FromCPUs(outside...)
		insideCores := cpulist.FromCPUs(inside...)
		if outsideCores.IsOverlapping(insideCores) {
			b.log.Info("outside and inside threads pinned to same cores",
				"outside", outsideCores.String(), "inside", insideCores.String())
		}
	}
	return &b.conf, nil
}

// RoleThreads returns the threads of the specified role, in configuration
// order.
func (c *Config) RoleThreads(role ThreadRole) []ThreadSpec {
	threads := []ThreadSpec{}
	for _, t := range c.Threads {
		if t.Role == role {
			threads = append(threads, t)
		}
	}
	return threads
}

// String returns the configuration in its textual format.
func (c *Config) String() string {
	var b strings.Builder
	writeParam(&b, 'Q', uint64(c.Queues))
	for _, param := range []struct {
		tag   byte
		value *uint64
	}{
		{'H', c.Heap},
		{'P', c.Spin},
		{'L', c.Sleep},
	} {
		if param.value != nil {
			writeParam(&b, param.tag, *param.value)
		}
	}
	for _, role := range []ThreadRole{Outside, Inside} {
		for _, t := range c.RoleThreads(role) {
			b.WriteByte(role.Tag())
			b.WriteByte(' ')
			b.WriteString(strconv.Itoa(t.Pin()))
			b.WriteByte(' ')
			b.WriteString(strconv.Itoa(t.Queue))
			b.WriteString(" 0\n")
		}
	}
	return b.String()
}

func writeParam(b *strings.Builder, tag byte, value uint64) {
	b.WriteByte(tag)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(value, 10))
	b.WriteByte('\n')
}

// WriteTo writes the configuration in its textual format to w.
func (c *Config) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, c.String())
	return int64(n), err
}
