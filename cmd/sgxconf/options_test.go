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

package main

import (
	"errors"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/thediveo/sgxconf/cpulist"
	"github.com/thediveo/sgxconf/units"

	. "github.com/onsi/ginkgo/v2/dsl/core"
	. "github.com/onsi/ginkgo/v2/dsl/table"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

type fakeEnv struct {
	affinity    cpulist.Set
	affinityErr error
	cores       []uint
	coresErr    error
}

func (e *fakeEnv) Affinity() (cpulist.Set, error) { return e.affinity, e.affinityErr }

func (e *fakeEnv) PhysicalCores() ([]uint, error) { return e.cores, e.coresErr }

// eightWay is a system with 8 logical CPUs on 4 physical cores.
func eightWay() *fakeEnv {
	return &fakeEnv{
		affinity: cpulist.Set{}.SetRange(0, 7),
		cores:    []uint{0, 1, 2, 3},
	}
}

func defaultOptions() Options {
	return Options{
		CPUs:    unset,
		Outside: unset,
		Inside:  unset,
		Queues:  unset,
	}
}

func recorder(lines *[]string) logr.Logger {
	return funcr.New(func(prefix, args string) {
		*lines = append(*lines, args)
	}, funcr.Options{})
}

func verboseRecorder(lines *[]string) logr.Logger {
	return funcr.New(func(prefix, args string) {
		*lines = append(*lines, args)
	}, funcr.Options{Verbosity: 1})
}

var _ = Describe("resolving options", func() {

	It("splits the physical cores by default", func() {
		p := Successful(defaultOptions().Resolve(eightWay(), logr.Discard()))
		Expect(p.Pool).To(Equal([]uint{0, 1, 2, 3}))
		Expect(p.Outside).To(Equal(2))
		Expect(p.Inside).To(Equal(2))
		Expect(p.Queues).To(BeZero())
		Expect(p.Pin).To(BeFalse())
		Expect(p.Heap).To(BeNil())
	})

	It("gives the larger half to outside threads", func() {
		env := eightWay()
		env.cores = []uint{0, 1, 2, 3, 4}
		p := Successful(defaultOptions().Resolve(env, logr.Discard()))
		Expect(p.Outside).To(Equal(3))
		Expect(p.Inside).To(Equal(2))
	})

	DescribeTable("defaulting thread counts",
		func(outside, inside int, expectedOutside, expectedInside int) {
			o := defaultOptions()
			o.Outside, o.Inside = outside, inside
			p := Successful(o.Resolve(eightWay(), logr.Discard()))
			Expect(p.Outside).To(Equal(expectedOutside))
			Expect(p.Inside).To(Equal(expectedInside))
		},
		Entry(nil, unset, unset, 2, 2),
		Entry(nil, 3, unset, 3, 1),
		Entry(nil, unset, 1, 3, 1),
		Entry(nil, 6, unset, 6, 0),
		Entry(nil, 1, 1, 1, 1),
	)

	It("limits the physical cores to the core budget", func() {
		o := defaultOptions()
		o.CPUs = 3
		p := Successful(o.Resolve(eightWay(), logr.Discard()))
		Expect(p.Pool).To(Equal([]uint{0, 1, 2}))
	})

	It("uses logical CPUs when asked to", func() {
		o := defaultOptions()
		o.Hyperthreads = true
		p := Successful(o.Resolve(eightWay(), logr.Discard()))
		Expect(p.Pool).To(Equal([]uint{0, 1, 2, 3, 4, 5, 6, 7}))
		Expect(p.Outside).To(Equal(4))
		Expect(p.Inside).To(Equal(4))
	})

	It("uses explicit cores and always pins", func() {
		o := defaultOptions()
		o.Cores = []string{"6", "1-2", "2,4"}
		o.Hyperthreads = true
		p := Successful(o.Resolve(eightWay(), logr.Discard()))
		Expect(p.Pool).To(Equal([]uint{1, 2, 4, 6}))
		Expect(p.Pin).To(BeTrue())
	})

	It("warns about explicit cores outside the affinity mask", func() {
		o := defaultOptions()
		o.Cores = []string{"1", "42"}
		var lines []string
		_ = Successful(o.Resolve(eightWay(), recorder(&lines)))
		Expect(lines).To(ConsistOf(
			And(ContainSubstring("core not in affinity mask"), ContainSubstring(`"core"=42`))))
	})

	It("rejects explicit cores beyond 64 bits", func() {
		o := defaultOptions()
		o.Cores = []string{"18446744073709551616"}
		Expect(o.Resolve(eightWay(), logr.Discard())).Error().To(MatchError(ContainSubstring("CPU number out of range")))
	})

	It("rejects malformed explicit cores", func() {
		o := defaultOptions()
		o.Cores = []string{"1", "x"}
		Expect(o.Resolve(eightWay(), logr.Discard())).Error().To(MatchError(ContainSubstring(`invalid core "x"`)))
	})

	It("warns about more threads than cores", func() {
		o := defaultOptions()
		o.Outside, o.Inside = 4, 4
		var lines []string
		p := Successful(o.Resolve(eightWay(), recorder(&lines)))
		Expect(p.Outside).To(Equal(4))
		Expect(p.Inside).To(Equal(4))
		Expect(lines).To(ConsistOf(ContainSubstring("more threads requested than cores available")))
	})

	It("parses tunables", func() {
		o := defaultOptions()
		o.Heap, o.Spin, o.Sleep = "64Mi", "10k", "3"
		p := Successful(o.Resolve(eightWay(), logr.Discard()))
		Expect(*p.Heap).To(Equal(uint64(64 << 20)))
		Expect(*p.Spin).To(Equal(uint64(10000)))
		Expect(*p.Sleep).To(Equal(uint64(3)))
	})

	It("shows the parsed tunables in human-readable form", func() {
		o := defaultOptions()
		o.Heap, o.Spin = "4Gi", "10k"
		var lines []string
		_ = Successful(o.Resolve(eightWay(), verboseRecorder(&lines)))
		Expect(lines).To(ContainElement(And(
			ContainSubstring(`"name"="heap"`), ContainSubstring(`"value"="4.0 GiB"`))))
		Expect(lines).To(ContainElement(And(
			ContainSubstring(`"name"="spin"`), ContainSubstring(`"value"="10,000"`))))
	})

	It("accepts unknown unit suffixes unless strict", func() {
		o := defaultOptions()
		o.Heap = "64XB"
		p := Successful(o.Resolve(eightWay(), logr.Discard()))
		Expect(*p.Heap).To(Equal(uint64(64)))

		o.StrictUnits = true
		Expect(o.Resolve(eightWay(), logr.Discard())).Error().To(MatchError(units.ErrUnknownSuffix))
	})

	DescribeTable("rejecting invalid options",
		func(modify func(o *Options), expected error) {
			o := defaultOptions()
			modify(&o)
			Expect(o.Resolve(eightWay(), logr.Discard())).Error().To(MatchError(expected))
		},
		Entry("no queues", func(o *Options) { o.Queues = 0 }, errInvalidQueues),
		Entry("no cores", func(o *Options) { o.CPUs = 0 }, errInvalidCPUs),
		Entry("negative threads", func(o *Options) { o.Inside = -2 }, errInvalidCount),
		Entry("bad heap", func(o *Options) { o.Heap = "Mi" }, units.ErrNoDigits),
		Entry("heap beyond 64 bits", func(o *Options) { o.Heap = "18446744073709551616" }, units.ErrOverflow),
		Entry("scaled spin beyond 64 bits", func(o *Options) { o.Spin = "18446744073709551616k" }, units.ErrOverflow),
	)

	It("passes on environment errors", func() {
		env := eightWay()
		env.coresErr = errors.New("no topology")
		Expect(defaultOptions().Resolve(env, logr.Discard())).Error().To(MatchError("no topology"))

		env = eightWay()
		env.affinityErr = errors.New("no affinity")
		Expect(defaultOptions().Resolve(env, logr.Discard())).Error().To(MatchError(ContainSubstring("no affinity")))
	})

})

var _ = Describe("building plans", func() {

	It("builds the configuration", func() {
		p := &Plan{Pool: []uint{0, 1, 2, 3}, Outside: 2, Inside: 2}
		Expect(Successful(p.Build(logr.Discard())).String()).To(Equal(`Q 2
s -1 0 0
s -1 1 0
e -1 0 0
e -1 1 0
`))
	})

	It("derives the queues from the larger role", func() {
		p := &Plan{Pool: []uint{0, 1, 2, 3}, Outside: 3, Inside: 1, Pin: true}
		c := Successful(p.Build(logr.Discard()))
		Expect(c.Queues).To(Equal(3))
		Expect(c.String()).To(Equal(`Q 3
s 0 0 0
s 2 1 0
s 3 2 0
e 1 0 0
`))
	})

	It("keeps explicit queues and passes on tunables", func() {
		heap := uint64(1 << 30)
		p := &Plan{Pool: []uint{0, 1}, Outside: 1, Inside: 1, Queues: 1, Heap: &heap}
		Expect(Successful(p.Build(logr.Discard())).String()).To(Equal(`Q 1
H 1073741824
s -1 0 0
e -1 0 0
`))
	})

	It("builds a single queue from an empty pool", func() {
		p := &Plan{}
		Expect(Successful(p.Build(logr.Discard())).String()).To(Equal("Q 1\n"))
	})

})
