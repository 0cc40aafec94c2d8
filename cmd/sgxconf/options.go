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
	"fmt"
	"math"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/thediveo/sgxconf/alloc"
	"github.com/thediveo/sgxconf/cpulist"
	"github.com/thediveo/sgxconf/runtimeconf"
	"github.com/thediveo/sgxconf/topology"
	"github.com/thediveo/sgxconf/units"
)

// unset marks numeric options not given by the user.
const unset = -1

// Options reflects what the user asked for, before any defaults have been
// applied.
type Options struct {
	CPUs         int  // core budget
	Outside      int  // number of outside threads
	Inside       int  // number of inside threads
	Queues       int  // number of system call queues
	Hyperthreads bool // use logical CPUs 0..CPUs-1 instead of physical cores
	Pin          bool
	Heap         string
	Spin         string
	Sleep        string
	StrictUnits  bool
	Cores        []string // explicit CPU numbers or lists; forces pinning
}

// Environment supplies the system information needed to resolve Options.
type Environment interface {
	// Affinity returns the CPUs this process is allowed to run on.
	Affinity() (cpulist.Set, error)
	// PhysicalCores returns the representative CPU numbers of the physical
	// cores, in ascending order.
	PhysicalCores() ([]uint, error)
}

// system is the Environment of the Linux system we're running on.
type system struct {
	topo *topology.Reader
}

func newSystem(cpudir string) *system {
	return &system{topo: topology.NewReader(cpudir)}
}

func (s *system) Affinity() (cpulist.Set, error) { return cpulist.Affinity(0) }

func (s *system) PhysicalCores() ([]uint, error) { return s.topo.Cores() }

// Plan is the fully resolved configuration plan: the pool of cores to
// distribute, how many threads of each role to run on them, and the runtime
// parameters.
type Plan struct {
	Pool    []uint
	Outside int
	Inside  int
	Queues  int // zero: one queue per thread of the larger role.
	Pin     bool
	Heap    *uint64
	Spin    *uint64
	Sleep   *uint64
}

var (
	errInvalidCPUs   = errors.New("core budget must be at least 1")
	errInvalidQueues = errors.New("number of queues must be at least 1")
	errInvalidCount  = errors.New("thread count must not be negative")
)

// Resolve applies the defaults to these Options, returning the resulting Plan.
// This is the only place consulting the environment.
func (o Options) Resolve(env Environment, log logr.Logger) (*Plan, error) {
	p := &Plan{Pin: o.Pin}
	if err := o.resolveTunables(p, log); err != nil {
		return nil, err
	}
	if o.Queues != unset && o.Queues < 1 {
		return nil, fmt.Errorf("invalid number of queues %d: %w", o.Queues, errInvalidQueues)
	}
	if o.Queues != unset {
		p.Queues = o.Queues
	}
	if (o.Outside != unset && o.Outside < 0) || (o.Inside != unset && o.Inside < 0) {
		return nil, errInvalidCount
	}

	var err error
	switch {
	case len(o.Cores) > 0:
		p.Pin = true
		if p.Pool, err = explicitCores(o.Cores); err != nil {
			return nil, err
		}
		if aff, err := env.Affinity(); err == nil {
			for _, core := range p.Pool {
				if !aff.IsSet(core) {
					log.Info("core not in affinity mask of this process",
						"core", core, "affinity", aff.String())
				}
			}
		} else {
			log.V(1).Info("cannot check cores against affinity mask", "error", err.Error())
		}
	default:
		budget := o.CPUs
		if budget == unset {
			aff, err := env.Affinity()
			if err != nil {
				return nil, fmt.Errorf("cannot determine number of CPUs: %w", err)
			}
			budget = aff.Count()
		}
		if budget < 1 {
			return nil, fmt.Errorf("invalid core budget %d: %w", budget, errInvalidCPUs)
		}
		if o.Hyperthreads {
			p.Pool = make([]uint, budget)
			for idx := range p.Pool {
				p.Pool[idx] = uint(idx)
			}
			break
		}
		cores, err := env.PhysicalCores()
		if err != nil {
			return nil, err
		}
		log.V(1).Info("discovered physical cores", "cores", cpulist.FromCPUs(cores...).String())
		p.Pool = cores[:min(budget, len(cores))]
	}

	p.Outside, p.Inside = o.Outside, o.Inside
	switch {
	case p.Outside == unset && p.Inside == unset:
		p.Outside = (len(p.Pool) + 1) / 2
		p.Inside = len(p.Pool) / 2
	case p.Outside == unset:
		p.Outside = max(0, len(p.Pool)-p.Inside)
	case p.Inside == unset:
		p.Inside = max(0, len(p.Pool)-p.Outside)
	}
	if p.Outside+p.Inside > len(p.Pool) {
		log.Info("more threads requested than cores available",
			"outside", p.Outside, "inside", p.Inside, "cores", len(p.Pool))
	}
	log.V(1).Info("resolved plan",
		"pool", cpulist.FromCPUs(p.Pool...).String(),
		"outside", p.Outside, "inside", p.Inside, "queues", p.Queues, "pin", p.Pin)
	return p, nil
}

// resolveTunables parses the heap, spin, and sleep options where given.
func (o Options) resolveTunables(p *Plan, log logr.Logger) error {
	parse := units.Parse
	if o.StrictUnits {
		parse = units.ParseStrict
	}
	for _, tunable := range []struct {
		name  string
		value string
		dest  **uint64
	}{
		{"heap", o.Heap, &p.Heap},
		{"spin", o.Spin, &p.Spin},
		{"sleep", o.Sleep, &p.Sleep},
	} {
		if tunable.value == "" {
			continue
		}
		value, err := parse(tunable.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", tunable.name, err)
		}
		*tunable.dest = &value
		pretty := humanize.Comma(int64(min(value, math.MaxInt64)))
		if tunable.dest == &p.Heap {
			pretty = humanize.IBytes(value)
		}
		log.V(1).Info("tunable", "name", tunable.name, "arg", tunable.value, "value", pretty)
	}
	return nil
}

// explicitCores returns the ascending, duplicate-free cores from the given
// CPU numbers or CPU lists.
func explicitCores(args []string) ([]uint, error) {
	var cores []uint
	for _, arg := range args {
		l, err := cpulist.NewList([]byte(arg))
		if err != nil {
			return nil, fmt.Errorf("invalid core %q: %w", arg, err)
		}
		cores = append(cores, l.CPUs()...)
	}
	slices.Sort(cores)
	return slices.Compact(cores), nil
}

// Build distributes the pool of cores and returns the resulting runtime
// configuration.
func (p *Plan) Build(log logr.Logger) (*runtimeconf.Config, error) {
	outside, inside := alloc.DistributeCores(p.Pool, p.Outside, p.Inside)
	queues := p.Queues
	if queues == 0 {
		queues = max(len(outside), len(inside), 1)
	}
	opts := []runtimeconf.Option{runtimeconf.WithLogger(log)}
	if p.Heap != nil {
		opts = append(opts, runtimeconf.WithHeap(*p.Heap))
	}
	if p.Spin != nil {
		opts = append(opts, runtimeconf.WithSpin(*p.Spin))
	}
	if p.Sleep != nil {
		opts = append(opts, runtimeconf.WithSleep(*p.Sleep))
	}
	return runtimeconf.New(queues, outside, inside, p.Pin, opts...)
}
