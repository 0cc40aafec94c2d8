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
Package topology discovers the physical CPU cores of a Linux system from the
sysfs CPU device directory.

Each logical CPU “cpuN” lists its hardware thread siblings in
“cpuN/topology/thread_siblings_list”. All siblings of the same physical core
show the same sibling group, so a physical core is represented by the lowest
CPU number of its sibling group.
*/
package topology

import (
	"cmp"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"

	"github.com/thediveo/sgxconf/cpulist"
)

// DefaultDir is the CPU device directory in sysfs.
const DefaultDir = "/sys/devices/system/cpu"

const siblingsList = "topology/thread_siblings_list"

var cpuEntry = regexp.MustCompile(`^cpu([0-9]+)$`)

// Reader reads CPU topology information from a file system rooted at the CPU
// device directory.
type Reader struct {
	FS fs.FS
}

// NewReader returns a Reader for the CPU device directory dir, usually
// [DefaultDir].
func NewReader(dir string) *Reader {
	return &Reader{FS: os.DirFS(dir)}
}

// SiblingGroups returns the distinct hardware thread sibling groups in order
// of their first appearance when walking the CPUs in ascending order. Sibling
// groups are compared in canonical form, so differently written lists of the
// same CPUs are the same group.
func (r *Reader) SiblingGroups() ([]cpulist.List, error) {
	cpus, err := r.cpuNames()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	groups := []cpulist.List{}
	for _, name := range cpus {
		p := path.Join(name, siblingsList)
		text, err := fs.ReadFile(r.FS, p)
		if err != nil {
			return nil, fmt.Errorf("cannot read topology of %s: %w", name, err)
		}
		siblings, err := cpulist.NewList(text)
		if err != nil {
			return nil, fmt.Errorf("malformed sibling list %s: %w", p, err)
		}
		if len(siblings) == 0 {
			return nil, fmt.Errorf("empty sibling list %s", p)
		}
		siblings = siblings.Canonical()
		signature := siblings.String()
		if _, ok := seen[signature]; ok {
			continue
		}
		seen[signature] = struct{}{}
		groups = append(groups, siblings)
	}
	return groups, nil
}

// Cores returns the representative CPU number of each physical core, in
// ascending order and without duplicates. The representative is the lowest
// CPU of a sibling group, which for sysfs lists is also the first listed one.
func (r *Reader) Cores() ([]uint, error) {
	groups, err := r.SiblingGroups()
	if err != nil {
		return nil, err
	}
	var cores cpulist.Set
	for _, group := range groups {
		core, _ := group.Lowest()
		cores = cores.SetRange(core, core)
	}
	return cores.List().CPUs(), nil
}

// cpuNames returns the names of the “cpuN” directory entries, ordered by
// their CPU numbers.
func (r *Reader) cpuNames() ([]string, error) {
	entries, err := fs.ReadDir(r.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("cannot read CPU device directory: %w", err)
	}
	type cpuName struct {
		num  uint64
		name string
	}
	cpus := []cpuName{}
	for _, entry := range entries {
		m := cpuEntry.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		num, err := strconv.ParseUint(m[1], 10, 0)
		if err != nil {
			continue
		}
		cpus = append(cpus, cpuName{num: num, name: entry.Name()})
	}
	slices.SortFunc(cpus, func(a, b cpuName) int {
		return cmp.Compare(a.num, b.num)
	})
	names := make([]string, 0, len(cpus))
	for _, cpu := range cpus {
		names = append(names, cpu.name)
	}
	return names, nil
}
