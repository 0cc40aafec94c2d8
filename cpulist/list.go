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

package cpulist

import (
	"bytes"
	"cmp"
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/thediveo/faf"
)

// List is a list of CPU [from...to] ranges. CPU numbers are starting from zero.
type List [][2]uint

// String returns the CPU list in textual format, with the individual ranges
// “x-y” separated by “,” and single CPU ranges collapsed into “x” (instead of
// “x-x”).
func (l List) String() string {
	var b strings.Builder
	for idx, cpurange := range l {
		if idx > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(cpurange[0]), 10))
		if cpurange[0] != cpurange[1] {
			b.WriteByte('-')
			b.WriteString(strconv.FormatUint(uint64(cpurange[1]), 10))
		}
	}
	return b.String()
}

// NewList returns a new CPU List for the given textual list format, such as
// the contents of a sysfs “thread_siblings_list” file. Leading and trailing
// white space, including the final newline of sysfs files, is ignored. If the
// text is malformed then an error is returned instead.
func NewList(b []byte) (List, error) {
	b = bytes.TrimSpace(b)
	if err := checkNumbers(b); err != nil {
		return nil, err
	}
	bs := faf.NewBytestring(b)
	l := List{}
	for {
		if bs.EOL() {
			return l, nil
		}
		from, ok := bs.Uint64()
		if !ok {
			return nil, errors.New("expected unsigned integer number")
		}
		to := from
		if bs.EOL() {
			return append(l, [2]uint{uint(from), uint(to)}), nil
		}
		ch, _ := bs.Next()
		if ch == '-' {
			if to, ok = bs.Uint64(); !ok {
				return nil, errors.New("expected unsigned integer number")
			}
			if to < from {
				return nil, errors.New("invalid descending range")
			}
			if bs.EOL() {
				return append(l, [2]uint{uint(from), uint(to)}), nil
			}
			if ch, _ = bs.Next(); ch != ',' {
				return nil, errors.New("expected ','")
			}
		} else if ch != ',' {
			return nil, errors.New("expected '-' or ','")
		}
		l = append(l, [2]uint{uint(from), uint(to)})
	}
}

// checkNumbers returns an error if any run of digits in b doesn't fit a CPU
// number, as faf silently wraps around.
func checkNumbers(b []byte) error {
	for len(b) > 0 {
		start := bytes.IndexFunc(b, isDigit)
		if start < 0 {
			return nil
		}
		b = b[start:]
		end := bytes.IndexFunc(b, func(r rune) bool { return !isDigit(r) })
		if end < 0 {
			end = len(b)
		}
		if _, err := strconv.ParseUint(string(b[:end]), 10, strconv.IntSize); err != nil {
			return errors.New("CPU number out of range")
		}
		b = b[end:]
	}
	return nil
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// Canonical returns the canonical form of this List: its ranges are ordered
// from lowest to highest, and overlapping or adjacent ranges are merged. Two
// lists describing the same CPUs thus have identical canonical forms and
// identical [List.String] representations. The original List is left
// untouched.
func (l List) Canonical() List {
	canon := slices.Clone(l)
	slices.SortFunc(canon, func(a, b [2]uint) int {
		return cmp.Compare(a[0], b[0])
	})
	merged := List{}
	for _, r := range canon {
		if n := len(merged); n > 0 && (r[0] <= merged[n-1][1] || r[0] == merged[n-1][1]+1) {
			merged[n-1][1] = max(merged[n-1][1], r[1])
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Lowest returns the lowest CPU number in this List, as well as true. If the
// List is empty, it returns false instead.
func (l List) Lowest() (uint, bool) {
	if len(l) == 0 {
		return 0, false
	}
	lowest := l[0][0]
	for _, r := range l[1:] {
		lowest = min(lowest, r[0])
	}
	return lowest, true
}

// Count returns the number of CPUs in this List. CPUs occurring in multiple
// ranges of a non-canonical List are counted multiple times.
func (l List) Count() int {
	n := 0
	for _, r := range l {
		n += int(r[1]-r[0]) + 1
	}
	return n
}

// CPUs returns the individual CPU numbers of this List, in the order of its
// ranges.
func (l List) CPUs() []uint {
	cpus := make([]uint, 0, l.Count())
	for _, r := range l {
		for cpu := r[0]; ; cpu++ {
			cpus = append(cpus, cpu)
			if cpu == r[1] {
				break
			}
		}
	}
	return cpus
}

// Set returns the CPU Set corresponding with this list.
func (l List) Set() Set {
	var s Set
	for i := range l {
		// highest range first, so we allocate only once in the usual case.
		r := l[len(l)-i-1]
		s = s.SetRange(r[0], r[1])
	}
	if s == nil {
		return Set{}
	}
	return s
}

// IsOverlapping returns true if this List overlaps with another List.
//
// Both lists must be in canonical form; see [List.Canonical].
func (l List) IsOverlapping(another List) bool {
	r2idx := 0
	for _, r1 := range l {
		for {
			if r2idx >= len(another) {
				return false
			}
			if r1[1] >= another[r2idx][0] && r1[0] <= another[r2idx][1] {
				return true
			}
			// The current second range lies beyond the current first range,
			// so move on to the next first range.
			if another[r2idx][0] > r1[1] {
				break
			}
			r2idx++
		}
	}
	return false
}

// FromCPUs returns the canonical List of the given individual CPU numbers,
// which can be in any order and may contain duplicates.
func FromCPUs(cpus ...uint) List {
	l := make(List, 0, len(cpus))
	for _, cpu := range cpus {
		l = append(l, [2]uint{cpu, cpu})
	}
	return l.Canonical()
}
