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
	"fmt"
	"math/bits"
	"slices"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Set is a CPU bit string, such as used for CPU affinity masks.
type Set []uint64

// setsize caches the dynamically determined size of affinity masks on this
// system, in uint64 words.
var setsize atomic.Uint64

const wordbytesize = uint64(unsafe.Sizeof(uint64(0)))
const bitsperword = uint(64)

func init() {
	setsize.Store(1)
}

// IsSet reports whether cpu is in this CPU set.
func (s Set) IsSet(cpu uint) bool {
	if cpu >= uint(len(s))*bitsperword {
		return false
	}
	return s[cpu/bitsperword]&(uint64(1)<<(cpu%bitsperword)) != 0
}

// SetRange adds the CPUs from the specified range, returning an updated Set.
// This updated Set may or may not be the original Set.
func (s Set) SetRange(from, to uint) Set {
	if from > to {
		panic(fmt.Sprintf("invalid range %d-%d", from, to))
	}
	if words := int(to/bitsperword) + 1; words > len(s) {
		oldlen := len(s)
		s = slices.Grow(s, words-oldlen)[:words]
		clear(s[oldlen:])
	}
	for cpu := from; cpu <= to; cpu++ {
		s[cpu/bitsperword] |= uint64(1) << (cpu % bitsperword)
	}
	return s
}

// Count returns the number of CPUs in this Set.
func (s Set) Count() int {
	n := 0
	for _, word := range s {
		n += bits.OnesCount64(word)
	}
	return n
}

// String returns the CPUs in this set in textual list format.
func (s Set) String() string {
	return s.List().String()
}

// List returns the canonical list of CPU ranges corresponding with this Set.
// It skips over runs of all-0s and all-1s using trailing zero/one counts,
// instead of testing individual bits.
func (s Set) List() List {
	l := List{}
	inRange := false
	var from uint
	for wordidx, word := range s {
		base := uint(wordidx) * bitsperword
		pos := uint(0)
		for pos < bitsperword {
			rest := word >> pos
			if !inRange {
				if rest == 0 {
					break
				}
				pos += uint(bits.TrailingZeros64(rest))
				from = base + pos
				inRange = true
				continue
			}
			ones := uint(bits.TrailingZeros64(^rest))
			if pos+ones >= bitsperword {
				// the range continues into the next word (if any).
				pos = bitsperword
				break
			}
			pos += ones
			l = append(l, [2]uint{from, base + pos - 1})
			inRange = false
		}
	}
	if inRange {
		l = append(l, [2]uint{from, uint(len(s))*bitsperword - 1})
	}
	return l
}

// Affinity returns the affinity CPU Set of the task with the passed TID.
// Otherwise, it returns an error. If tid is zero, then the affinity of the
// calling thread is returned.
//
// We don't use [unix.SchedGetaffinity] as this is tied to the fixed size
// [unix.CPUSet] type; instead, we dynamically figure out the size needed and
// cache it.
func Affinity(tid int) (Set, error) {
	setlenStart := setsize.Load()
	setlen := setlenStart
	for {
		set := make(Set, setlen)
		// SYS_SCHED_GETAFFINITY does not block, so RawSyscall is fine here.
		_, _, e := unix.RawSyscall(unix.SYS_SCHED_GETAFFINITY,
			uintptr(tid), uintptr(setlen*wordbytesize), uintptr(unsafe.Pointer(&set[0])))
		if e != 0 {
			if e == unix.EINVAL {
				setlen *= 2
				continue
			}
			return nil, e
		}
		// Remember the larger size unless another go routine already upped
		// it even further.
		for setlenStart < setlen && !setsize.CompareAndSwap(setlenStart, setlen) {
			setlenStart = setsize.Load()
		}
		return set, nil
	}
}
