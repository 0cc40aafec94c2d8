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
Package alloc distributes physical cores between “outside” threads, which
handle untrusted system call work, and “inside” threads, which handle trusted
enclave work.

[DistributeCores] first interleaves the cores between both roles, so that
neither role ends up with a contiguous block of low core numbers. It then
shifts surplus cores of one role over to the other role before cutting both
roles down to their requested sizes.
*/
package alloc

import (
	"slices"
)

// DistributeCores partitions the given cores between outside and inside
// threads, returning the cores for outside threads and the cores for inside
// threads, each in ascending order.
//
// The cores are sorted first; the cores at even positions are then tentatively
// assigned to outside threads, and those at odd positions to inside threads.
// Next, the outside cores beyond wantOutside are handed over to the inside
// threads. Only then are the inside cores beyond wantInside, including those
// just handed over, handed over to the outside threads. Finally, the outside
// and inside cores are cut down to wantOutside and wantInside cores
// respectively.
//
// When there are fewer cores than wantOutside+wantInside, one or both of the
// returned core lists are shorter than requested; it is up to the caller to
// deal with such shortfalls. The returned lists never share any core and
// never alias the passed cores. Negative wants are taken as zero.
func DistributeCores(cores []uint, wantOutside, wantInside int) (outside, inside []uint) {
	wantOutside = max(0, wantOutside)
	wantInside = max(0, wantInside)

	sorted := slices.Compact(slices.Sorted(slices.Values(cores)))
	outside = make([]uint, 0, len(sorted))
	inside = make([]uint, 0, len(sorted))
	for idx, core := range sorted {
		if idx%2 == 0 {
			outside = append(outside, core)
			continue
		}
		inside = append(inside, core)
	}

	// The order of handing over surplus cores matters: the inside surplus
	// includes the cores just received from the outside surplus.
	var surplus []uint
	if len(outside) > wantOutside {
		surplus = slices.Clone(outside[wantOutside:])
		inside = append(inside, surplus...)
	}
	if len(inside) > wantInside {
		surplus = slices.Clone(inside[wantInside:])
		outside = append(outside, surplus...)
	}

	outside = slices.Clone(outside[:min(wantOutside, len(outside))])
	inside = slices.Clone(inside[:min(wantInside, len(inside))])
	slices.Sort(outside)
	slices.Sort(inside)
	return outside, inside
}
