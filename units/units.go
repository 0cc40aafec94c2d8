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
Package units converts numbers with magnitude suffixes, such as “64Mi” or
“10k”, into plain integers.

Decimal suffixes are k, M, G, and E (10³, 10⁶, 10⁹, and 10¹²). Binary suffixes
are ki, Mi, and Gi (2¹⁰, 2²⁰, and 2³⁰), with the byte spellings kB/kiB, MB/MiB,
and GB/GiB being binary too.
*/
package units

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

var (
	// ErrNoDigits is returned when a number doesn't start with a digit.
	ErrNoDigits = errors.New("expected unsigned integer number")
	// ErrUnknownSuffix is returned by [ParseStrict] for unregistered
	// magnitude suffixes.
	ErrUnknownSuffix = errors.New("unknown magnitude suffix")
	// ErrOverflow is returned when the scaled number doesn't fit 64 bits.
	ErrOverflow = errors.New("number out of range")
)

const (
	kilo = 1000
	mega = 1000 * kilo
	giga = 1000 * mega
	// E is 10¹², not 10¹⁸.
	e12 = 1000 * giga

	kibi = 1 << 10
	mebi = 1 << 20
	gibi = 1 << 30
)

var magnitudes = map[string]uint64{
	"k": kilo,
	"M": mega,
	"G": giga,
	"E": e12,

	"ki":  kibi,
	"kB":  kibi,
	"kiB": kibi,
	"Mi":  mebi,
	"MB":  mebi,
	"MiB": mebi,
	"Gi":  gibi,
	"GB":  gibi,
	"GiB": gibi,
}

// Parse returns the integer value of s, which consists of digits optionally
// followed by a magnitude suffix. An unknown suffix is taken as a multiplier
// of one, so “42x” yields 42; use [ParseStrict] to reject such numbers
// instead.
func Parse(s string) (uint64, error) {
	return parse(s, false)
}

// ParseStrict works like [Parse], but returns [ErrUnknownSuffix] if the suffix
// is not one of the registered magnitudes.
func ParseStrict(s string) (uint64, error) {
	return parse(s, true)
}

func parse(s string, strict bool) (uint64, error) {
	digits, suffix := s, ""
	if idx := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }); idx >= 0 {
		digits, suffix = s[:idx], s[idx:]
	}
	if digits == "" {
		return 0, fmt.Errorf("invalid number %q: %w", s, ErrNoDigits)
	}
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("invalid number %q: %w", s, ErrOverflow)
		}
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	if suffix == "" {
		return value, nil
	}
	mult, known := magnitudes[suffix]
	if !known {
		if strict {
			return 0, fmt.Errorf("invalid number %q: %w %q", s, ErrUnknownSuffix, suffix)
		}
		return value, nil
	}
	hi, lo := bits.Mul64(value, mult)
	if hi != 0 {
		return 0, fmt.Errorf("invalid number %q: %w", s, ErrOverflow)
	}
	return lo, nil
}
