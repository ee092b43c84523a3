// Copyright 2026 The Pmvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var (
	ErrRequired  = errors.New("value required")
	ErrBadType   = errors.New("unexpected type")
	ErrNegative  = errors.New("must not be negative")
	ErrBadSuffix = errors.New("unknown unit suffix")
	ErrBadMode   = errors.New("unknown exec mode")
	ErrRange     = errors.New("value out of range")
)

var byteUnits = map[string]uint64{
	"":   1,
	"B":  1,
	"K":  1 << 10,
	"KB": 1 << 10,
	"M":  1 << 20,
	"MB": 1 << 20,
	"G":  1 << 30,
	"GB": 1 << 30,
	"T":  1 << 40,
	"TB": 1 << 40,
}

// ParseByteSize parses a memory amount such as "512M" or "1G".  Units
// are powers of 1024, and a bare number is a count of bytes.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.' && r != '-' && r != '+'
	})
	num, unit := s, ""
	if i >= 0 {
		num, unit = strings.TrimSpace(s[:i]), strings.ToUpper(strings.TrimSpace(s[i:]))
	}
	if num == "" {
		return 0, fmt.Errorf("%q: %w", s, ErrRequired)
	}
	mult, ok := byteUnits[unit]
	if !ok {
		return 0, fmt.Errorf("%q: %w", s, ErrBadSuffix)
	}
	v, e := strconv.ParseFloat(num, 64)
	if e != nil {
		return 0, e
	}
	if v < 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrNegative)
	}
	n := math.Round(v * float64(mult))
	if !(n < math.MaxUint64) {
		return 0, fmt.Errorf("%q: %w", s, ErrRange)
	}
	return uint64(n), nil
}

// toByteSize accepts a byte count or a string with a unit.
func toByteSize(v interface{}) (uint64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		return ParseByteSize(v.String())
	case string:
		return ParseByteSize(v)
	}
	return 0, ErrBadType
}

// ParseDuration parses "10s" style durations.  A bare number is taken
// as milliseconds, as is customary in ecosystem files.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if ms, e := strconv.ParseFloat(s, 64); e == nil {
		d = time.Duration(ms * float64(time.Millisecond))
	} else if d, e = time.ParseDuration(s); e != nil {
		return 0, e
	}
	if d < 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrNegative)
	}
	return d, nil
}

func toDuration(v interface{}, def time.Duration) (time.Duration, error) {
	switch v := v.(type) {
	case nil:
		return def, nil
	case json.Number:
		return ParseDuration(v.String())
	case string:
		return ParseDuration(v)
	}
	return 0, ErrBadType
}

func toInt(v interface{}, def int) (int, error) {
	switch v := v.(type) {
	case nil:
		return def, nil
	case json.Number:
		n, e := v.Int64()
		return int(n), e
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	}
	return 0, ErrBadType
}

func scalarString(v interface{}) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", ErrBadType
}

// toArgs accepts a single string, split on white space, or a list.
func toArgs(v interface{}) ([]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(v), nil
	case []interface{}:
		args := make([]string, 0, len(v))
		for _, a := range v {
			s, e := scalarString(a)
			if e != nil {
				return nil, e
			}
			args = append(args, s)
		}
		return args, nil
	}
	return nil, ErrBadType
}

// toPaths accepts a path, a list of paths, or a boolean: true meaning
// the given default.
func toPaths(v interface{}, def string) ([]string, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return []string{def}, nil
		}
		return nil, nil
	case string:
		return []string{v}, nil
	case []interface{}:
		return toArgs(v)
	}
	return nil, ErrBadType
}

func toEnv(v map[string]interface{}) (map[string]string, string, error) {
	env := make(map[string]string, len(v))
	for k, val := range v {
		s, e := scalarString(val)
		if e != nil {
			return nil, k, e
		}
		env[k] = s
	}
	return env, "", nil
}
