// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package validate maps untyped configuration input to typed, range- and
// allowlist-checked values. All functions are pure; failures carry the
// setting name and the offending value, never internals.
package validate

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// InvalidArgumentError is returned by every validator in this package.
type InvalidArgumentError struct {
	Setting string
	Value   string
	Reason  string
}

func (err *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument for %s: %q, %s", err.Setting, err.Value, err.Reason)
}

func invalid(setting, value, reason string) error {
	return &InvalidArgumentError{Setting: setting, Value: value, Reason: reason}
}

// Bool accepts the usual spellings of a boolean setting.
func Bool(setting, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, invalid(setting, value, "expected a boolean")
	}
}

// PositiveInt requires an integer greater than zero.
func PositiveInt(setting, value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n <= 0 {
		return 0, invalid(setting, value, "expected a positive integer")
	}
	return n, nil
}

// NonNegativeInt requires an integer greater than or equal to zero.
func NonNegativeInt(setting, value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return 0, invalid(setting, value, "expected a non-negative integer")
	}
	return n, nil
}

// IntRange requires an integer within [min, max], both inclusive.
func IntRange(setting, value string, min, max int64) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, invalid(setting, value, "expected an integer")
	}
	if n < min || n > max {
		return 0, invalid(setting, value, fmt.Sprintf("expected an integer between %d and %d", min, max))
	}
	return n, nil
}

// FloatRange requires a floating-point number within [min, max].
func FloatRange(setting, value string, min, max float64) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, invalid(setting, value, "expected a number")
	}
	if f < min || f > max {
		return 0, invalid(setting, value, fmt.Sprintf("expected a number between %g and %g", min, max))
	}
	return f, nil
}

// StringChoice requires the value to be one of the allowed strings.
func StringChoice(setting, value string, allowed ...string) (string, error) {
	v := strings.TrimSpace(value)
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", invalid(setting, value, fmt.Sprintf("expected one of %s", strings.Join(allowed, ", ")))
}

// ReadableFile requires an existing, readable, regular file.
func ReadableFile(setting, value string) (string, error) {
	path := strings.TrimSpace(value)
	if path == "" {
		return "", invalid(setting, value, "expected a file path")
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", invalid(setting, value, "expected a readable file")
	}
	f, err := os.Open(path)
	if err != nil {
		return "", invalid(setting, value, "expected a readable file")
	}
	_ = f.Close()
	return path, nil
}

// CPURange is one worker's core assignment, first and last core inclusive.
type CPURange struct {
	Worker    int
	FirstCore int
	LastCore  int
}

// CPUAffinityMap parses "worker:core[-core](,worker:core[-core])*",
// e.g. "0:0-3,1:4-7" or "0:2".
func CPUAffinityMap(setting, value string) ([]CPURange, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, invalid(setting, value, "expected a worker:core map")
	}

	var ranges []CPURange
	for _, entry := range strings.Split(v, ",") {
		worker, cores, found := strings.Cut(entry, ":")
		if !found {
			return nil, invalid(setting, value, "expected worker:core entries")
		}
		w, err := strconv.Atoi(strings.TrimSpace(worker))
		if err != nil || w < 0 {
			return nil, invalid(setting, value, "expected a non-negative worker index")
		}

		first, last, isRange := strings.Cut(cores, "-")
		lo, err := strconv.Atoi(strings.TrimSpace(first))
		if err != nil || lo < 0 {
			return nil, invalid(setting, value, "expected a non-negative core number")
		}
		hi := lo
		if isRange {
			hi, err = strconv.Atoi(strings.TrimSpace(last))
			if err != nil || hi < lo {
				return nil, invalid(setting, value, "expected an ascending core range")
			}
		}
		ranges = append(ranges, CPURange{Worker: w, FirstCore: lo, LastCore: hi})
	}
	return ranges, nil
}

// ErasureShards parses the "{N}d{M}p" form with positive N and M,
// e.g. "4d2p".
func ErasureShards(setting, value string) (data int, parity int, err error) {
	v := strings.TrimSpace(value)
	d, rest, found := strings.Cut(v, "d")
	if !found || !strings.HasSuffix(rest, "p") {
		return 0, 0, invalid(setting, value, "expected the {N}d{M}p form")
	}
	data, derr := strconv.Atoi(d)
	parity, perr := strconv.Atoi(strings.TrimSuffix(rest, "p"))
	if derr != nil || perr != nil || data <= 0 || parity <= 0 {
		return 0, 0, invalid(setting, value, "expected positive shard counts")
	}
	return data, parity, nil
}

// CORSWildcard marks a CORS policy allowing any origin.
const CORSWildcard = "*"

// CORSOrigins parses either the wildcard or a comma-separated list of
// origins of the form http://host[:port] or https://host[:port].
// The returned slice keeps the configured order; a wildcard policy is
// returned as the single entry CORSWildcard.
func CORSOrigins(setting, value string) ([]string, error) {
	v := strings.TrimSpace(value)
	if v == CORSWildcard {
		return []string{CORSWildcard}, nil
	}
	if v == "" {
		return nil, invalid(setting, value, "expected origins or the wildcard")
	}

	var origins []string
	for _, entry := range strings.Split(v, ",") {
		origin := strings.TrimSpace(entry)
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalid(setting, value, "expected http://host[:port] or https://host[:port] origins")
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return nil, invalid(setting, value, "origins must not carry a path, query or credentials")
		}
		origins = append(origins, u.Scheme+"://"+u.Host)
	}
	return origins, nil
}
