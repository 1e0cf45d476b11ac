// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// lookupFunc resolves one environment key.
type lookupFunc func(key string) (string, bool)

// envReader applies environment overrides. Empty values count as unset;
// unparsable ones keep the current value and log a warning.
type envReader struct {
	lookup lookupFunc
	logger zerolog.Logger
}

// override parses key with parse and returns cur when the key is unset or
// invalid.
func override[T any](r envReader, key string, cur T, parse func(string) (T, error)) T {
	raw, ok := r.lookup(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return cur
	}
	v, err := parse(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("ignoring invalid environment value")
		return cur
	}
	ev := r.logger.Debug().Str("key", key)
	if secret(key) {
		ev = ev.Bool("redacted", true)
	} else {
		ev = ev.Str("value", raw)
	}
	ev.Msg("environment override")
	return v
}

func secret(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "token")
}

func (r envReader) String(key, cur string) string {
	return override(r, key, cur, func(s string) (string, error) { return s, nil })
}

func (r envReader) Int(key string, cur int) int {
	return override(r, key, cur, strconv.Atoi)
}

func (r envReader) Float(key string, cur float64) float64 {
	return override(r, key, cur, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// Duration accepts Go durations ("5s") and bare integers as seconds.
func (r envReader) Duration(key string, cur time.Duration) time.Duration {
	return override(r, key, cur, func(s string) (time.Duration, error) {
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		return time.ParseDuration(s)
	})
}

// Bool accepts true/false, 1/0 and yes/no in any case.
func (r envReader) Bool(key string, cur bool) bool {
	return override(r, key, cur, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", s)
	})
}
