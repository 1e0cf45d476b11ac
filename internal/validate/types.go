// SPDX-License-Identifier: MIT
package validate

import (
	"slices"

	"github.com/rs/zerolog"
)

// logLevels are the level names accepted in configuration and on the
// command line. zerolog knows more (trace, fatal, panic) but those are not
// useful to operators.
var logLevels = []string{"debug", "info", "warn", "error"}

// ErrInvalidLogLevel is returned by ParseLogLevel.
var ErrInvalidLogLevel = &Error{
	Field:   "logLevel",
	Message: "must be one of debug, info, warn, error",
}

// ParseLogLevel maps an accepted level name to its zerolog level.
func ParseLogLevel(s string) (zerolog.Level, error) {
	if !slices.Contains(logLevels, s) {
		return zerolog.NoLevel, ErrInvalidLogLevel
	}
	return zerolog.ParseLevel(s)
}

// LogLevel checks that s is an accepted level name.
func (v *Validator) LogLevel(field, s string) {
	if _, err := ParseLogLevel(s); err != nil {
		v.AddError(field, ErrInvalidLogLevel.Message, s)
	}
}
