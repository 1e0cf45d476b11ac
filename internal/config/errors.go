// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "errors"

var (
	// ErrUnknownConfigField marks a YAML key that maps to no Config field.
	ErrUnknownConfigField = errors.New("unknown config field")

	// ErrInvalidConfig wraps the validate.ValidationError from Validate.
	ErrInvalidConfig = errors.New("invalid config")
)
