// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService   = "service"
	FieldVersion   = "version"
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldTraceID   = "trace_id"
	FieldSpanID    = "span_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Remote / local path fields
	FieldPath      = "path"
	FieldRemoteDir = "remote_dir"
	FieldLocalDir  = "local_dir"
	FieldFile      = "file"
	FieldManifest  = "manifest"

	// Network fields
	FieldHost = "host"
	FieldPort = "port"
)
