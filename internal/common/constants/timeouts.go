// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ProcessListTimeout is the maximum time to wait for the process
	// manager to return its process list during a health check.
	ProcessListTimeout = 30 * time.Second

	// ProcessRestartTimeout is the maximum time to wait for the process
	// manager to restart one errored process.
	ProcessRestartTimeout = 2 * time.Minute

	// PidProbeTimeout is the maximum time to wait for a pid liveness
	// probe during zombie cleanup.
	PidProbeTimeout = 10 * time.Second
)
