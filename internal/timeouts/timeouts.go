// Package timeouts defines coordinated timeout values for machine teardown.
//
// Changing any of these values requires understanding the relationship
// between them.
//
// Timeout Hierarchy (from inner to outer):
//
//	Engine (vz):
//	  StopGracePeriod = 10s       // Wait for the guest to power off after
//	                              // a stop request before forcing it
//
//	Bridge:
//	  RetireDrainTimeout = 5s     // Wait for in-flight callbacks and queued
//	                              // events to reach the host sink
//
//	CLI:
//	  StopTimeout = 20s           // Whole teardown budget
//	                              // Must be > StopGracePeriod + RetireDrainTimeout
//
// Teardown Sequence:
//
//  1. Host requests a guest power off
//  2. Engine waits up to StopGracePeriod, then stops the machine hard
//  3. Bridge retires the callback handle, draining for up to RetireDrainTimeout
//  4. Host sink is closed, or revoked if the drain timed out
package timeouts

import "time"

const (
	// StopGracePeriod is how long the engine waits for the guest to react to
	// a stop request before halting it.
	//
	// Used in: internal/host/vm/vz/machine_darwin.go
	StopGracePeriod = 10 * time.Second

	// RetireDrainTimeout bounds how long retiring a callback handle may wait
	// for dispatches already in progress and for queued events to be
	// delivered. If it fires, the host sink is revoked and remaining events
	// are dropped; a host sink that blocks forever must not hang teardown.
	//
	// Used in: internal/bridge/bridge.go
	RetireDrainTimeout = 5 * time.Second

	// StopTimeout is the overall budget of a machine teardown.
	//
	// Used in: cmd/vzbox/run.go
	StopTimeout = 20 * time.Second

	// StartTimeout bounds how long the CLI waits for start completion.
	//
	// Used in: cmd/vzbox/run.go
	StartTimeout = 2 * time.Minute

	// SessionEventBuffer is the buffer size of the CLI session event channel.
	//
	// Used in: cmd/vzbox/run.go
	SessionEventBuffer = 16
)
