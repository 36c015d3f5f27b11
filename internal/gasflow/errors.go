package gasflow

import "errors"

// Domain errors for the gasflow package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, gasflow.ErrUnknownChannel) {
//	    // handle unknown channel case
//	}
var (
	// ErrUnknownChannel is returned when a channel name is not configured.
	ErrUnknownChannel = errors.New("gasflow: unknown channel")

	// ErrOutOfRange is returned when a setpoint is negative or exceeds
	// the channel's full-scale flow. Range checks run before any
	// hardware communication.
	ErrOutOfRange = errors.New("gasflow: setpoint out of range")

	// ErrLinkDegraded is returned when a command targets a channel whose
	// serial link has accumulated enough consecutive failures to be
	// considered degraded. The reconnect loop recovers the link.
	ErrLinkDegraded = errors.New("gasflow: serial link degraded")

	// ErrNotConnected is returned when a command targets a channel that
	// is not in the connected state.
	ErrNotConnected = errors.New("gasflow: channel not connected")

	// ErrNoChannels is returned when the controller is started with no
	// enabled channels.
	ErrNoChannels = errors.New("gasflow: no enabled channels")

	// ErrAlreadyRunning is returned when Start is called on a running
	// controller.
	ErrAlreadyRunning = errors.New("gasflow: controller already running")

	// ErrNotRunning is returned when an operation requires a running
	// controller.
	ErrNotRunning = errors.New("gasflow: controller not running")
)
