package influxdb

import "errors"

// Sentinel errors for telemetry sink operations; match with errors.Is.
var (
	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial connect attempt failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled indicates the integration is turned off in config.
	// Callers treat this as "no telemetry sink", not a fault.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
