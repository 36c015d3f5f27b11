package transport

import "errors"

// Domain errors for the transport package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, transport.ErrTimeout) {
//	    // handle timeout case
//	}
var (
	// ErrPortNotFound is returned when the serial device path does not exist.
	ErrPortNotFound = errors.New("transport: port not found")

	// ErrPermissionDenied is returned when the serial device cannot be opened
	// due to insufficient permissions.
	ErrPermissionDenied = errors.New("transport: permission denied")

	// ErrAlreadyOpen is returned when Open is called on an open link.
	ErrAlreadyOpen = errors.New("transport: link already open")

	// ErrNotOpen is returned when an exchange is attempted on a closed link.
	ErrNotOpen = errors.New("transport: link not open")

	// ErrTimeout is returned when a device does not answer within the
	// exchange deadline.
	ErrTimeout = errors.New("transport: exchange timed out")

	// ErrMalformedResponse is returned when a response line cannot be parsed.
	ErrMalformedResponse = errors.New("transport: malformed response")

	// ErrUnitMismatch is returned when a response carries a different unit
	// identifier than the one polled. On a shared bus this indicates
	// cross-talk or a misaddressed device.
	ErrUnitMismatch = errors.New("transport: unit identifier mismatch")
)
