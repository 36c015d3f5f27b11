// Package transport implements serial communication with mass flow
// controllers on a shared RS-485 style bus.
//
// Each physical serial port is owned by exactly one SerialLink. Multiple
// devices (distinguished by single-character unit identifiers) share the
// bus, so every exchange is a strict request/response pair and the link
// serializes them: no two exchanges overlap on the same port.
//
// The wire protocol is line-oriented ASCII. A status poll sends the unit
// identifier followed by a carriage return and expects a single line of
// whitespace-separated fields back:
//
//	A +014.70 +025.00 +000.00 +000.00 000.00 Ar
//
// A setpoint command sends "{unit}S{value}\r" and expects the same status
// line echoed back.
//
// A link that fails three consecutive exchanges is marked degraded. The
// flag is advisory: callers decide whether to tear the link down and
// reconnect. Any successful exchange clears it.
package transport
