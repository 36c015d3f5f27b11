// Package gasflow implements the mass flow controller service core: the
// per-channel device model, the polling controller, and reading history.
//
// A Channel is one logical gas line backed by one MFC device on a shared
// serial bus. Channels move through a small lifecycle:
//
//	disconnected -> connecting -> connected
//	                     \            |
//	                      +--> error <+
//
// Any transport failure moves a channel to error; the controller's
// reconnect loop retries it for as long as the service runs. Operators
// are expected to hot-plug converters and power-cycle devices mid-process.
//
// The Controller owns one transport link per physical port, polls every
// connected channel on a fixed interval, and routes every setpoint change
// through the safety gate before it reaches hardware. Denied requests are
// normal outcomes reported to the caller; they never disturb the running
// process.
package gasflow
