package gasflow

import "time"

// ChannelState is the lifecycle state of one gas channel.
type ChannelState string

// Channel lifecycle states.
const (
	// StateDisconnected means no connection attempt has been made yet,
	// or the channel was shut down cleanly.
	StateDisconnected ChannelState = "disconnected"

	// StateConnecting means a connection attempt is in progress.
	StateConnecting ChannelState = "connecting"

	// StateConnected means the device answered its last exchange.
	StateConnected ChannelState = "connected"

	// StateError means the last exchange failed. The reconnect loop
	// retries error channels indefinitely.
	StateError ChannelState = "error"
)

// Reading is one sampled device status, timestamped at receipt.
//
// Pressure is in PSIA, temperature in degrees Celsius, flows and setpoint
// in sccm. Gas is the label reported by the device itself.
type Reading struct {
	Channel        string    `json:"channel"`
	Timestamp      time.Time `json:"timestamp"`
	Pressure       float64   `json:"pressure"`
	Temperature    float64   `json:"temperature"`
	VolumetricFlow float64   `json:"volumetric_flow"`
	MassFlow       float64   `json:"mass_flow"`
	Setpoint       float64   `json:"setpoint"`
	Gas            string    `json:"gas"`
	ControlPoint   string    `json:"control_point,omitempty"`
}

// ChannelConfig is the static definition of one gas channel.
type ChannelConfig struct {
	// Name is the logical channel name ("argon", "oxygen").
	Name string

	// UnitID is the device's single-character bus address.
	UnitID string

	// SerialPort is the device path of the bus the channel lives on.
	SerialPort string

	// MaxFlow is the device's full-scale flow in sccm. Setpoints outside
	// [0, MaxFlow] are rejected before touching hardware.
	MaxFlow float64

	// GasType is the process gas this channel delivers.
	GasType string

	// Enabled controls whether the controller manages this channel.
	Enabled bool

	// Baud is the serial line rate; zero selects the transport default.
	Baud int
}

// ChannelStatus is a point-in-time snapshot of one channel for reporting.
type ChannelStatus struct {
	Name         string       `json:"name"`
	State        ChannelState `json:"state"`
	UnitID       string       `json:"unit_id"`
	SerialPort   string       `json:"serial_port"`
	GasType      string       `json:"gas_type"`
	MaxFlow      float64      `json:"max_flow"`
	Setpoint     float64      `json:"setpoint"`
	LastReading  *Reading     `json:"last_reading,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	LinkDegraded bool         `json:"link_degraded"`
}
