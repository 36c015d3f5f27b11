package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// statusFieldCount is the number of whitespace-separated fields in a
// device status line: unit, pressure, temperature, volumetric flow,
// mass flow, setpoint, gas.
const statusFieldCount = 7

// StatusFrame is one parsed device status line.
//
// Pressure is in PSIA, temperature in degrees Celsius, flows and setpoint
// in sccm. Gas is the device's configured gas label, which may differ
// from the channel's configured gas type. ControlPoint is the loop
// variable label some firmware revisions append ("MASS", "PRES"); empty
// when absent.
type StatusFrame struct {
	UnitID         string
	Pressure       float64
	Temperature    float64
	VolumetricFlow float64
	MassFlow       float64
	Setpoint       float64
	Gas            string
	ControlPoint   string
}

// StatusCommand returns the wire form of a status poll for the given unit.
func StatusCommand(unitID string) string {
	return unitID + "\r"
}

// SetpointCommand returns the wire form of a setpoint change for the given
// unit. Values are formatted to two decimal places, which covers the
// resolution these devices accept.
func SetpointCommand(unitID string, value float64) string {
	return fmt.Sprintf("%sS%.2f\r", unitID, value)
}

// ParseStatusFrame parses a raw status line from the device addressed by
// unitID.
//
// The line must contain at least statusFieldCount fields and the first
// field must match unitID; leading sign characters on numeric fields are
// accepted. An eighth field, when present, is the control-point label;
// anything beyond that is ignored.
func ParseStatusFrame(line, unitID string) (StatusFrame, error) {
	fields := strings.Fields(line)
	if len(fields) < statusFieldCount {
		return StatusFrame{}, fmt.Errorf("%w: %d fields in %q", ErrMalformedResponse, len(fields), line)
	}

	if fields[0] != unitID {
		return StatusFrame{}, fmt.Errorf("%w: polled %q, got %q", ErrUnitMismatch, unitID, fields[0])
	}

	frame := StatusFrame{
		UnitID: fields[0],
		Gas:    fields[6],
	}
	if len(fields) > statusFieldCount {
		frame.ControlPoint = fields[7]
	}

	numeric := []struct {
		name string
		dst  *float64
		raw  string
	}{
		{"pressure", &frame.Pressure, fields[1]},
		{"temperature", &frame.Temperature, fields[2]},
		{"volumetric_flow", &frame.VolumetricFlow, fields[3]},
		{"mass_flow", &frame.MassFlow, fields[4]},
		{"setpoint", &frame.Setpoint, fields[5]},
	}

	for _, f := range numeric {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return StatusFrame{}, fmt.Errorf("%w: %s field %q", ErrMalformedResponse, f.name, f.raw)
		}
		*f.dst = v
	}

	return frame, nil
}
