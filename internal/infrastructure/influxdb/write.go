package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sputterlab/gasflow-core/internal/gasflow"
)

// WriteReading records a full channel reading as a flow_reading point.
//
// This is the primary method for recording channel telemetry. The channel
// name and gas type become tags so queries can slice by either; all numeric
// fields land in the same point. The write is non-blocking; data is batched
// and sent asynchronously.
//
// Example:
//
//	client.WriteReading(reading)
func (c *Client) WriteReading(r gasflow.Reading) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"channel": r.Channel,
		"gas":     r.Gas,
	}
	fields := map[string]interface{}{
		"pressure":        r.Pressure,
		"temperature":     r.Temperature,
		"volumetric_flow": r.VolumetricFlow,
		"mass_flow":       r.MassFlow,
		"setpoint":        r.Setpoint,
	}

	point := write.NewPoint("flow_reading", tags, fields, r.Timestamp)
	c.writeAPI.WritePoint(point)
}

// WriteSetpointChange records a commanded setpoint change.
//
// Used alongside WriteReading so dashboards can distinguish commanded
// values from measured flow.
//
// Parameters:
//   - channel: Channel name (e.g. "argon")
//   - setpoint: The newly commanded flow in sccm
func (c *Client) WriteSetpointChange(channel string, setpoint float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"setpoint_change",
		map[string]string{
			"channel": channel,
		},
		map[string]interface{}{
			"setpoint": setpoint,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRecipeEvent records a recipe lifecycle event.
//
// Parameters:
//   - executionID: UUID of the execution
//   - recipeName: Name of the recipe
//   - event: One of "started", "completed", "cancelled"
func (c *Client) WriteRecipeEvent(executionID string, recipeName string, event string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"recipe_event",
		map[string]string{
			"recipe": recipeName,
			"event":  event,
		},
		map[string]interface{}{
			"execution_id": executionID,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., backfilled data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
