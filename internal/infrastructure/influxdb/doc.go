// Package influxdb provides InfluxDB connectivity for gasflow-core.
//
// It wraps the official influxdb-client-go v2 library with gasflow-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Per-channel flow telemetry (pressure, temperature, flows, setpoint)
//   - Recipe execution events (started, completed, cancelled)
//   - Service health metrics
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "sputterlab",
//	    Bucket: "telemetry",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Write a channel reading
//	client.WriteReading(reading)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This keeps network overhead low at typical 1 Hz polling rates even with
// many channels.
package influxdb
