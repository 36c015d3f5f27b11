// Package logging is the slog wrapper used service-wide.
//
// Every log line carries the service name and version; components add
// their own context with With:
//
//	log := logging.New(cfg.Logging, version)
//	pollLog := log.With("component", "controller")
//	pollLog.Info("channel connected", "channel", "argon")
//
// Format (json/text), level, and destination come from the logging
// section of config.yaml. Do not log broker passwords or InfluxDB
// tokens.
package logging
