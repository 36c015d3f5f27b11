// Package mqtt is the broker link for telemetry fan-out and inbound
// setpoint commands.
//
// The broker decouples the controller from its consumers: dashboards
// and lab tooling subscribe to retained reading topics, and a dashboard
// restart never touches the control loop.
//
//	gasflowd <-> MQTT broker <-> dashboards / lab tooling
//
// The client auto-reconnects with exponential backoff and re-registers
// its subscriptions after each reconnect. A Last Will message on the
// system status topic lets monitors distinguish a crash from a clean
// shutdown.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.SetpointCommand(), 1, handleCommand)
//
//	topic := mqtt.Topics{}.Reading("argon")
//	client.PublishRetained(topic, payload)
//
// Enable TLS (cfg.Broker.TLS) for anything beyond a local development
// broker; payloads are not encrypted beyond the transport.
package mqtt
