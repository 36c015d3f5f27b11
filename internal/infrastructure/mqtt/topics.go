package mqtt

import "fmt"

// Topic prefixes for the gasflow MQTT hierarchy.
//
// The scheme is flat: gasflow/{category}/{channel_or_id}. Readings and
// statuses are retained so a dashboard connecting mid-run immediately
// sees the current state; events and commands are not.
const (
	// TopicPrefix is the base for all service topics.
	TopicPrefix = "gasflow"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "gasflow/system"
)

// Topics provides builders for gasflow MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	readingTopic := topics.Reading("argon")
//	// Returns: "gasflow/reading/argon"
type Topics struct{}

// Reading returns the topic for flow readings from one channel.
//
// Example: gasflow/reading/argon
func (Topics) Reading(channel string) string {
	return fmt.Sprintf("%s/reading/%s", TopicPrefix, channel)
}

// AllReadings returns the wildcard subscription for every channel's
// readings.
//
// Example: gasflow/reading/+
func (Topics) AllReadings() string {
	return fmt.Sprintf("%s/reading/+", TopicPrefix)
}

// ChannelStatus returns the topic for channel state transitions.
//
// Example: gasflow/status/oxygen
func (Topics) ChannelStatus(channel string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, channel)
}

// RecipeEvent returns the topic for recipe lifecycle events (started,
// completed, cancelled, step failures).
//
// Example: gasflow/recipe/event
func (Topics) RecipeEvent() string {
	return TopicPrefix + "/recipe/event"
}

// SetpointCommand returns the topic external tooling publishes setpoint
// requests to. Payload: {"channel": "argon", "flow": 50.0}.
//
// Example: gasflow/command/setpoint
func (Topics) SetpointCommand() string {
	return TopicPrefix + "/command/setpoint"
}

// SystemStatus returns the topic for service online/offline status.
// Used for LWT and graceful shutdown messages; always retained.
//
// Example: gasflow/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}
