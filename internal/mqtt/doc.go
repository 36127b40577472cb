// Package mqtt publishes a JSON event for every finished agent turn and,
// optionally, accepts questions over MQTT so other devices on the
// broker can talk to the agent.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic and re-subscribes to the ask topic. A will message
// flips the availability topic to "offline" on unexpected disconnects.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/availability          online | offline (retained)
//	<prefix>/turns                 one TurnEvent per finished turn
//	<prefix>/stats                 DailyStats after each turn (retained)
//	<prefix>/ask                   inbound AskRequest (when enabled)
//	<prefix>/reply/<conversation>  AskReply for each handled request
package mqtt
