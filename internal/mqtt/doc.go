// Package mqtt announces wireless clients to Home Assistant over MQTT.
//
// Every newly discovered client gets a retained device_tracker
// discovery config, and every transition publishes a retained
// "connected" or "disconnected" payload to the client's state topic:
//
//	homeassistant/device_tracker/wifi-{id}/config
//	wifi-exporter/{id}/state
//
// {id} is the client MAC with characters that are not allowed in a
// topic segment replaced by underscores (see [SanitizeID]).
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. A will message marks the availability
// topic "offline" if the exporter disappears without disconnecting, and
// "online" is published on every (re-)connect.
package mqtt
