package mqtt

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/wifi-exporter/internal/buildinfo"
)

// State payloads published to a client's state topic.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

var idReplacer = strings.NewReplacer(":", "_", "/", "_", "+", "_", "#", "_", " ", "_")

// SanitizeID makes a device identifier safe to use as a single MQTT
// topic segment. It is idempotent.
func SanitizeID(id string) string {
	return idReplacer.Replace(id)
}

// DeviceInfo is the Home Assistant device registry block embedded in a
// discovery payload.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// TrackerConfig is the JSON payload of an HA MQTT device_tracker
// discovery message.
type TrackerConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic,omitempty"`
	PayloadHome       string     `json:"payload_home"`
	PayloadNotHome    string     `json:"payload_not_home"`
	SourceType        string     `json:"source_type"`
	Icon              string     `json:"icon,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// deviceUUID derives a stable UUIDv5 for a sanitized id, so HA keeps
// the same device entry across exporter restarts.
func deviceUUID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("wifi-exporter/"+id)).String()
}

// NewTrackerConfig builds the discovery payload for a sanitized id.
func NewTrackerConfig(id, stateTopic, availabilityTopic string) TrackerConfig {
	name := "Wifi device " + id
	return TrackerConfig{
		Name:              name,
		UniqueID:          "wifi-" + id + "-connected",
		StateTopic:        stateTopic,
		AvailabilityTopic: availabilityTopic,
		PayloadHome:       StateConnected,
		PayloadNotHome:    StateDisconnected,
		SourceType:        "router",
		Icon:              "mdi:wifi",
		Device: DeviceInfo{
			Identifiers:  []string{id, deviceUUID(id)},
			Name:         name,
			Manufacturer: "wifi-exporter",
			Model:        "Wifi Tracker",
			SWVersion:    buildinfo.SWVersion(),
		},
	}
}
