package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// nonAlphanumeric matches any character that is not alphanumeric or underscore.
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string // Full MQTT topic (homeassistant/...)
	Payload []byte // JSON-encoded config (empty = remove)
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	ViaDevice   string   `json:"via_device,omitempty"`
}

// BinarySensorConfig is the HA discovery payload for binary_sensor.
type BinarySensorConfig struct {
	Name        string   `json:"name"`
	ObjectID    string   `json:"object_id"`
	UniqueID    string   `json:"unique_id"`
	StateTopic  string   `json:"state_topic"`
	DeviceClass string   `json:"device_class,omitempty"`
	PayloadOn   string   `json:"payload_on"`
	PayloadOff  string   `json:"payload_off"`
	Device      HADevice `json:"device"`
	Icon        string   `json:"icon,omitempty"`
}

// SafeObjectID sanitizes a string for use as an HA object_id.
// Replaces any non-alphanumeric character (except underscore) with underscore,
// lowercases, and trims leading/trailing underscores.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// ReachabilityStateTopic is where a host's ON/OFF reachability is published.
func ReachabilityStateTopic(topicPrefix, host string) string {
	return topicPrefix + "/device/" + SafeObjectID(host) + "/reachable"
}

// PluginProblemStateTopic is where a plugin's ON/OFF failure state is published.
func PluginProblemStateTopic(topicPrefix, pluginID string) string {
	return topicPrefix + "/plugin/" + SafeObjectID(pluginID) + "/problem"
}

// BuildReachabilityDiscoveryConfig creates a connectivity binary_sensor for
// a monitored host.
func BuildReachabilityDiscoveryConfig(host, topicPrefix, haPrefix string) DiscoveryConfig {
	safeID := SafeObjectID(host)
	cfg := BinarySensorConfig{
		Name:        host + " Reachable",
		ObjectID:    "switchyard_" + safeID + "_reachable",
		UniqueID:    "switchyard_" + safeID + "_reachable",
		StateTopic:  ReachabilityStateTopic(topicPrefix, host),
		DeviceClass: "connectivity",
		PayloadOn:   "ON",
		PayloadOff:  "OFF",
		Device: HADevice{
			Identifiers: []string{"switchyard_host_" + safeID},
			Name:        host,
			ViaDevice:   "switchyard",
		},
	}
	return marshalDiscovery(fmt.Sprintf("%s/binary_sensor/switchyard_%s/reachable/config", haPrefix, safeID), cfg)
}

// BuildPluginProblemDiscoveryConfig creates a problem binary_sensor that
// turns on when a plugin fails and off when it starts again.
func BuildPluginProblemDiscoveryConfig(pluginID, topicPrefix, haPrefix string) DiscoveryConfig {
	safeID := SafeObjectID(pluginID)
	cfg := BinarySensorConfig{
		Name:        "Switchyard " + pluginID + " Problem",
		ObjectID:    "switchyard_plugin_" + safeID + "_problem",
		UniqueID:    "switchyard_plugin_" + safeID + "_problem",
		StateTopic:  PluginProblemStateTopic(topicPrefix, pluginID),
		DeviceClass: "problem",
		PayloadOn:   "ON",
		PayloadOff:  "OFF",
		Icon:        "mdi:puzzle-remove",
		Device: HADevice{
			Identifiers: []string{"switchyard"},
			Name:        "Switchyard",
			Model:       "integration server",
		},
	}
	return marshalDiscovery(pluginProblemConfigTopic(pluginID, haPrefix), cfg)
}

// BuildPluginRemovalConfig returns an empty-payload config that removes a
// plugin's problem sensor from HA.
func BuildPluginRemovalConfig(pluginID, haPrefix string) DiscoveryConfig {
	return DiscoveryConfig{Topic: pluginProblemConfigTopic(pluginID, haPrefix)}
}

func pluginProblemConfigTopic(pluginID, haPrefix string) string {
	return fmt.Sprintf("%s/binary_sensor/switchyard_plugin_%s/problem/config", haPrefix, SafeObjectID(pluginID))
}

func marshalDiscovery(topic string, cfg BinarySensorConfig) DiscoveryConfig {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return DiscoveryConfig{}
	}
	return DiscoveryConfig{Topic: topic, Payload: payload}
}
