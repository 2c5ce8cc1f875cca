// Package hass exposes lights to Home Assistant through MQTT discovery,
// using the JSON schema of the MQTT light platform.
package hass

import (
	"strings"
	"unicode"
)

// Topics builds every topic used for one bridge.
type Topics struct {
	DiscoveryPrefix string // "homeassistant"
	BaseTopic       string // "surplife_ble"
}

// Config is the retained discovery config topic of a light.
func (t Topics) Config(objectID string) string {
	return t.DiscoveryPrefix + "/light/" + objectID + "/config"
}

// State carries the retained JSON state.
func (t Topics) State(objectID string) string {
	return t.BaseTopic + "/" + objectID + "/state"
}

// Set receives JSON commands from Home Assistant.
func (t Topics) Set(objectID string) string {
	return t.BaseTopic + "/" + objectID + "/set"
}

// Availability carries online/offline for the BLE link of one light.
func (t Topics) Availability(objectID string) string {
	return t.BaseTopic + "/" + objectID + "/availability"
}

// Attributes carries extra entity attributes such as assumed_state.
func (t Topics) Attributes(objectID string) string {
	return t.BaseTopic + "/" + objectID + "/attributes"
}

// BridgeStatus is the availability topic of the whole bridge.
func (t Topics) BridgeStatus() string {
	return t.BaseTopic + "/bridge/status"
}

// ObjectID derives a topic-safe id from a BLE address:
// "AA:BB:CC:DD:EE:FF" becomes "surplife_aabbccddeeff".
func ObjectID(address string) string {
	var b strings.Builder
	b.WriteString("surplife_")
	for _, r := range strings.ToLower(address) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
