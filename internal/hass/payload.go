package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chaz8081/surplife-ble/internal/ble/protocol"
	"github.com/chaz8081/surplife-ble/internal/light"
)

// Payload values of the JSON schema.
const (
	StateOn         = "ON"
	StateOff        = "OFF"
	PayloadOnline   = "online"
	PayloadOffline  = "offline"
	schemaJSON      = "json"
	softwareName    = "surplife-ble"
	connectionBLE   = "bluetooth"
	availabilityAll = "all"
)

// ErrInvalidCommand is returned for command payloads that cannot be applied.
var ErrInvalidCommand = errors.New("hass: invalid command")

// Entity is what the bridge needs from a light.
type Entity interface {
	Name() string
	Address() string
	UniqueID() string
	DeviceInfo() light.DeviceInfo
	State() light.State
	Subscribe(fn func(light.State))
	TurnOn(ctx context.Context, color *protocol.Color) error
	TurnOff(ctx context.Context) error
}

// DiscoveryConfig is the MQTT discovery payload of a JSON schema light.
type DiscoveryConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	ObjectID            string         `json:"object_id"`
	Schema              string         `json:"schema"`
	CommandTopic        string         `json:"command_topic"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	SupportedColorModes []string       `json:"supported_color_modes"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	Device              Device         `json:"device"`
	Origin              Origin         `json:"origin"`
}

// Availability is one availability topic entry.
type Availability struct {
	Topic string `json:"topic"`
}

// Device is the device registry block.
type Device struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
}

// Origin names the software publishing the discovery message.
type Origin struct {
	Name string `json:"name"`
}

// RGB is a JSON schema colour.
type RGB struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// StatePayload is published on the state topic.
type StatePayload struct {
	State     string `json:"state"`
	ColorMode string `json:"color_mode"`
	Color     RGB    `json:"color"`
}

// Attributes is published on the attributes topic.
type Attributes struct {
	Address      string `json:"address"`
	Connected    bool   `json:"connected"`
	AssumedState bool   `json:"assumed_state"`
}

// Command is a JSON schema command from Home Assistant.
type Command struct {
	State string `json:"state"`
	Color *RGB   `json:"color,omitempty"`
}

// BuildDiscovery returns the discovery config for e.
func BuildDiscovery(t Topics, e Entity) DiscoveryConfig {
	objectID := ObjectID(e.Address())
	info := e.DeviceInfo()

	ids := make([]string, 0, len(info.Identifiers))
	for _, id := range info.Identifiers {
		ids = append(ids, id[0]+"_"+id[1])
	}

	return DiscoveryConfig{
		Name:                e.Name(),
		UniqueID:            e.UniqueID(),
		ObjectID:            objectID,
		Schema:              schemaJSON,
		CommandTopic:        t.Set(objectID),
		StateTopic:          t.State(objectID),
		JSONAttributesTopic: t.Attributes(objectID),
		SupportedColorModes: []string{light.ColorModeRGB},
		Availability: []Availability{
			{Topic: t.BridgeStatus()},
			{Topic: t.Availability(objectID)},
		},
		AvailabilityMode: availabilityAll,
		Device: Device{
			Identifiers:  ids,
			Connections:  [][2]string{{connectionBLE, strings.ToLower(e.Address())}},
			Name:         info.Name,
			Manufacturer: info.Manufacturer,
		},
		Origin: Origin{Name: softwareName},
	}
}

// BuildState converts a light state to its JSON schema payload.
func BuildState(st light.State) StatePayload {
	p := StatePayload{
		State:     StateOff,
		ColorMode: light.ColorModeRGB,
		Color:     RGB{R: int(st.Color.R), G: int(st.Color.G), B: int(st.Color.B)},
	}
	if st.On {
		p.State = StateOn
	}
	return p
}

// ParseCommand decodes and validates a command payload.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	cmd.State = strings.ToUpper(cmd.State)
	if cmd.State != StateOn && cmd.State != StateOff {
		return Command{}, fmt.Errorf("%w: state %q", ErrInvalidCommand, cmd.State)
	}
	if cmd.Color != nil {
		for _, v := range []int{cmd.Color.R, cmd.Color.G, cmd.Color.B} {
			if v < 0 || v > 255 {
				return Command{}, fmt.Errorf("%w: colour component %d out of range", ErrInvalidCommand, v)
			}
		}
	}
	return cmd, nil
}

// TargetColor returns the requested colour, or nil when none was sent.
func (c Command) TargetColor() *protocol.Color {
	if c.Color == nil {
		return nil
	}
	return &protocol.Color{R: uint8(c.Color.R), G: uint8(c.Color.G), B: uint8(c.Color.B)}
}
