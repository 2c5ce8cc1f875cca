// Package protocol implements the Surplife light command and status packets.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Fixed command packets understood by the light firmware.
var (
	pokeCommand = []byte{0x77, 0x00, 0x00, 0x03}
	onCommand   = []byte{0xA0, 0x11, 0x04, 0x01, 0xB1, 0x21}
	offCommand  = []byte{0xA0, 0x11, 0x04, 0x00, 0x70, 0xE1}
	rgbHeader   = []byte{0xA0, 0x04, 0x1A}
)

const (
	// StatusMarker is the first byte of every status notification.
	StatusMarker = 0xA1

	// StatusKindPower marks a power report in byte 2 of a status notification.
	StatusKindPower = 0x66

	// rgbPayloadLen is R, G, B followed by five reserved zero bytes.
	rgbPayloadLen = 8

	minStatusLen = 4
)

var (
	// ErrShortPacket is returned for notifications shorter than a status packet.
	ErrShortPacket = errors.New("protocol: packet too short")

	// ErrNotStatus is returned for notifications that are not status reports.
	ErrNotStatus = errors.New("protocol: not a status packet")
)

// PokeCommand asks the light to report its current status.
func PokeCommand() []byte { return clone(pokeCommand) }

// OnCommand turns the light on with its last colour.
func OnCommand() []byte { return clone(onCommand) }

// OffCommand turns the light off.
func OffCommand() []byte { return clone(offCommand) }

// RGBCommand builds a colour packet:
//
//	header  A0 04 1A
//	payload R G B 00 00 00 00 00
//	trailer checksum of header+payload
//
// Setting a colour also switches the light on.
func RGBCommand(c Color) []byte {
	buf := make([]byte, 0, len(rgbHeader)+rgbPayloadLen+1)
	buf = append(buf, rgbHeader...)
	buf = append(buf, c.R, c.G, c.B)
	buf = append(buf, make([]byte, rgbPayloadLen-3)...)
	return append(buf, Checksum(buf))
}

// Checksum returns the sum of all bytes masked to 0xFF.
func Checksum(packet []byte) byte {
	var sum byte
	for _, b := range packet {
		sum += b
	}
	return sum
}

// Notification is a decoded status report from the light.
type Notification struct {
	Kind byte
	// HasPower is set for power reports; On is only meaningful then.
	HasPower bool
	On       bool
	Raw      []byte
}

// ParseNotification decodes a packet received on the notify characteristic.
func ParseNotification(data []byte) (Notification, error) {
	if len(data) < minStatusLen {
		return Notification{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if data[0] != StatusMarker {
		return Notification{}, fmt.Errorf("%w: marker 0x%02x", ErrNotStatus, data[0])
	}
	n := Notification{
		Kind: data[2],
		Raw:  clone(data),
	}
	if n.Kind == StatusKindPower {
		n.HasPower = true
		n.On = data[3] == 0x01
	}
	return n, nil
}

// Hex formats a packet for debug logging.
func Hex(packet []byte) string {
	return hex.EncodeToString(packet)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
