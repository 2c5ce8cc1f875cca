package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFixedCommands(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"poke", PokeCommand(), []byte{0x77, 0x00, 0x00, 0x03}},
		{"on", OnCommand(), []byte{0xA0, 0x11, 0x04, 0x01, 0xB1, 0x21}},
		{"off", OffCommand(), []byte{0xA0, 0x11, 0x04, 0x00, 0x70, 0xE1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("%s = %x, want %x", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestFixedCommandsAreCopies(t *testing.T) {
	on := OnCommand()
	on[0] = 0x00
	if OnCommand()[0] != 0xA0 {
		t.Error("mutating a returned command changed the shared packet")
	}
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		packet []byte
		want   byte
	}{
		{nil, 0x00},
		{[]byte{0x01, 0x02}, 0x03},
		{[]byte{0xFF, 0x02}, 0x01}, // wraps
		{[]byte{0xA0, 0x04, 0x1A}, 0xBE},
	}
	for _, tt := range tests {
		if got := Checksum(tt.packet); got != tt.want {
			t.Errorf("Checksum(%x) = 0x%02x, want 0x%02x", tt.packet, got, tt.want)
		}
	}
}

func TestRGBCommand(t *testing.T) {
	tests := []struct {
		name  string
		color Color
		want  []byte
	}{
		{
			name:  "red",
			color: Color{R: 255},
			want:  []byte{0xA0, 0x04, 0x1A, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xBD},
		},
		{
			name:  "white",
			color: White,
			want:  []byte{0xA0, 0x04, 0x1A, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0xBB},
		},
		{
			name:  "black",
			color: Color{},
			want:  []byte{0xA0, 0x04, 0x1A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xBE},
		},
		{
			name:  "mixed",
			color: Color{R: 0x10, G: 0x20, B: 0x30},
			want:  []byte{0xA0, 0x04, 0x1A, 0x10, 0x20, 0x30, 0x00, 0x00, 0x00, 0x00, 0x00, 0x1E},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RGBCommand(tt.color)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("RGBCommand(%v) =\n  got  %x\n  want %x", tt.color, got, tt.want)
			}
		})
	}
}

func TestRGBCommandChecksumCoversPacket(t *testing.T) {
	pkt := RGBCommand(Color{R: 1, G: 2, B: 3})
	if len(pkt) != 12 {
		t.Fatalf("len = %d, want 12", len(pkt))
	}
	if pkt[len(pkt)-1] != Checksum(pkt[:len(pkt)-1]) {
		t.Errorf("trailer 0x%02x does not match checksum of body", pkt[len(pkt)-1])
	}
}

func TestParseNotificationPower(t *testing.T) {
	n, err := ParseNotification([]byte{0xA1, 0x00, 0x66, 0x01, 0x00})
	if err != nil {
		t.Fatalf("ParseNotification() error = %v", err)
	}
	if !n.HasPower || !n.On {
		t.Errorf("got HasPower=%v On=%v, want true true", n.HasPower, n.On)
	}

	n, err = ParseNotification([]byte{0xA1, 0x00, 0x66, 0x00})
	if err != nil {
		t.Fatalf("ParseNotification() error = %v", err)
	}
	if !n.HasPower || n.On {
		t.Errorf("got HasPower=%v On=%v, want true false", n.HasPower, n.On)
	}
}

func TestParseNotificationOtherStatus(t *testing.T) {
	n, err := ParseNotification([]byte{0xA1, 0x00, 0x12, 0x01})
	if err != nil {
		t.Fatalf("ParseNotification() error = %v", err)
	}
	if n.HasPower {
		t.Error("non-power status should not carry power state")
	}
	if n.Kind != 0x12 {
		t.Errorf("Kind = 0x%02x, want 0x12", n.Kind)
	}
}

func TestParseNotificationErrors(t *testing.T) {
	if _, err := ParseNotification([]byte{0xA1, 0x00, 0x66}); !errors.Is(err, ErrShortPacket) {
		t.Errorf("short packet error = %v, want ErrShortPacket", err)
	}
	if _, err := ParseNotification(nil); !errors.Is(err, ErrShortPacket) {
		t.Errorf("nil packet error = %v, want ErrShortPacket", err)
	}
	if _, err := ParseNotification([]byte{0xA0, 0x00, 0x66, 0x01}); !errors.Is(err, ErrNotStatus) {
		t.Errorf("wrong marker error = %v, want ErrNotStatus", err)
	}
}

func TestHex(t *testing.T) {
	if got := Hex(PokeCommand()); got != "77000003" {
		t.Errorf("Hex() = %q, want %q", got, "77000003")
	}
}
