package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Color is an 8-bit RGB colour.
type Color struct {
	R, G, B uint8
}

// White is the colour a light is assumed to have before any report.
var White = Color{R: 255, G: 255, B: 255}

// ParseColor parses "r,g,b" with each component in 0..255.
// Whitespace around components is ignored.
func ParseColor(s string) (Color, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Color{}, fmt.Errorf("protocol: color %q: want r,g,b", s)
	}
	var vals [3]uint8
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return Color{}, fmt.Errorf("protocol: color %q: component %d: %w", s, i, err)
		}
		vals[i] = uint8(v)
	}
	return Color{R: vals[0], G: vals[1], B: vals[2]}, nil
}

// String formats the colour as "r,g,b".
func (c Color) String() string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}
