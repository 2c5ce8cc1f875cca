package protocol

import "testing"

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    Color
		wantErr bool
	}{
		{"255,0,0", Color{R: 255}, false},
		{"1, 2, 3", Color{R: 1, G: 2, B: 3}, false},
		{"0,0,0", Color{}, false},
		{"256,0,0", Color{}, true},
		{"-1,0,0", Color{}, true},
		{"1,2", Color{}, true},
		{"a,b,c", Color{}, true},
		{"", Color{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColor(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseColor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseColor(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestColorString(t *testing.T) {
	if got := (Color{R: 10, G: 20, B: 30}).String(); got != "10,20,30" {
		t.Errorf("String() = %q, want %q", got, "10,20,30")
	}
	if got := White.String(); got != "255,255,255" {
		t.Errorf("White.String() = %q", got)
	}
}
