package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/surplife-ble/internal/ble"
	"github.com/chaz8081/surplife-ble/internal/ble/protocol"
	"github.com/chaz8081/surplife-ble/internal/config"
	"github.com/chaz8081/surplife-ble/internal/discovery"
	"github.com/chaz8081/surplife-ble/internal/store"
)

type fakeAdapter struct {
	advs []ble.Advertisement
	conn *fakeConnection
}

func (a *fakeAdapter) Enable() error { return nil }
func (a *fakeAdapter) Scan(context.Context, ...string) ([]ble.Advertisement, error) {
	return a.advs, nil
}
func (a *fakeAdapter) Connect(context.Context, string) (ble.Connection, error) {
	if a.conn == nil {
		return nil, errors.New("fake: no radio")
	}
	return a.conn, nil
}

// fakeConnection serves one characteristic for both write and notify.
type fakeConnection struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *fakeConnection) DiscoverCharacteristic(string, string) (ble.Characteristic, error) {
	return c, nil
}
func (c *fakeConnection) Disconnect() error   { return nil }
func (c *fakeConnection) OnDisconnect(func()) {}
func (c *fakeConnection) Subscribe(func([]byte)) error {
	return nil
}
func (c *fakeConnection) Unsubscribe() error { return nil }
func (c *fakeConnection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func TestParseSetAction(t *testing.T) {
	tests := []struct {
		arg     string
		on      bool
		color   *protocol.Color
		wantErr bool
	}{
		{"on", true, nil, false},
		{"OFF", false, nil, false},
		{"255,0,10", true, &protocol.Color{R: 255, B: 10}, false},
		{"blue", false, nil, true},
		{"1,2", false, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseSetAction(tt.arg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSetAction(%q) error = %v, wantErr %v", tt.arg, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.on != tt.on {
				t.Errorf("on = %v, want %v", got.on, tt.on)
			}
			if (got.color == nil) != (tt.color == nil) || (got.color != nil && *got.color != *tt.color) {
				t.Errorf("color = %v, want %v", got.color, tt.color)
			}
		})
	}
}

func TestFormatState(t *testing.T) {
	got := formatState(store.State{On: true, R: 1, G: 2, B: 3})
	if !strings.HasPrefix(got, "on ") || !strings.Contains(got, "1") {
		t.Errorf("formatState() = %q", got)
	}
}

func TestRunFlowPromptsAndCreatesEntry(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "entries.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	adapter := &fakeAdapter{advs: []ble.Advertisement{
		{Name: "Lamp", Address: "AA:BB:CC:DD:EE:FF", ServiceUUIDs: []string{ble.AdvertisedServiceUUID}},
	}}
	flow := discovery.NewFlow(adapter, st, time.Second)

	var out bytes.Buffer
	err = runFlow(context.Background(), flow, nil, bufio.NewReader(strings.NewReader("1\n")), &out)
	if err != nil {
		t.Fatalf("runFlow() error = %v", err)
	}
	if !strings.Contains(out.String(), "1) Lamp (AA:BB:CC:DD:EE:FF)") {
		t.Errorf("output missing option:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Added Lamp") {
		t.Errorf("output missing confirmation:\n%s", out.String())
	}
}

func TestRunFlowNoDevices(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "entries.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	flow := discovery.NewFlow(&fakeAdapter{}, st, time.Second)
	var out bytes.Buffer
	err = runFlow(context.Background(), flow, nil, bufio.NewReader(strings.NewReader("")), &out)
	if !errors.Is(err, discovery.ErrNoDevicesFound) {
		t.Fatalf("runFlow() error = %v, want ErrNoDevicesFound", err)
	}
	if !strings.Contains(out.String(), "No Surplife lights found") {
		t.Errorf("troubleshooting not printed:\n%s", out.String())
	}
}

func TestPromptRejectsInvalidSelection(t *testing.T) {
	opts := []discovery.Option{{Address: "A", Label: "a (A)"}}
	var out bytes.Buffer
	if _, err := prompt(opts, bufio.NewReader(strings.NewReader("7\n")), &out); err == nil {
		t.Error("prompt() accepted an out-of-range selection")
	}
}

func TestApplySetKeepsSavedColour(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "entries.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	entry := store.Entry{Title: "Lamp", Address: "AA:BB:CC:DD:EE:FF"}
	if err := st.SaveState(ctx, entry.Address, store.State{On: true, R: 10, G: 20, B: 30}); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	conn := &fakeConnection{}
	adapter := &fakeAdapter{conn: conn}
	if err := applySet(ctx, adapter, st, entry, setAction{on: true}, ble.ClientOptions{}); err != nil {
		t.Fatalf("applySet() error = %v", err)
	}

	got, err := st.LoadState(ctx, entry.Address)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got.R != 10 || got.G != 20 || got.B != 30 {
		t.Errorf("saved colour = %d,%d,%d, want 10,20,30", got.R, got.G, got.B)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if n := len(conn.writes); n == 0 || !bytes.Equal(conn.writes[n-1], protocol.OnCommand()) {
		t.Errorf("last write = %x, want ON command", conn.writes)
	}
}

func TestRunMigrateDown(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "entries.db")

	if err := runMigrateDown(context.Background(), cfg, nil); err != nil {
		t.Fatalf("runMigrateDown() error = %v", err)
	}
	// Opening the store again re-applies the rolled back migration.
	st, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore() after rollback error = %v", err)
	}
	st.Close()
}
