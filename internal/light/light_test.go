package light

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/surplife-ble/internal/ble/protocol"
	"github.com/chaz8081/surplife-ble/internal/store"
)

// fakeDevice records packets and lets tests drive connection and
// notification callbacks.
type fakeDevice struct {
	mu        sync.Mutex
	address   string
	connected bool
	sent      [][]byte
	sendErr   error
	connects  int
	closed    bool
	onNotify  func([]byte)
	onConn    func(bool)
}

func newFakeDevice(connected bool) *fakeDevice {
	return &fakeDevice{address: "AA:BB:CC:DD:EE:FF", connected: connected}
}

func (d *fakeDevice) Address() string { return d.address }

func (d *fakeDevice) Connect(context.Context) error {
	d.mu.Lock()
	d.connects++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Send(_ context.Context, packet []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, append([]byte(nil), packet...))
	return nil
}

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) OnNotification(cb func([]byte))   { d.onNotify = cb }
func (d *fakeDevice) OnConnectionChange(cb func(bool)) { d.onConn = cb }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
	d.onConn(v)
}

func (d *fakeDevice) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

// fakeStates is an in-memory StateStore.
type fakeStates struct {
	mu     sync.Mutex
	states map[string]store.State
	saves  int
}

func newFakeStates() *fakeStates { return &fakeStates{states: make(map[string]store.State)} }

func (s *fakeStates) SaveState(_ context.Context, address string, st store.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[store.NormaliseID(address)] = st
	s.saves++
	return nil
}

func (s *fakeStates) LoadState(_ context.Context, address string) (store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[store.NormaliseID(address)]
	if !ok {
		return store.State{}, store.ErrNotFound
	}
	return st, nil
}

// recorder collects published states.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(st State) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestLight(t *testing.T, dev *fakeDevice) (*Light, *recorder) {
	t.Helper()
	l := New(dev, "Desk Lamp", Options{})
	rec := &recorder{}
	l.Subscribe(rec.record)
	return l, rec
}

func powerReport(on bool) []byte {
	v := byte(0x00)
	if on {
		v = 0x01
	}
	return []byte{protocol.StatusMarker, 0x00, protocol.StatusKindPower, v}
}

func TestInitialState(t *testing.T) {
	l, _ := newTestLight(t, newFakeDevice(false))
	st := l.State()
	if st.On {
		t.Error("new light should be off")
	}
	if st.Color != protocol.White {
		t.Errorf("Color = %v, want white", st.Color)
	}
	if st.Available || !st.AssumedState {
		t.Errorf("disconnected light: Available=%v AssumedState=%v", st.Available, st.AssumedState)
	}
}

func TestIdentity(t *testing.T) {
	l, _ := newTestLight(t, newFakeDevice(true))
	if l.UniqueID() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("UniqueID() = %q", l.UniqueID())
	}
	info := l.DeviceInfo()
	if info.Manufacturer != "Surplife" || info.Name != "Desk Lamp" {
		t.Errorf("DeviceInfo = %+v", info)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != [2]string{Domain, "AA:BB:CC:DD:EE:FF"} {
		t.Errorf("Identifiers = %v", info.Identifiers)
	}
}

func TestTurnOnWithColorSendsRGB(t *testing.T) {
	dev := newFakeDevice(true)
	l, rec := newTestLight(t, dev)
	red := protocol.Color{R: 255}

	if err := l.TurnOn(context.Background(), &red); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	sent := dev.Sent()
	if len(sent) != 1 || !bytes.Equal(sent[0], protocol.RGBCommand(red)) {
		t.Fatalf("sent = %x, want RGB command", sent)
	}
	st := l.State()
	if st.Color != red {
		t.Errorf("Color = %v, want %v", st.Color, red)
	}
	if st.On {
		t.Error("connected light should wait for the power report")
	}
	if got := len(rec.all()); got != 1 {
		t.Errorf("published %d states, want 1 for the colour change", got)
	}
}

func TestTurnOnConnectedWaitsForNotification(t *testing.T) {
	dev := newFakeDevice(true)
	l, rec := newTestLight(t, dev)

	if err := l.TurnOn(context.Background(), nil); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}
	if sent := dev.Sent(); len(sent) != 1 || !bytes.Equal(sent[0], protocol.OnCommand()) {
		t.Fatalf("sent = %x, want ON command", sent)
	}
	if l.State().On {
		t.Fatal("state changed before the light reported it")
	}
	if len(rec.all()) != 0 {
		t.Fatalf("published %d states before the report", len(rec.all()))
	}

	dev.onNotify(powerReport(true))
	if !l.State().On {
		t.Error("power report did not turn the light on")
	}
	dev.onNotify(powerReport(true))
	if got := len(rec.all()); got != 1 {
		t.Errorf("published %d states, want 1 (duplicates ignored)", got)
	}

	dev.onNotify(powerReport(false))
	if l.State().On {
		t.Error("power report did not turn the light off")
	}
}

func TestNotificationsWithoutPowerAreIgnored(t *testing.T) {
	dev := newFakeDevice(true)
	l, rec := newTestLight(t, dev)

	dev.onNotify([]byte{protocol.StatusMarker, 0x00, 0x10, 0x01})
	dev.onNotify([]byte{0x77, 0x00, protocol.StatusKindPower, 0x01})
	dev.onNotify([]byte{protocol.StatusMarker, 0x00})

	if l.State().On || len(rec.all()) != 0 {
		t.Errorf("unexpected change: state=%+v published=%d", l.State(), len(rec.all()))
	}
}

func TestOptimisticWhenDisconnected(t *testing.T) {
	dev := newFakeDevice(false)
	l, rec := newTestLight(t, dev)
	ctx := context.Background()

	if err := l.TurnOn(ctx, nil); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}
	st := l.State()
	if !st.On || !st.AssumedState {
		t.Errorf("after TurnOn: %+v, want on and assumed", st)
	}

	if err := l.TurnOff(ctx); err != nil {
		t.Fatalf("TurnOff() error = %v", err)
	}
	if sent := dev.Sent(); len(sent) != 2 || !bytes.Equal(sent[1], protocol.OffCommand()) {
		t.Fatalf("sent = %x, want ON then OFF", sent)
	}
	if l.State().On {
		t.Error("TurnOff did not switch off optimistically")
	}
	if got := len(rec.all()); got != 2 {
		t.Errorf("published %d states, want 2", got)
	}
}

func TestSendErrorIsReturned(t *testing.T) {
	dev := newFakeDevice(false)
	dev.sendErr = errors.New("link lost")
	l, _ := newTestLight(t, dev)

	err := l.TurnOff(context.Background())
	if !errors.Is(err, dev.sendErr) {
		t.Fatalf("TurnOff() error = %v, want wrapped send error", err)
	}

	if err := l.TurnOn(context.Background(), nil); err == nil {
		t.Fatal("TurnOn() error = nil, want send error")
	}
	if !l.State().On {
		t.Error("disconnected light should still be set on optimistically")
	}
}

func TestConnectionChangePublishes(t *testing.T) {
	dev := newFakeDevice(false)
	l, rec := newTestLight(t, dev)
	_ = l

	dev.setConnected(true)
	dev.setConnected(false)

	states := rec.all()
	if len(states) != 2 {
		t.Fatalf("published %d states, want 2", len(states))
	}
	if !states[0].Available || states[0].AssumedState {
		t.Errorf("after connect: %+v", states[0])
	}
	if states[1].Available || !states[1].AssumedState {
		t.Errorf("after disconnect: %+v", states[1])
	}
}

func TestStartRestoresStateAndStopCloses(t *testing.T) {
	dev := newFakeDevice(false)
	states := newFakeStates()
	_ = states.SaveState(context.Background(), dev.address, store.State{On: true, R: 1, G: 2, B: 3})
	states.saves = 0

	l := New(dev, "Desk Lamp", Options{States: states})
	l.Start(context.Background())
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	st := l.State()
	if !st.On || st.Color != (protocol.Color{R: 1, G: 2, B: 3}) {
		t.Errorf("restored state = %+v", st)
	}
	dev.mu.Lock()
	connects, closed := dev.connects, dev.closed
	dev.mu.Unlock()
	if connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
	if !closed {
		t.Error("Stop did not close the device")
	}
}

func TestStateChangesArePersisted(t *testing.T) {
	dev := newFakeDevice(true)
	states := newFakeStates()
	l := New(dev, "Desk Lamp", Options{States: states})

	blue := protocol.Color{B: 200}
	if err := l.TurnOn(context.Background(), &blue); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}
	dev.onNotify(powerReport(true))

	got, err := states.LoadState(context.Background(), dev.address)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !got.On || got.B != 200 {
		t.Errorf("saved state = %+v", got)
	}
}

func TestWritesArePaced(t *testing.T) {
	dev := newFakeDevice(true)
	l := New(dev, "Desk Lamp", Options{MinWriteInterval: time.Hour})

	if err := l.TurnOff(context.Background()); err != nil {
		t.Fatalf("first TurnOff() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.TurnOff(ctx); err == nil {
		t.Fatal("second TurnOff() inside the interval should fail on the deadline")
	}
	if got := len(dev.Sent()); got != 1 {
		t.Errorf("sent %d packets, want 1", got)
	}
}

func TestRestoreKeepsStoredColourAcrossConnect(t *testing.T) {
	dev := newFakeDevice(false)
	states := newFakeStates()
	_ = states.SaveState(context.Background(), dev.address, store.State{On: true, R: 10, G: 20, B: 30})

	l := New(dev, "Desk Lamp", Options{States: states})
	l.Restore(context.Background())

	// A one-shot command connects and switches on without a colour.
	dev.setConnected(true)
	if err := l.TurnOn(context.Background(), nil); err != nil {
		t.Fatalf("TurnOn() error = %v", err)
	}

	got, err := states.LoadState(context.Background(), dev.address)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got.R != 10 || got.G != 20 || got.B != 30 {
		t.Errorf("saved colour = %d,%d,%d, want 10,20,30", got.R, got.G, got.B)
	}
	if dev.connects != 0 {
		t.Errorf("Restore connected the device %d times", dev.connects)
	}
}
