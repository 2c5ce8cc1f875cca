// Package light implements the Surplife light entity: power and RGB colour
// control over a persistent BLE client, with state tracked from the light's
// status notifications.
package light

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/surplife-ble/internal/ble/protocol"
	"github.com/chaz8081/surplife-ble/internal/store"
)

// Domain and Manufacturer describe the device registry entry of every light.
const (
	Domain       = "surplife_ble_simple"
	Manufacturer = "Surplife"
	ColorModeRGB = "rgb"
)

// Device is the BLE link to one light. *ble.Client implements it.
type Device interface {
	Address() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, packet []byte) error
	Connected() bool
	OnNotification(cb func(data []byte))
	OnConnectionChange(cb func(connected bool))
	Close() error
}

// StateStore persists the last known state between runs.
type StateStore interface {
	SaveState(ctx context.Context, address string, st store.State) error
	LoadState(ctx context.Context, address string) (store.State, error)
}

// State is a snapshot of the entity.
type State struct {
	On    bool
	Color protocol.Color
	// Available is true while the BLE link is up.
	Available bool
	// AssumedState is true when On is not confirmed by the light.
	AssumedState bool
}

// DeviceInfo identifies the physical light in the host's device registry.
type DeviceInfo struct {
	Identifiers  [][2]string // (domain, address) pairs
	Name         string
	Manufacturer string
}

// Options configures a Light.
type Options struct {
	// MinWriteInterval is the minimum gap between command writes. Zero
	// disables pacing.
	MinWriteInterval time.Duration
	// States, when set, restores the last state on Start and records every
	// change.
	States StateStore
}

// Light is one Surplife light entity.
type Light struct {
	dev     Device
	name    string
	limiter *rate.Limiter
	states  StateStore

	mu        sync.Mutex
	on        bool
	color     protocol.Color
	listeners []func(State)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the entity for dev titled name. It is idle until Start.
func New(dev Device, name string, opts Options) *Light {
	limit := rate.Inf
	if opts.MinWriteInterval > 0 {
		limit = rate.Every(opts.MinWriteInterval)
	}
	l := &Light{
		dev:     dev,
		name:    name,
		limiter: rate.NewLimiter(limit, 1),
		states:  opts.States,
		color:   protocol.White,
	}
	dev.OnNotification(l.handleNotification)
	dev.OnConnectionChange(func(connected bool) {
		slog.Debug("[light] connection changed", "address", l.Address(), "connected", connected)
		l.publish()
	})
	return l
}

// Name returns the entity name.
func (l *Light) Name() string { return l.name }

// Address returns the BLE address, which is also the unique id.
func (l *Light) Address() string { return l.dev.Address() }

// UniqueID returns the stable id of the entity.
func (l *Light) UniqueID() string { return store.NormaliseID(l.dev.Address()) }

// DeviceInfo returns the device registry entry for the light.
func (l *Light) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Identifiers:  [][2]string{{Domain, l.dev.Address()}},
		Name:         l.name,
		Manufacturer: Manufacturer,
	}
}

// State returns the current state.
func (l *Light) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Light) snapshotLocked() State {
	connected := l.dev.Connected()
	return State{
		On:           l.on,
		Color:        l.color,
		Available:    connected,
		AssumedState: !connected,
	}
}

// Subscribe registers fn to receive every state change.
func (l *Light) Subscribe(fn func(State)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Start restores the last known state and connects in the background.
func (l *Light) Start(ctx context.Context) {
	l.Restore(ctx)

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		// Failures are logged by the client, which keeps retrying.
		_ = l.dev.Connect(ctx)
	}()
}

// Restore loads the last saved state so a connect event does not overwrite
// the stored colour with the default. Call it before connecting.
func (l *Light) Restore(ctx context.Context) {
	if l.states == nil {
		return
	}
	st, err := l.states.LoadState(ctx, l.dev.Address())
	switch {
	case err == nil:
		l.mu.Lock()
		l.on = st.On
		l.color = protocol.Color{R: st.R, G: st.G, B: st.B}
		l.mu.Unlock()
		slog.Debug("[light] restored state", "address", l.Address(), "on", st.On)
	case errors.Is(err, store.ErrNotFound):
	default:
		slog.Warn("[light] could not restore state", "address", l.Address(), "error", err)
	}
}

// Stop cancels the background connect and closes the BLE client.
func (l *Light) Stop() error {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := l.dev.Close()
	l.wg.Wait()
	return err
}

// TurnOn switches the light on. With a colour the RGB command is sent and the
// colour remembered; without one the light resumes its last colour.
func (l *Light) TurnOn(ctx context.Context, color *protocol.Color) error {
	var packet []byte
	if color != nil {
		l.mu.Lock()
		l.color = *color
		l.mu.Unlock()
		packet = protocol.RGBCommand(*color)
	} else {
		packet = protocol.OnCommand()
	}
	err := l.send(ctx, packet)
	// A connected light confirms the change with a notification.
	l.optimistic(true, color != nil)
	return err
}

// TurnOff switches the light off.
func (l *Light) TurnOff(ctx context.Context) error {
	err := l.send(ctx, protocol.OffCommand())
	l.optimistic(false, false)
	return err
}

func (l *Light) send(ctx context.Context, packet []byte) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("light %s: %w", l.Address(), err)
	}
	if err := l.dev.Send(ctx, packet); err != nil {
		return fmt.Errorf("light %s: %w", l.Address(), err)
	}
	return nil
}

// optimistic records on when the light cannot report it. A colour change is
// published even while connected since the light never reports colour.
func (l *Light) optimistic(on, colorChanged bool) {
	l.mu.Lock()
	changed := colorChanged
	if !l.dev.Connected() && l.on != on {
		l.on = on
		changed = true
	}
	l.mu.Unlock()
	if changed {
		l.publish()
	}
}

func (l *Light) handleNotification(data []byte) {
	n, err := protocol.ParseNotification(data)
	if err != nil || !n.HasPower {
		return
	}

	l.mu.Lock()
	if l.on == n.On {
		l.mu.Unlock()
		return
	}
	l.on = n.On
	l.mu.Unlock()

	slog.Info("[light] state updated", "address", l.Address(), "on", n.On)
	l.publish()
}

// publish saves and fans out the current state.
func (l *Light) publish() {
	l.mu.Lock()
	st := l.snapshotLocked()
	listeners := make([]func(State), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	if l.states != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.states.SaveState(ctx, l.dev.Address(), store.State{
			On: st.On, R: st.Color.R, G: st.Color.G, B: st.Color.B,
		})
		cancel()
		if err != nil {
			slog.Warn("[light] could not save state", "address", l.Address(), "error", err)
		}
	}

	for _, fn := range listeners {
		fn(st)
	}
}
