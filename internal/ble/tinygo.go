package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux it talks to BlueZ over
// D-Bus and addresses are MAC addresses. On macOS, BLE device addresses are
// CoreBluetooth UUIDs (not MAC addresses) and the Address fields carry that
// UUID string instead.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map and the enabled flag.
	mu          sync.Mutex
	enabled     bool
	connections map[string]*tinyGoConnection // keyed by normalised address
}

// NewTinyGoAdapter creates a BLE adapter on the system default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

// Enable powers on the controller. Repeated calls are no-ops.
func (a *TinyGoAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.enabled = true

	// tinygo/bluetooth reports peripheral disconnects through a single
	// adapter-level handler (connected=false). Route it to the connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := normaliseAddress(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUIDs ...string) ([]Advertisement, error) {
	uuids := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var found []Advertisement
	index := make(map[string]int)

	done := make(chan struct{})
	go stopScanWhenDone(ctx, done, a.adapter.StopScan, stopScanRetry)

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		for i, u := range uuids {
			if result.HasServiceUUID(u) {
				adv.ServiceUUIDs = append(adv.ServiceUUIDs, serviceUUIDs[i])
			}
		}
		if md := result.ManufacturerData(); len(md) > 0 {
			adv.ManufacturerData = make(map[uint16][]byte, len(md))
			for _, el := range md {
				adv.ManufacturerData[el.CompanyID] = append([]byte(nil), el.Data...)
			}
		}

		mu.Lock()
		defer mu.Unlock()
		key := normaliseAddress(adv.Address)
		if i, seen := index[key]; seen {
			// Later packets (scan responses) may add the name or UUIDs.
			found[i] = mergeAdvertisement(found[i], adv)
			return
		}
		index[key] = len(found)
		found = append(found, adv)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return found, nil
}

// stopScanRetry is how often StopScan is retried while the scan is still
// starting up.
const stopScanRetry = 50 * time.Millisecond

// stopScanWhenDone calls stop once ctx is done. StopScan fails until the
// backend has registered the scan, so it is retried until it succeeds or the
// scan returns on its own (done closed).
func stopScanWhenDone(ctx context.Context, done <-chan struct{}, stop func() error, retry time.Duration) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		err := stop()
		if err == nil {
			return
		}
		slog.Debug("[BLE] stop scan not ready, retrying", "error", err)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed; if it
		// succeeds late, drop the link so the light is free for the next try.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}

		a.mu.Lock()
		a.connections[normaliseAddress(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	services     map[string]*bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := c.service(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

// service discovers a GATT service once per connection.
func (c *tinyGoConnection) service(serviceUUID string) (*bluetooth.DeviceService, error) {
	key := strings.ToLower(serviceUUID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[key]; ok {
		return svc, nil
	}

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}
	if c.services == nil {
		c.services = make(map[string]*bluetooth.DeviceService)
	}
	c.services[key] = &svcs[0]
	return &svcs[0], nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

// Write is defined per platform in tinygo_write_*.go.

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The buffer is reused by some backends.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	if err := c.char.EnableNotifications(nil); err != nil {
		slog.Debug("[BLE] disable notifications failed", "error", err)
		return err
	}
	return nil
}

// normaliseAddress makes MAC and CoreBluetooth UUID addresses comparable.
func normaliseAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// mergeAdvertisement folds a later advertisement packet into an earlier one.
func mergeAdvertisement(prev, next Advertisement) Advertisement {
	if prev.Name == "" {
		prev.Name = next.Name
	}
	prev.RSSI = next.RSSI
	for _, u := range next.ServiceUUIDs {
		if !containsFold(prev.ServiceUUIDs, u) {
			prev.ServiceUUIDs = append(prev.ServiceUUIDs, u)
		}
	}
	for id, data := range next.ManufacturerData {
		if prev.ManufacturerData == nil {
			prev.ManufacturerData = make(map[uint16][]byte)
		}
		prev.ManufacturerData[id] = data
	}
	return prev
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
