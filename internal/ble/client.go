package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/surplife-ble/internal/ble/protocol"
)

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = errors.New("ble: client closed")

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	ConnectTimeout time.Duration // bound on one connect + GATT setup attempt
	ReconnectDelay time.Duration // wait before the first reconnect attempt
	ReconnectMax   time.Duration // cap for the doubling reconnect delay
}

// DefaultClientOptions returns sensible defaults. ReconnectMax equal to
// ReconnectDelay gives a fixed retry interval.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectTimeout: 20 * time.Second,
		ReconnectDelay: 5 * time.Second,
		ReconnectMax:   5 * time.Second,
	}
}

// Client keeps a persistent connection to one Surplife light. It subscribes
// to status notifications, pokes the light for its state on every connect,
// and reconnects in the background when the link drops.
type Client struct {
	adapter Adapter
	address string
	opts    ClientOptions

	enableOnce sync.Once
	enableErr  error

	// connectMu serialises connection attempts.
	connectMu sync.Mutex
	// writeMu keeps packets in order on the wire.
	writeMu sync.Mutex

	mu              sync.Mutex
	conn            Connection
	writeChar       Characteristic
	notifyChar      Characteristic
	connected       bool
	closed          bool
	cancelReconnect context.CancelFunc
	reconnectDone   chan struct{}

	reconnecting atomic.Bool

	onNotify     func([]byte)
	onConnChange func(connected bool)
}

// NewClient creates a client for the light at address.
func NewClient(adapter Adapter, address string, opts ClientOptions) (*Client, error) {
	if adapter == nil {
		return nil, errors.New("ble: adapter must not be nil")
	}
	if address == "" {
		return nil, errors.New("ble: address must not be empty")
	}
	def := DefaultClientOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.ReconnectMax < opts.ReconnectDelay {
		opts.ReconnectMax = opts.ReconnectDelay
	}
	return &Client{
		adapter: adapter,
		address: address,
		opts:    opts,
	}, nil
}

// Address returns the address of the light.
func (c *Client) Address() string { return c.address }

// OnNotification registers the callback for packets on the notify
// characteristic. Call before Connect.
func (c *Client) OnNotification(cb func(data []byte)) {
	c.mu.Lock()
	c.onNotify = cb
	c.mu.Unlock()
}

// OnConnectionChange registers the callback fired on connect and disconnect.
// Call before Connect.
func (c *Client) OnConnectionChange(cb func(connected bool)) {
	c.mu.Lock()
	c.onConnChange = cb
	c.mu.Unlock()
}

// Connected reports whether the light is currently connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect establishes the connection, subscribes to notifications and sends
// the poke command so the light reports its state. On failure a reconnect is
// scheduled and the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	err := c.connect(ctx)
	if err != nil && !errors.Is(err, ErrClosed) {
		slog.Error("[BLE] failed to connect", "address", c.address, "error", err)
		c.scheduleReconnect()
	}
	return err
}

// connect performs one connection attempt. It is a no-op when already connected.
func (c *Client) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return nil
	}

	c.enableOnce.Do(func() { c.enableErr = c.adapter.Enable() })
	if c.enableErr != nil {
		return fmt.Errorf("ble: enable adapter: %w", c.enableErr)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	slog.Debug("[BLE] connecting", "address", c.address)
	conn, err := c.adapter.Connect(ctx, c.address)
	if err != nil {
		return err
	}

	writeChar, notifyChar, err := c.setup(conn)
	if err != nil {
		_ = conn.Disconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = notifyChar.Unsubscribe()
		_ = conn.Disconnect()
		return ErrClosed
	}
	c.conn = conn
	c.writeChar = writeChar
	c.notifyChar = notifyChar
	c.connected = true
	cb := c.onConnChange
	c.mu.Unlock()

	conn.OnDisconnect(func() {
		slog.Warn("[BLE] disconnected", "address", c.address)
		c.handleDisconnect(conn)
	})

	slog.Info("[BLE] connected", "address", c.address)
	if cb != nil {
		cb(true)
	}
	return nil
}

// setup discovers the control characteristics, subscribes to status
// notifications and pokes the light for its initial state.
func (c *Client) setup(conn Connection) (Characteristic, Characteristic, error) {
	writeChar, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover notify characteristic: %w", err)
	}

	if err := notifyChar.Subscribe(c.handleNotification); err != nil {
		return nil, nil, fmt.Errorf("ble: subscribe to notifications: %w", err)
	}
	slog.Debug("[BLE] subscribed to notifications", "address", c.address, "char", NotifyCharUUID)

	if err := writeChar.Write(protocol.PokeCommand()); err != nil {
		_ = notifyChar.Unsubscribe()
		return nil, nil, fmt.Errorf("ble: send poke: %w", err)
	}
	slog.Debug("[BLE] sent poke command", "address", c.address)

	return writeChar, notifyChar, nil
}

func (c *Client) handleNotification(data []byte) {
	slog.Debug("[BLE] notification", "address", c.address, "data", protocol.Hex(data))
	c.mu.Lock()
	cb := c.onNotify
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// handleDisconnect clears the connection if conn is still the current one and
// schedules a reconnect unless the client is closing.
func (c *Client) handleDisconnect(conn Connection) {
	c.mu.Lock()
	if c.conn != conn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.writeChar = nil
	c.notifyChar = nil
	c.connected = false
	closed := c.closed
	cb := c.onConnChange
	c.mu.Unlock()

	if cb != nil {
		cb(false)
	}
	if !closed {
		c.scheduleReconnect()
	}
}

// Send writes a command packet to the light. When disconnected it connects
// first and sends once. A failed write on a live connection is treated as a
// dropped link.
func (c *Client) Send(ctx context.Context, packet []byte) error {
	c.mu.Lock()
	closed, connected := c.closed, c.connected
	conn, writeChar := c.conn, c.writeChar
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if !connected {
		slog.Warn("[BLE] not connected, attempting to connect and send", "address", c.address)
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("ble: send to %s: %w", c.address, err)
		}
		c.mu.Lock()
		conn, writeChar = c.conn, c.writeChar
		c.mu.Unlock()
		if writeChar == nil {
			return fmt.Errorf("ble: send to %s: connection lost", c.address)
		}
	}

	c.writeMu.Lock()
	err := writeChar.Write(packet)
	c.writeMu.Unlock()
	if err != nil {
		slog.Error("[BLE] failed to send command", "address", c.address, "error", err)
		_ = conn.Disconnect()
		c.handleDisconnect(conn)
		return fmt.Errorf("ble: send to %s: %w", c.address, err)
	}

	slog.Debug("[BLE] sent command", "address", c.address, "packet", protocol.Hex(packet))
	return nil
}

// backoffDelay returns the reconnection delay for attempt n: base doubled per
// attempt and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	// Cap the shift to prevent overflow: 1<<30 ≈ 1 billion, well above any sane max.
	if attempt > 30 {
		attempt = 30
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// scheduleReconnect starts the reconnect loop unless one is already pending.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return // already scheduled
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelReconnect = cancel
	c.reconnectDone = done
	c.mu.Unlock()

	slog.Debug("[BLE] scheduled reconnect", "address", c.address, "delay", c.opts.ReconnectDelay)
	go c.reconnectLoop(ctx, done)
}

// reconnectLoop retries the connection until it succeeds or the client closes.
// The reconnecting flag is only cleared by finishReconnect, so a drop that
// races with a successful attempt keeps this loop running.
func (c *Client) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for attempt := 0; ; attempt++ {
		delay := backoffDelay(attempt, c.opts.ReconnectDelay, c.opts.ReconnectMax)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.reconnecting.Store(false)
			return
		case <-timer.C:
		}

		err := c.connect(ctx)
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			c.reconnecting.Store(false)
			return
		}
		if err != nil {
			slog.Warn("[BLE] reconnect failed", "address", c.address, "error", err, "attempt", attempt+1)
			continue
		}
		if c.finishReconnect() {
			return
		}
		slog.Warn("[BLE] link dropped during reconnect, retrying", "address", c.address)
		attempt = -1
	}
}

// finishReconnect clears the reconnecting flag if the link is still up. It
// reports false when the link dropped again after connect returned, while
// scheduleReconnect still saw this loop as pending.
func (c *Client) finishReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected || c.closed {
		c.reconnecting.Store(false)
		return true
	}
	return false
}

// Close cancels any pending reconnect and disconnects from the light.
// Errors while stopping notifications or disconnecting are ignored.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancelReconnect, c.reconnectDone
	conn, notifyChar, wasConnected := c.conn, c.notifyChar, c.connected
	c.conn = nil
	c.writeChar = nil
	c.notifyChar = nil
	c.connected = false
	cb := c.onConnChange
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if conn != nil {
		if notifyChar != nil {
			_ = notifyChar.Unsubscribe()
		}
		_ = conn.Disconnect()
	}
	if wasConnected && cb != nil {
		cb(false)
	}
	return nil
}
