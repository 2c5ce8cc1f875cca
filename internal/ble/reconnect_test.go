package ble

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestReconnectBackoff(t *testing.T) {
	base := time.Second
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, base, 30*time.Second)
		if got != want {
			t.Errorf("backoffDelay(%d, 1s, 30s) = %v, want %v", i, got, want)
		}
	}
}

func TestReconnectFixedDelay(t *testing.T) {
	// Default options retry at a fixed interval.
	opts := DefaultClientOptions()
	for i := 0; i < 5; i++ {
		if got := backoffDelay(i, opts.ReconnectDelay, opts.ReconnectMax); got != 5*time.Second {
			t.Errorf("backoffDelay(%d) = %v, want 5s", i, got)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Attempt=100 would cause 1<<100 overflow without the cap
	got := backoffDelay(100, time.Second, 30*time.Second)
	want := 30 * time.Second
	if got != want {
		t.Errorf("backoffDelay(100) = %v, want %v (capped at max)", got, want)
	}

	got = backoffDelay(31, time.Second, 60*time.Second)
	if got <= 0 || got > 60*time.Second {
		t.Errorf("backoffDelay(31) = %v, want within (0, 60s]", got)
	}
}

func TestClientConnectAndReconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := mustNewClient(t, adapter, testAddress, zeroDelayOpts())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first := adapter.latestConnection()

	first.SimulateDisconnect()

	waitFor(t, "reconnect", func() bool {
		return client.Connected() && adapter.latestConnection() != first
	})

	// The new connection is poked for state as well.
	if n := len(adapter.latestConnection().writeChar.Writes()); n != 1 {
		t.Errorf("got %d writes on new connection, want 1 (poke)", n)
	}
}

func TestClientInitialConnectFailureRetries(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.setFailConnects(2)
	client := mustNewClient(t, adapter, testAddress, zeroDelayOpts())

	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("first Connect() should fail")
	}

	waitFor(t, "connection after retries", client.Connected)
	if n := adapter.connects(); n != 3 {
		t.Errorf("adapter.Connect called %d times, want 3", n)
	}
}

func TestStaleDisconnectIgnored(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := zeroDelayOpts()
	opts.ReconnectDelay = time.Hour
	opts.ReconnectMax = time.Hour
	client := mustNewClient(t, adapter, testAddress, opts)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	live := adapter.latestConnection()

	// A callback from a connection that is no longer current changes nothing.
	client.handleDisconnect(newMockConnection())
	if !client.Connected() {
		t.Error("stale disconnect should not drop the live connection")
	}
	if live.isDisconnected() {
		t.Error("live connection should be untouched")
	}
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := zeroDelayOpts()
	opts.ReconnectDelay = time.Hour
	opts.ReconnectMax = time.Hour
	client := mustNewClient(t, adapter, testAddress, opts)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Simulate disconnect to start reconnect loop
	adapter.latestConnection().SimulateDisconnect()
	if !client.reconnecting.Load() {
		t.Fatal("disconnect should schedule a reconnect")
	}

	// Close must not wait for the hour-long delay.
	done := make(chan struct{})
	go func() {
		_ = client.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() blocked on the reconnect loop")
	}

	if client.reconnecting.Load() {
		t.Error("reconnecting should be false after Close() stops the loop")
	}
}

func TestConcurrentDisconnectsDoNotStackReconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := zeroDelayOpts()
	opts.ReconnectDelay = 50 * time.Millisecond
	opts.ReconnectMax = 50 * time.Millisecond
	client := mustNewClient(t, adapter, testAddress, opts)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	adapter.latestConnection().SimulateDisconnect()

	// A second schedule while one is pending must not spawn another loop.
	client.scheduleReconnect()
	client.scheduleReconnect()

	waitFor(t, "reconnect", client.Connected)
	waitFor(t, "reconnect loop exit", func() bool { return !client.reconnecting.Load() })

	// One initial connect plus exactly one reconnect.
	if n := adapter.connects(); n != 2 {
		t.Errorf("adapter.Connect called %d times, want 2", n)
	}
}

func TestDropDuringReconnectIsRetried(t *testing.T) {
	adapter := newMockAdapter(nil)
	client := mustNewClient(t, adapter, testAddress, zeroDelayOpts())

	// The link drops right after the first reconnect commits, while the
	// reconnect loop still owns the reconnecting flag.
	var ups atomic.Int32
	client.OnConnectionChange(func(connected bool) {
		if connected && ups.Add(1) == 2 {
			adapter.latestConnection().SimulateDisconnect()
		}
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	adapter.latestConnection().SimulateDisconnect()

	waitFor(t, "second reconnect", func() bool {
		return client.Connected() && adapter.connects() >= 3
	})
	waitFor(t, "reconnect loop exit", func() bool { return !client.reconnecting.Load() })
	if !client.Connected() {
		t.Error("client should stay connected after the retried reconnect")
	}
}
