package light

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/surplife-ble/internal/ble"
	"github.com/chaz8081/surplife-ble/internal/store"
)

// ErrNotFound is returned by Lookup for an unknown address.
var ErrNotFound = errors.New("light: not found")

// EntryLister lists configured entries.
type EntryLister interface {
	List(ctx context.Context, domain string) ([]store.Entry, error)
}

// ManagerOptions configures how the manager builds lights.
type ManagerOptions struct {
	ScanTimeout time.Duration
	Client      ble.ClientOptions
	Light       Options
}

// Manager sets up one Light per configured entry and owns their lifetime.
type Manager struct {
	adapter ble.Adapter
	entries EntryLister
	opts    ManagerOptions

	mu     sync.Mutex
	lights map[string]*Light // keyed by normalised address
}

// NewManager creates a manager.
func NewManager(adapter ble.Adapter, entries EntryLister, opts ManagerOptions) *Manager {
	return &Manager{
		adapter: adapter,
		entries: entries,
		opts:    opts,
		lights:  make(map[string]*Light),
	}
}

// Setup scans once and starts a light for every configured entry that was
// seen. Entries whose device is not in range are logged and skipped.
func (m *Manager) Setup(ctx context.Context) ([]*Light, error) {
	entries, err := m.entries.List(ctx, Domain)
	if err != nil {
		return nil, fmt.Errorf("light: list entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	advs, err := ble.ScanForAdvertisements(ctx, m.adapter, m.opts.ScanTimeout)
	if err != nil {
		return nil, fmt.Errorf("light: setup scan: %w", err)
	}
	seen := make(map[string]bool, len(advs))
	for _, adv := range advs {
		seen[store.NormaliseID(adv.Address)] = true
	}

	var started []*Light
	for _, e := range entries {
		if !seen[store.NormaliseID(e.Address)] {
			slog.Error("[light] device not found", "address", e.Address, "title", e.Title)
			continue
		}
		l, err := m.Add(ctx, e)
		if err != nil {
			return started, err
		}
		started = append(started, l)
	}
	return started, nil
}

// Add creates and starts the light for entry without scanning first.
func (m *Manager) Add(ctx context.Context, e store.Entry) (*Light, error) {
	key := store.NormaliseID(e.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lights[key]; ok {
		return l, nil
	}

	client, err := ble.NewClient(m.adapter, e.Address, m.opts.Client)
	if err != nil {
		return nil, fmt.Errorf("light: %w", err)
	}
	l := New(client, e.Title, m.opts.Light)
	l.Start(ctx)
	m.lights[key] = l
	slog.Info("[light] set up", "address", e.Address, "name", e.Title)
	return l, nil
}

// Lookup returns the running light at address.
func (m *Manager) Lookup(address string) (*Light, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lights[store.NormaliseID(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return l, nil
}

// Lights returns the running lights ordered by address.
func (m *Manager) Lights() []*Light {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Light, 0, len(m.lights))
	for _, l := range m.lights {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID() < out[j].UniqueID() })
	return out
}

// Remove stops and forgets the light at address.
func (m *Manager) Remove(address string) error {
	key := store.NormaliseID(address)
	m.mu.Lock()
	l, ok := m.lights[key]
	delete(m.lights, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return l.Stop()
}

// StopAll stops every light.
func (m *Manager) StopAll() {
	m.mu.Lock()
	lights := m.lights
	m.lights = make(map[string]*Light)
	m.mu.Unlock()

	for addr, l := range lights {
		if err := l.Stop(); err != nil {
			slog.Warn("[light] stop failed", "address", addr, "error", err)
		}
	}
}
