package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/surplife-ble/internal/light"
	"github.com/chaz8081/surplife-ble/internal/mqtt"
)

const (
	defaultCommandTimeout = 30 * time.Second
	commandQueueSize      = 8
)

var (
	// ErrCommandQueueFull is returned when a light has too many pending commands.
	ErrCommandQueueFull = errors.New("hass: command queue full")
	// ErrBridgeClosed is returned after Close.
	ErrBridgeClosed = errors.New("hass: bridge closed")
)

// Publisher is the MQTT surface the bridge uses. *mqtt.Client implements it.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	QoS() byte
}

// Bridge mirrors lights into Home Assistant and applies its commands.
//
// Commands are applied by one worker per light, so a light that is slow to
// connect never holds up the MQTT client or the other lights.
type Bridge struct {
	pub            Publisher
	topics         Topics
	commandTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entities map[string]Entity         // keyed by object id
	workers  map[string]*commandWorker // keyed by object id
	closed   bool
}

type commandWorker struct {
	queue chan Command
	stop  chan struct{}
}

// NewBridge creates a bridge publishing through pub.
func NewBridge(pub Publisher, topics Topics) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		pub:            pub,
		topics:         topics,
		commandTimeout: defaultCommandTimeout,
		ctx:            ctx,
		cancel:         cancel,
		entities:       make(map[string]Entity),
		workers:        make(map[string]*commandWorker),
	}
}

// Add announces e, subscribes to its command topic and mirrors every state
// change.
func (b *Bridge) Add(e Entity) error {
	objectID := ObjectID(e.Address())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	_, exists := b.entities[objectID]
	b.entities[objectID] = e
	var w *commandWorker
	if !exists {
		w = &commandWorker{
			queue: make(chan Command, commandQueueSize),
			stop:  make(chan struct{}),
		}
		b.workers[objectID] = w
		b.wg.Add(1)
		go b.runCommands(e, w)
	}
	b.mu.Unlock()

	if err := b.announce(e); err != nil {
		return err
	}
	if exists {
		return nil
	}

	handler := func(_ string, payload []byte) error {
		return b.enqueue(e, w, payload)
	}
	if err := b.pub.Subscribe(b.topics.Set(objectID), b.pub.QoS(), handler); err != nil {
		return fmt.Errorf("hass: subscribe %s: %w", objectID, err)
	}

	e.Subscribe(func(_ light.State) {
		if !b.has(objectID) {
			return
		}
		if err := b.publishState(e); err != nil {
			slog.Warn("[hass] state publish failed", "address", e.Address(), "error", err)
		}
	})
	slog.Info("[hass] light exposed", "address", e.Address(), "object_id", objectID)
	return nil
}

// Remove deletes the entity from Home Assistant with an empty retained
// config and stops listening for its commands.
func (b *Bridge) Remove(address string) error {
	return RemoveDiscovery(b.pub, b.topics, address, b.forget)
}

func (b *Bridge) has(objectID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	_, ok := b.entities[objectID]
	return ok
}

func (b *Bridge) forget(objectID string) {
	b.mu.Lock()
	delete(b.entities, objectID)
	if w, ok := b.workers[objectID]; ok {
		close(w.stop)
		delete(b.workers, objectID)
	}
	b.mu.Unlock()
}

// Close stops the command workers, cancelling commands in flight, and marks
// every light offline. Call it before disconnecting from the broker.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ids := make([]string, 0, len(b.entities))
	for id := range b.entities {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	for _, id := range ids {
		if err := b.pub.PublishRetained(b.topics.Availability(id), []byte(PayloadOffline)); err != nil {
			slog.Debug("[hass] offline publish failed", "object_id", id, "error", err)
		}
	}
}

// RemoveDiscovery clears the retained messages of the light at address.
// It works without a running bridge, as used by the remove command.
func RemoveDiscovery(pub Publisher, t Topics, address string, forget func(objectID string)) error {
	objectID := ObjectID(address)
	if forget != nil {
		forget(objectID)
		// Only a running bridge holds the command subscription.
		if err := pub.Unsubscribe(t.Set(objectID)); err != nil {
			slog.Debug("[hass] unsubscribe failed", "object_id", objectID, "error", err)
		}
	}
	for _, topic := range []string{t.Config(objectID), t.State(objectID), t.Availability(objectID), t.Attributes(objectID)} {
		if err := pub.PublishRetained(topic, nil); err != nil {
			return fmt.Errorf("hass: clear %s: %w", topic, err)
		}
	}
	slog.Info("[hass] light removed", "address", address, "object_id", objectID)
	return nil
}

// Republish announces every entity again. Wire it to the MQTT reconnect
// callback so a restarted broker learns the lights again.
func (b *Bridge) Republish() {
	b.mu.Lock()
	entities := make([]Entity, 0, len(b.entities))
	for _, e := range b.entities {
		entities = append(entities, e)
	}
	b.mu.Unlock()

	for _, e := range entities {
		if err := b.announce(e); err != nil {
			slog.Warn("[hass] republish failed", "address", e.Address(), "error", err)
		}
	}
}

// announce publishes the discovery config followed by the current state.
func (b *Bridge) announce(e Entity) error {
	cfg, err := json.Marshal(BuildDiscovery(b.topics, e))
	if err != nil {
		return fmt.Errorf("hass: encode discovery: %w", err)
	}
	if err := b.pub.PublishRetained(b.topics.Config(ObjectID(e.Address())), cfg); err != nil {
		return fmt.Errorf("hass: publish discovery: %w", err)
	}
	return b.publishState(e)
}

func (b *Bridge) publishState(e Entity) error {
	objectID := ObjectID(e.Address())
	st := e.State()

	state, err := json.Marshal(BuildState(st))
	if err != nil {
		return fmt.Errorf("hass: encode state: %w", err)
	}
	attrs, err := json.Marshal(Attributes{Address: e.Address(), Connected: st.Available, AssumedState: st.AssumedState})
	if err != nil {
		return fmt.Errorf("hass: encode attributes: %w", err)
	}

	// A light stays controllable while its BLE link is down: commands
	// reconnect on demand. The link state is only reported as attributes.
	if err := b.pub.PublishRetained(b.topics.Availability(objectID), []byte(PayloadOnline)); err != nil {
		return err
	}
	if err := b.pub.PublishRetained(b.topics.Attributes(objectID), attrs); err != nil {
		return err
	}
	return b.pub.PublishRetained(b.topics.State(objectID), state)
}

// enqueue validates a command and hands it to the light's worker. It never
// blocks the MQTT client.
func (b *Bridge) enqueue(e Entity, w *commandWorker, payload []byte) error {
	cmd, err := ParseCommand(payload)
	if err != nil {
		return err
	}
	select {
	case <-w.stop:
		return nil
	case <-b.ctx.Done():
		return ErrBridgeClosed
	default:
	}
	select {
	case w.queue <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrCommandQueueFull, e.Address())
	}
}

func (b *Bridge) runCommands(e Entity, w *commandWorker) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-w.stop:
			return
		case cmd := <-w.queue:
			if err := b.apply(e, cmd); err != nil {
				slog.Warn("[hass] command failed", "address", e.Address(), "error", err)
			}
		}
	}
}

func (b *Bridge) apply(e Entity, cmd Command) error {
	slog.Debug("[hass] command", "address", e.Address(), "state", cmd.State, "color", cmd.Color)

	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	var err error
	if cmd.State == StateOff {
		err = e.TurnOff(ctx)
	} else {
		err = e.TurnOn(ctx, cmd.TargetColor())
	}
	if err != nil {
		return fmt.Errorf("hass: %s %s: %w", cmd.State, e.Address(), err)
	}
	return nil
}
