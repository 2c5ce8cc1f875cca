// Package history records light state changes in InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/surplife-ble/internal/config"
	"github.com/chaz8081/surplife-ble/internal/light"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// Measurement is the InfluxDB measurement holding light states.
	Measurement = "light_state"
)

var (
	// ErrDisabled indicates history is disabled in config.
	ErrDisabled = errors.New("history: disabled in configuration")

	ErrConnectionFailed = errors.New("history: connection failed")
)

// pointWriter is the non-blocking write API.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder writes light state points. Writes are batched and asynchronous;
// failures are logged.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter

	mu     sync.RWMutex
	closed bool
}

// Connect creates a recorder for cfg. It returns ErrDisabled when history is
// turned off.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("[history] write failed", "error", err)
		}
	}()

	slog.Info("[history] recording light states", "url", cfg.URL, "bucket", cfg.Bucket)
	return &Recorder{client: client, writer: writeAPI}, nil
}

// NewPoint builds the point for one state of the light at address.
func NewPoint(address, name string, st light.State, ts time.Time) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{
			"address": address,
			"name":    name,
		},
		map[string]interface{}{
			"on":      st.On,
			"r":       int64(st.Color.R),
			"g":       int64(st.Color.G),
			"b":       int64(st.Color.B),
			"assumed": st.AssumedState,
		},
		ts,
	)
}

// Record queues the state of the light at address.
func (r *Recorder) Record(address, name string, st light.State) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.writer.WritePoint(NewPoint(address, name, st, time.Now()))
}

// Track records every state change of l.
func (r *Recorder) Track(l *light.Light) {
	l.Subscribe(func(st light.State) {
		r.Record(l.Address(), l.Name(), st)
	})
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
	return nil
}
