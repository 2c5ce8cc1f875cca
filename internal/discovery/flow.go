// Package discovery implements the configuration flow that turns a BLE scan
// into a configured Surplife light.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/surplife-ble/internal/ble"
	"github.com/chaz8081/surplife-ble/internal/store"
)

// Domain identifies config entries created by this flow.
const Domain = "surplife_ble_simple"

// Abort reasons and form errors reported by the flow.
const (
	ReasonNoDevicesFound    = "no_devices_found"
	ReasonAlreadyConfigured = "already_configured"
	ErrorCannotConnect      = "cannot_connect"
)

var (
	ErrNoDevicesFound    = errors.New("discovery: no devices found")
	ErrAlreadyConfigured = errors.New("discovery: device already configured")
)

// ResultType is the outcome of one flow step.
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// Option is one selectable device in the form.
type Option struct {
	Address string
	Label   string // "name (address)"
}

// Result is returned by Step.
type Result struct {
	Type    ResultType
	Options []Option          // set for ResultForm
	Errors  map[string]string // set for ResultForm; "base" holds flow-wide errors
	Entry   store.Entry       // set for ResultCreateEntry
	Reason  string            // set for ResultAbort
}

// Err maps an abort to its sentinel error; other results return nil.
func (r Result) Err() error {
	if r.Type != ResultAbort {
		return nil
	}
	switch r.Reason {
	case ReasonNoDevicesFound:
		return ErrNoDevicesFound
	case ReasonAlreadyConfigured:
		return ErrAlreadyConfigured
	default:
		return fmt.Errorf("discovery: aborted: %s", r.Reason)
	}
}

// EntryStore is the subset of the entry store used by the flow.
type EntryStore interface {
	CurrentIDs(ctx context.Context, domain string) (map[string]bool, error)
	Add(ctx context.Context, e store.Entry) (store.Entry, error)
}

// Flow is a single run of the user configuration flow. Discovered devices
// accumulate across steps so a device chosen from an earlier form can still
// be created after a rescan.
type Flow struct {
	adapter     ble.Adapter
	entries     EntryStore
	scanTimeout time.Duration

	discovered map[string]ble.Advertisement // keyed by normalised address
}

// NewFlow creates a flow scanning with adapter and storing into entries.
func NewFlow(adapter ble.Adapter, entries EntryStore, scanTimeout time.Duration) *Flow {
	return &Flow{
		adapter:     adapter,
		entries:     entries,
		scanTimeout: scanTimeout,
		discovered:  make(map[string]ble.Advertisement),
	}
}

// Step runs the user step. With a nil address it scans and shows the form.
// With an address it creates the entry for that discovered device, or shows
// the form again with a cannot_connect error when the address is unknown.
func (f *Flow) Step(ctx context.Context, address *string) (Result, error) {
	formErrors := map[string]string{}

	if address != nil {
		adv, ok := f.discovered[store.NormaliseID(*address)]
		if ok {
			return f.createEntry(ctx, adv)
		}
		formErrors["base"] = ErrorCannotConnect
	}

	if err := f.scan(ctx); err != nil {
		return Result{}, err
	}

	if len(f.discovered) == 0 {
		return Result{Type: ResultAbort, Reason: ReasonNoDevicesFound}, nil
	}

	return Result{
		Type:    ResultForm,
		Options: f.options(),
		Errors:  formErrors,
	}, nil
}

func (f *Flow) createEntry(ctx context.Context, adv ble.Advertisement) (Result, error) {
	entry, err := f.entries.Add(ctx, store.Entry{
		Domain:   Domain,
		UniqueID: adv.Address,
		Title:    adv.Name,
		Address:  adv.Address,
	})
	if errors.Is(err, store.ErrAlreadyConfigured) {
		return Result{Type: ResultAbort, Reason: ReasonAlreadyConfigured}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("discovery: create entry: %w", err)
	}
	return Result{Type: ResultCreateEntry, Entry: entry}, nil
}

// scan collects advertisements and keeps Surplife lights that are not yet
// configured.
func (f *Flow) scan(ctx context.Context) error {
	current, err := f.entries.CurrentIDs(ctx, Domain)
	if err != nil {
		return fmt.Errorf("discovery: configured ids: %w", err)
	}

	advs, err := ble.ScanForAdvertisements(ctx, f.adapter, f.scanTimeout)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	for _, adv := range advs {
		slog.Debug("[discovery] BLE device",
			"name", adv.Name,
			"address", adv.Address,
			"service_uuids", adv.ServiceUUIDs,
			"manufacturer_data", adv.ManufacturerData,
		)
		key := store.NormaliseID(adv.Address)
		if MatchesService(adv) && !current[key] {
			slog.Debug("[discovery] found matching Surplife device", "name", adv.Name, "address", adv.Address)
			f.discovered[key] = adv
		}
	}
	return nil
}

// options renders the discovered devices sorted by address.
func (f *Flow) options() []Option {
	opts := make([]Option, 0, len(f.discovered))
	for _, adv := range f.discovered {
		opts = append(opts, Option{
			Address: adv.Address,
			Label:   fmt.Sprintf("%s (%s)", adv.Name, adv.Address),
		})
	}
	sort.Slice(opts, func(i, j int) bool { return opts[i].Address < opts[j].Address })
	return opts
}

var surplifeServices = mustParseUUIDs(ble.SurplifeServiceUUIDs)

// MatchesService reports whether adv advertises a Surplife service UUID.
// Comparison is on parsed UUID values, so case and braces do not matter.
func MatchesService(adv ble.Advertisement) bool {
	for _, s := range adv.ServiceUUIDs {
		u, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		for _, want := range surplifeServices {
			if u == want {
				return true
			}
		}
	}
	return false
}

func mustParseUUIDs(list []string) []uuid.UUID {
	out := make([]uuid.UUID, len(list))
	for i, s := range list {
		out[i] = uuid.MustParse(s)
	}
	return out
}
