package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chaz8081/surplife-ble/internal/ble"
	"github.com/chaz8081/surplife-ble/internal/ble/protocol"
	"github.com/chaz8081/surplife-ble/internal/config"
	"github.com/chaz8081/surplife-ble/internal/discovery"
	"github.com/chaz8081/surplife-ble/internal/hass"
	"github.com/chaz8081/surplife-ble/internal/history"
	"github.com/chaz8081/surplife-ble/internal/light"
	"github.com/chaz8081/surplife-ble/internal/mqtt"
	"github.com/chaz8081/surplife-ble/internal/store"
)

const troubleshooting = `No Surplife lights found. Check that:
  - the host Bluetooth adapter is powered on and usable by this user
  - the light is powered and within range (move closer)
  - the light is not connected to the phone app (power-cycle it to drop the link)
`

func clientOptions(cfg *config.Config) ble.ClientOptions {
	return ble.ClientOptions{
		ConnectTimeout: cfg.Bluetooth.ConnectTimeout.Std(),
		ReconnectDelay: cfg.Bluetooth.ReconnectDelay.Std(),
		ReconnectMax:   cfg.Bluetooth.ReconnectMax.Std(),
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Database.Path, err)
	}
	return st, nil
}

func runScan(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	all := fs.Bool("all", false, "also list devices that are not Surplife lights")
	_ = fs.Parse(args)

	fmt.Printf("Scanning for %s...\n", cfg.Bluetooth.ScanTimeout.Std())
	advs, err := ble.ScanForAdvertisements(ctx, ble.NewTinyGoAdapter(), cfg.Bluetooth.ScanTimeout.Std())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSURPLIFE")
	found := 0
	for _, adv := range advs {
		match := discovery.MatchesService(adv)
		if match {
			found++
		}
		if match || *all {
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", adv.Address, adv.Name, adv.RSSI, match)
		}
	}
	_ = w.Flush()

	if found == 0 {
		fmt.Print(troubleshooting)
	}
	return nil
}

func runAdd(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	address := fs.String("address", "", "address to configure (skips the prompt)")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	flow := discovery.NewFlow(ble.NewTinyGoAdapter(), st, cfg.Bluetooth.ScanTimeout.Std())
	var choice *string
	if *address != "" {
		// The flow only accepts addresses it has seen, so scan first.
		if _, err := flow.Step(ctx, nil); err != nil {
			return err
		}
		choice = address
	}
	return runFlow(ctx, flow, choice, bufio.NewReader(os.Stdin), os.Stdout)
}

// runFlow drives the flow until it creates an entry or aborts. The user picks
// from each form shown.
func runFlow(ctx context.Context, flow *discovery.Flow, choice *string, in *bufio.Reader, out io.Writer) error {
	for {
		res, err := flow.Step(ctx, choice)
		if err != nil {
			return err
		}

		switch res.Type {
		case discovery.ResultCreateEntry:
			fmt.Fprintf(out, "Added %s (%s)\n", res.Entry.Title, res.Entry.Address)
			return nil
		case discovery.ResultAbort:
			if errors.Is(res.Err(), discovery.ErrNoDevicesFound) {
				fmt.Fprint(out, troubleshooting)
			}
			return res.Err()
		}

		if res.Errors["base"] == discovery.ErrorCannotConnect {
			fmt.Fprintln(out, "That light is no longer available, pick another.")
		}

		picked, err := prompt(res.Options, in, out)
		if err != nil {
			return err
		}
		choice = &picked
	}
}

// prompt prints the options and reads a 1-based selection.
func prompt(opts []discovery.Option, in *bufio.Reader, out io.Writer) (string, error) {
	for i, o := range opts {
		fmt.Fprintf(out, "  %d) %s\n", i+1, o.Label)
	}
	fmt.Fprint(out, "Select a light: ")

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading selection: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(opts) {
		return "", fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
	}
	return opts[n-1].Address, nil
}

func runList(ctx context.Context, cfg *config.Config, _ []string) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.List(ctx, discovery.Domain)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No lights configured. Run 'surplife-ble add'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tTITLE\tLAST STATE\tADDED")
	for _, e := range entries {
		last := "unknown"
		if s, err := st.LoadState(ctx, e.Address); err == nil {
			last = formatState(s)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Address, e.Title, last, e.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func formatState(s store.State) string {
	power := "off"
	if s.On {
		power = "on"
	}
	return fmt.Sprintf("%s %s", power, protocol.Color{R: s.R, G: s.G, B: s.B})
}

func runRemove(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: remove <address>")
	}
	address := args[0]

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Remove(ctx, discovery.Domain, address); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", address)

	if !cfg.MQTT.Enabled {
		return nil
	}
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		slog.Warn("could not clear Home Assistant entity", "error", err)
		return nil
	}
	defer client.Close()
	topics := hass.Topics{DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix, BaseTopic: cfg.MQTT.BaseTopic}
	return hass.RemoveDiscovery(client, topics, address, nil)
}

// runMigrateDown rolls back the newest schema migration, for downgrading to
// a build that does not know it. Any later command applies it again.
func runMigrateDown(ctx context.Context, cfg *config.Config, _ []string) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	name, err := st.MigrateDown(ctx)
	if err != nil {
		return err
	}
	if name == "" {
		fmt.Println("No migrations to roll back.")
		return nil
	}
	fmt.Printf("Rolled back %s\n", name)
	return nil
}

// setAction is the parsed argument of the set command.
type setAction struct {
	on    bool
	color *protocol.Color
}

func parseSetAction(arg string) (setAction, error) {
	switch strings.ToLower(arg) {
	case "on":
		return setAction{on: true}, nil
	case "off":
		return setAction{}, nil
	}
	c, err := protocol.ParseColor(arg)
	if err != nil {
		return setAction{}, fmt.Errorf("want on, off or r,g,b: %w", err)
	}
	return setAction{on: true, color: &c}, nil
}

func runSet(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: set <address> on|off|r,g,b")
	}
	action, err := parseSetAction(args[1])
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entry, err := st.Get(ctx, discovery.Domain, args[0])
	if err != nil {
		return err
	}

	if err := applySet(ctx, ble.NewTinyGoAdapter(), st, entry, action, clientOptions(cfg)); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", entry.Title, args[1])
	return nil
}

// applySet connects to the light of entry, sends action and disconnects.
// The saved state is loaded first so the connect event keeps its colour.
func applySet(ctx context.Context, adapter ble.Adapter, st light.StateStore, entry store.Entry, action setAction, opts ble.ClientOptions) error {
	client, err := ble.NewClient(adapter, entry.Address, opts)
	if err != nil {
		return err
	}
	l := light.New(client, entry.Title, light.Options{States: st})
	defer l.Stop() //nolint:errcheck // shutdown errors are ignored

	l.Restore(ctx)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if action.on {
		return l.TurnOn(ctx, action.color)
	}
	return l.TurnOff(ctx)
}

func runBridge(ctx context.Context, cfg *config.Config, _ []string) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr := light.NewManager(ble.NewTinyGoAdapter(), st, light.ManagerOptions{
		ScanTimeout: cfg.Bluetooth.ScanTimeout.Std(),
		Client:      clientOptions(cfg),
		Light: light.Options{
			MinWriteInterval: cfg.Bluetooth.MinWriteInterval.Std(),
			States:           st,
		},
	})
	defer mgr.StopAll()

	lights, err := mgr.Setup(ctx)
	if err != nil {
		return err
	}
	if len(lights) == 0 {
		slog.Warn("no configured lights in range")
		fmt.Print(troubleshooting)
	}

	rec, err := history.Connect(ctx, cfg.InfluxDB)
	switch {
	case err == nil:
		defer rec.Close()
		for _, l := range lights {
			rec.Track(l)
		}
	case errors.Is(err, history.ErrDisabled):
	default:
		slog.Warn("state history unavailable", "error", err)
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return err
		}
		defer client.Close()

		bridge := hass.NewBridge(client, hass.Topics{
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			BaseTopic:       cfg.MQTT.BaseTopic,
		})
		// Runs after mgr.StopAll below and before the broker disconnect.
		defer bridge.Close()
		for _, l := range lights {
			if err := bridge.Add(l); err != nil {
				return err
			}
		}
		client.SetOnConnect(bridge.Republish)
	}

	slog.Info("bridge running", "lights", len(lights))
	<-ctx.Done()
	slog.Info("shutting down")
	// Lights go offline while MQTT is still up.
	mgr.StopAll()
	return nil
}
