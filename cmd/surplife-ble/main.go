package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/surplife-ble/internal/config"
)

const usage = `Usage: surplife-ble [-config path] <command> [args]

Commands:
  scan                         list nearby Surplife lights
  add [-address addr]          configure a light found by a scan
  list                         show configured lights
  remove <address>             remove a configured light
  set <address> on|off|r,g,b   control a light directly
  run                          bridge configured lights to Home Assistant over MQTT
  migrate-down                 roll back the newest database migration
  init-config                  write the default config file
`

type command func(ctx context.Context, cfg *config.Config, args []string) error

var commands = map[string]command{
	"scan":   runScan,
	"add":    runAdd,
	"list":   runList,
	"remove": runRemove,
	"set":    runSet,
	"run":    runBridge,

	"migrate-down": runMigrateDown,
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/surplife-ble/config.yaml)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]

	if name == "init-config" {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init-config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, cfg, args); err != nil {
		stop()
		log.Fatalf("%s: %v", name, err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// setupLogging installs the default slog handler. The standard logger is
// routed through it as well.
func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
