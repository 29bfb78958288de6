// Command gimdow-ble keeps a connection to one Gimdow lock, bridges it to
// MQTT and a door sensor, persists its last known status and records
// telemetry.
//
// Usage:
//
//	gimdow-ble [--config path] [--init]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chaz8081/gimdow-ble/internal/ble"
	"github.com/chaz8081/gimdow-ble/internal/bridge"
	"github.com/chaz8081/gimdow-ble/internal/config"
	"github.com/chaz8081/gimdow-ble/internal/device"
	"github.com/chaz8081/gimdow-ble/internal/door"
	"github.com/chaz8081/gimdow-ble/internal/logging"
	"github.com/chaz8081/gimdow-ble/internal/mqtt"
	"github.com/chaz8081/gimdow-ble/internal/store"
	"github.com/chaz8081/gimdow-ble/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gimdow-ble/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote %s; fill in the device section and restart.\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logging.Setup(cfg)
	printBanner(cfg)

	if err := run(cfg); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	dev, err := device.New(ble.NewBluetoothAdapter(), credentials(cfg), deviceOptions(cfg))
	if err != nil {
		return err
	}
	defer dev.Close()

	if last, ok, err := db.Load(ctx, dev.ID()); err != nil {
		slog.Warn("could not load last known status", "error", err)
	} else if ok {
		dev.Restore(last)
		slog.Info("restored last known status", "state", last.State, "battery", last.Battery)
	}

	// Background consumers end with ctx, which must be cancelled before
	// waiting on them on every return path.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()

	updates, unsubscribe := dev.Subscribe()
	defer unsubscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		db.Follow(ctx, dev.ID(), updates)
	}()

	if cfg.InfluxDB.Enabled {
		influx, err := telemetry.Connect(cfg.InfluxDB)
		if err != nil {
			return err
		}
		defer influx.Close()
		slog.Info("telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		points, unsubscribe := dev.Subscribe()
		defer unsubscribe()
		rec := influx.Recorder(dev.ID())
		rec.Record(dev.Status())
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Follow(ctx, points)
		}()
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, topics(cfg))
		if err != nil {
			return err
		}
		defer client.Close()

		if cfg.HasDoorSensor() {
			if err := door.New(cfg.MQTT.Door, dev).Start(client, client.QoS()); err != nil {
				return err
			}
		}

		b := bridge.New(client, dev, topics(cfg), bridge.Options{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Run(ctx); err != nil {
				slog.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}

	if err := dev.Start(ctx); err != nil {
		return fmt.Errorf("starting device: %w", err)
	}
	slog.Info("running; press Ctrl+C to quit")

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// loadConfig loads the config from path, or from the default path if it
// exists. Unlike most settings the device section has no default, so a
// missing file is an error.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err != nil {
		return nil, fmt.Errorf("no config at %s (run with --init to create one): %w", defaultPath, err)
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	log.Printf("Config loaded from %s", defaultPath)
	return cfg, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== gimdow-ble ===")
	fmt.Printf("  Lock:      %s (%s)\n", cfg.Device.Address, cfg.Device.DeviceID)
	fmt.Printf("  Commands:  %ds timeout, %d attempts\n", cfg.Commands.Timeout, cfg.Commands.MaxAttempts)
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT:      %s:%d (%s)\n", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port, cfg.MQTT.TopicPrefix)
	}
	if cfg.HasDoorSensor() {
		fmt.Printf("  Door:      %s (auto-lock: %v)\n", cfg.MQTT.Door.Topic, cfg.AutoLock.Enabled)
	}
	fmt.Printf("  State:     %s\n", cfg.State.Path)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
