// Command gimdow-scan lists nearby peripherals advertising the lock service,
// strongest signal first. Use it to find the address for the config file.
//
// Usage:
//
//	go run ./cmd/gimdow-scan [--timeout 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/gimdow-ble/internal/ble"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "how long to scan")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Scanning for %s...\n", *timeout)
	devices, err := ble.ScanForLocks(ctx, ble.NewBluetoothAdapter(), *timeout)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	if len(devices) == 0 {
		fmt.Println("No locks found. Wake the lock by touching the keypad and try again.")
		os.Exit(1)
	}

	fmt.Printf("%-40s %6s  %s\n", "ADDRESS", "RSSI", "NAME")
	for _, d := range devices {
		fmt.Printf("%-40s %6d  %s\n", d.Address, d.RSSI, d.Name)
	}
}
