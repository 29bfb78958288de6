package ble

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ScanForLocks scans for peripherals advertising the lock service and
// returns them strongest signal first.
func ScanForLocks(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})
	return devices, nil
}
