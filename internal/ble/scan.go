package ble

import (
	"context"
	"fmt"
	"time"
)

// DefaultScanTimeout is how long a discovery scan listens for advertisements.
const DefaultScanTimeout = 10 * time.Second

// ScanForAdvertisements enables the adapter and collects advertisements for
// timeout. Every peripheral seen is returned; ServiceUUIDs on each entry lists
// the Surplife service UUIDs it advertised.
func ScanForAdvertisements(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Advertisement, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	advs, err := adapter.Scan(ctx, SurplifeServiceUUIDs...)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return advs, nil
}
