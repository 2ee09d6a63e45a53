package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/imucap/internal/device"
)

// scanner reports advertisements seen by the shared host device.
type scanner struct {
	dev ble.Device
}

// NewScanner returns a device.Scanner on the same host device the Dialer
// uses, so a scan followed by a dial does not open the controller twice.
func NewScanner() (device.Scanner, error) {
	dev, err := hostDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	return &scanner{dev: dev}, nil
}

// Scan runs until ctx ends. A scan stopped by ctx returns nil.
func (s *scanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("scan failed: %w", device.NormalizeError(err))
}
