//go:build linux

package tinyble

import (
	"context"
	"fmt"

	"github.com/srg/imucap/internal/device"
	"tinygo.org/x/bluetooth"
)

type scanner struct{}

// NewScanner creates a device.Scanner backed by the default BlueZ adapter.
func NewScanner() (device.Scanner, error) {
	if err := adapter.enable(); err != nil {
		return nil, fmt.Errorf("failed to enable adapter: %w", device.NormalizeError(err))
	}
	return &scanner{}, nil
}

// Scan runs until ctx is done. allowDup is ignored; BlueZ always reports updates.
func (s *scanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = bluetooth.DefaultAdapter.StopScan()
		case <-stopped:
		}
	}()

	err := bluetooth.DefaultAdapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		handler(advertisement{result: result})
	})
	if err != nil && ctx.Err() == nil {
		return device.NormalizeError(err)
	}
	return nil
}

type advertisement struct {
	result bluetooth.ScanResult
}

func (a advertisement) LocalName() string { return a.result.LocalName() }
func (a advertisement) Addr() string      { return a.result.Address.String() }
func (a advertisement) RSSI() int         { return int(a.result.RSSI) }

func (a advertisement) HasService(uuid string) bool {
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return false
	}
	return a.result.HasServiceUUID(parsed)
}
