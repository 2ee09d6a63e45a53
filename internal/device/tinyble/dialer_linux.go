//go:build linux

package tinyble

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
	"tinygo.org/x/bluetooth"
)

// Dialer connects to peripherals through tinygo.org/x/bluetooth.
type Dialer struct {
	logger *logrus.Logger
}

func NewDialer(logger *logrus.Logger) *Dialer {
	return &Dialer{logger: logger}
}

func (d *Dialer) Dial(ctx context.Context, address string, opts *device.ConnectOptions) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if err := adapter.enable(); err != nil {
		return nil, fmt.Errorf("failed to enable adapter: %w", device.NormalizeError(err))
	}

	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	if opts != nil && opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	type dialResult struct {
		dev bluetooth.Device
		err error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		dev, err := bluetooth.DefaultAdapter.Connect(addr, bluetooth.ConnectionParams{})
		resultCh <- dialResult{dev: dev, err: err}
	}()

	var dev bluetooth.Device
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.NormalizeError(res.err))
		}
		dev = res.dev
	case <-ctx.Done():
		// A late connect is torn down as soon as it lands.
		go func() {
			if res := <-resultCh; res.err == nil {
				_ = res.dev.Disconnect()
			}
		}()
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, ctx.Err())
	}

	d.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	l, err := discover(ctx, address, dev, d.logger)
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	adapter.register(l)
	return l, nil
}

func discover(ctx context.Context, address string, dev bluetooth.Device, logger *logrus.Logger) (*link, error) {
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", device.NormalizeError(err))
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the system bus: %w", err)
	}
	paths, err := gattPaths(ctx, bus, address)
	if err != nil {
		// Acknowledged writes will fail with device.ErrUnsupported.
		logger.WithError(err).Warn("Could not resolve BlueZ characteristic paths")
	}

	l := newLink(address, dev, logger, bus, paths)
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", svc.UUID().String(), err)
		}
		svcUUID := device.NormalizeUUID(svc.UUID().String())
		for _, c := range chars {
			l.add(svcUUID, c)
		}
	}
	return l, nil
}
