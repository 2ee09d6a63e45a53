package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newHostDevice

var (
	hostMu  sync.Mutex
	hostDev ble.Device
)

// hostDevice returns the process-wide HCI/CoreBluetooth device, creating it on
// first use. Reconnects reuse the same host device.
func hostDevice() (ble.Device, error) {
	hostMu.Lock()
	defer hostMu.Unlock()

	if hostDev != nil {
		return hostDev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(dev)
	hostDev = dev
	return dev, nil
}

// Dialer connects to peripherals through github.com/go-ble/ble.
type Dialer struct {
	logger *logrus.Logger
}

// NewDialer creates a go-ble backed device.Dialer.
func NewDialer(logger *logrus.Logger) *Dialer {
	return &Dialer{logger: logger}
}

// Dial establishes a BLE connection and discovers its GATT profile, limited
// to opts.Services when set.
func (d *Dialer) Dial(ctx context.Context, address string, opts *device.ConnectOptions) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := hostDevice()
	if err != nil {
		d.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}

	connCtx := ctx
	var services []string
	if opts != nil {
		services = opts.Services
		if opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
		}
	}

	d.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Debug("Failed to dial BLE device")
		if ctxErr := connCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("failed to connect to device with address %q: %w: %w", address, ctxErr, err)
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.NormalizeError(err))
	}

	d.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": services,
	}).Debug("Discovering services and characteristics...")
	profile, err := discoverProfile(client, services)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			d.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	link := newLink(address, client, profile, d.logger)
	d.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(link.services),
	}).Debug("Profile discovered successfully")
	return link, nil
}

// discoverProfile walks services, characteristics and descriptors the way
// ble.Client.DiscoverProfile does, skipping services outside the filter.
// Descriptors are needed: Subscribe writes the CCCD.
func discoverProfile(client ble.Client, services []string) (*ble.Profile, error) {
	if len(services) == 0 {
		return client.DiscoverProfile(true)
	}

	filter := make([]ble.UUID, 0, len(services))
	for _, s := range services {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		filter = append(filter, u)
	}

	found, err := client.DiscoverServices(filter)
	if err != nil {
		return nil, fmt.Errorf("can't discover services: %w", err)
	}

	profile := &ble.Profile{}
	for _, svc := range found {
		if !ble.Contains(filter, svc.UUID) {
			continue
		}
		chars, err := client.DiscoverCharacteristics(nil, svc)
		if err != nil {
			return nil, fmt.Errorf("can't discover characteristics of %s: %w", svc.UUID, err)
		}
		svc.Characteristics = chars
		for _, c := range chars {
			if _, err := client.DiscoverDescriptors(nil, c); err != nil {
				return nil, fmt.Errorf("can't discover descriptors of %s: %w", c.UUID, err)
			}
		}
		profile.Services = append(profile.Services, svc)
	}
	return profile, nil
}
