//go:build linux

package tinyble

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds a single characteristic read.
const readBufferSize = 512

type link struct {
	address  string
	dev      bluetooth.Device
	logger   *logrus.Logger
	services map[string]map[string]*characteristic

	// bus and paths back acknowledged writes; see gattPaths.
	bus   *dbus.Conn
	paths map[gattKey]dbus.ObjectPath

	disconnected     chan struct{}
	disconnectedOnce sync.Once
	closeOnce        sync.Once
	closeErr         error
}

func newLink(address string, dev bluetooth.Device, logger *logrus.Logger, bus *dbus.Conn, paths map[gattKey]dbus.ObjectPath) *link {
	return &link{
		address:      address,
		dev:          dev,
		logger:       logger,
		services:     make(map[string]map[string]*characteristic),
		bus:          bus,
		paths:        paths,
		disconnected: make(chan struct{}),
	}
}

func (l *link) add(svcUUID string, c bluetooth.DeviceCharacteristic) {
	chars, ok := l.services[svcUUID]
	if !ok {
		chars = make(map[string]*characteristic)
		l.services[svcUUID] = chars
	}
	charUUID := device.NormalizeUUID(c.UUID().String())
	chars[charUUID] = &characteristic{
		uuid: charUUID,
		char: c,
		bus:  l.bus,
		path: l.paths[gattKey{service: svcUUID, characteristic: charUUID}],
	}
}

func (l *link) Address() string { return l.address }

func (l *link) Characteristic(service, uuid string) (device.Characteristic, error) {
	chars, ok := l.services[device.NormalizeUUID(service)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	c, ok := chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return c, nil
}

func (l *link) Disconnected() <-chan struct{} { return l.disconnected }

func (l *link) markDisconnected() {
	l.disconnectedOnce.Do(func() {
		l.logger.WithField("address", l.address).Debug("BlueZ reported disconnection")
		close(l.disconnected)
	})
}

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		adapter.forget(l)
		select {
		case <-l.disconnected:
			return
		default:
		}
		l.closeErr = l.dev.Disconnect()
		l.markDisconnected()
	})
	return l.closeErr
}

type characteristic struct {
	uuid string
	char bluetooth.DeviceCharacteristic
	bus  *dbus.Conn
	path dbus.ObjectPath
}

func (c *characteristic) UUID() string { return c.uuid }

// Properties reports every capability: BlueZ enforces the real flags on use.
func (c *characteristic) Properties() device.Property {
	return device.PropRead | device.PropWrite | device.PropWriteWithoutResponse | device.PropNotify
}

func (c *characteristic) Read(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		buf := make([]byte, readBufferSize)
		n, err := c.char.Read(buf)
		resultCh <- readResult{data: buf[:n], err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, device.NormalizeError(res.err))
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout reading characteristic %s: %w", c.uuid, ctx.Err())
	}
}

func (c *characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	if withResponse {
		return c.writeWithResponse(ctx, data)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.char.WriteWithoutResponse(data)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, device.NormalizeError(err))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout writing characteristic %s: %w", c.uuid, ctx.Err())
	}
}

// writeWithResponse goes through BlueZ directly: tinygo only offers
// write-without-response on Linux.
func (c *characteristic) writeWithResponse(ctx context.Context, data []byte) error {
	if c.bus == nil || c.path == "" {
		return fmt.Errorf("%w: acknowledged write to characteristic %s: no BlueZ object path", device.ErrUnsupported, c.uuid)
	}
	if err := writeRequest(ctx, c.bus, c.path, data); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timeout writing characteristic %s: %w", c.uuid, ctx.Err())
		}
		return fmt.Errorf("failed to write characteristic %s: %w", c.uuid, device.NormalizeError(err))
	}
	return nil
}

func (c *characteristic) Subscribe(handler device.NotificationHandler) error {
	err := c.char.EnableNotifications(func(value []byte) {
		buf := make([]byte, len(value))
		copy(buf, value)
		handler(buf)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", c.uuid, device.NormalizeError(err))
	}
	return nil
}

func (c *characteristic) Unsubscribe() error {
	if err := c.char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to unsubscribe from characteristic %s: %w", c.uuid, device.NormalizeError(err))
	}
	return nil
}
