package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/imucap/internal/device"
)

type characteristic struct {
	uuid string
	char *ble.Characteristic
	link *link
}

func (c *characteristic) UUID() string { return c.uuid }

func (c *characteristic) Properties() device.Property {
	return convertProperties(c.char.Property)
}

// Read reads the current value of the characteristic, bounded by ctx.
func (c *characteristic) Read(ctx context.Context) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		c.link.opMu.Lock()
		defer c.link.opMu.Unlock()
		data, err := c.link.client.ReadCharacteristic(c.char)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, device.NormalizeError(result.err))
		}
		return result.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout reading characteristic %s: %w", c.uuid, ctx.Err())
	}
}

func (c *characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	errCh := make(chan error, 1)
	go func() {
		c.link.opMu.Lock()
		defer c.link.opMu.Unlock()
		errCh <- c.link.client.WriteCharacteristic(c.char, data, !withResponse)
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

// Subscribe enables notifications. Each payload is copied before the handler runs.
func (c *characteristic) Subscribe(handler device.NotificationHandler) error {
	c.link.opMu.Lock()
	defer c.link.opMu.Unlock()

	err := c.link.client.Subscribe(c.char, false, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to characteristic %s: %w", c.uuid, device.NormalizeError(err))
	}
	return nil
}

func (c *characteristic) Unsubscribe() error {
	c.link.opMu.Lock()
	defer c.link.opMu.Unlock()

	if err := c.link.client.Unsubscribe(c.char, false); err != nil {
		return fmt.Errorf("failed to unsubscribe from characteristic %s: %w", c.uuid, device.NormalizeError(err))
	}
	return nil
}

func convertProperties(p ble.Property) device.Property {
	var out device.Property
	if p&ble.CharRead != 0 {
		out |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= device.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= device.PropIndicate
	}
	return out
}
