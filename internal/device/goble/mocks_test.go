package goble

import (
	"context"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// mockDevice is a testify double of ble.Device. Only the calls the dialer
// and scanner make are implemented; anything else panics on the nil embed.
type mockDevice struct {
	mock.Mock
	ble.Device
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	ret := m.Called(ctx, a)
	client, _ := ret.Get(0).(ble.Client)
	return client, ret.Error(1)
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

// mockClient is a testify double of ble.Client.
type mockClient struct {
	mock.Mock
	ble.Client
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	ret := m.Called(force)
	profile, _ := ret.Get(0).(*ble.Profile)
	return profile, ret.Error(1)
}

func (m *mockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	ret := m.Called(filter)
	services, _ := ret.Get(0).([]*ble.Service)
	return services, ret.Error(1)
}

func (m *mockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	ret := m.Called(filter, s)
	chars, _ := ret.Get(0).([]*ble.Characteristic)
	return chars, ret.Error(1)
}

func (m *mockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	ret := m.Called(filter, c)
	descs, _ := ret.Get(0).([]*ble.Descriptor)
	return descs, ret.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	ret := m.Called(c)
	data, _ := ret.Get(0).([]byte)
	return data, ret.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	ret := m.Called()
	ch, _ := ret.Get(0).(<-chan struct{})
	return ch
}

// useHostDevice installs dev as the process-wide host device for one test.
func useHostDevice(t *testing.T, dev ble.Device) {
	t.Helper()

	prevFactory := DeviceFactory
	hostMu.Lock()
	prevHost := hostDev
	hostDev = nil
	hostMu.Unlock()

	DeviceFactory = func() (ble.Device, error) { return dev, nil }
	t.Cleanup(func() {
		DeviceFactory = prevFactory
		hostMu.Lock()
		hostDev = prevHost
		hostMu.Unlock()
	})
}
