package devicefactory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/device/goble"
	"github.com/srg/imucap/internal/device/tinyble"
)

const (
	// BackendGoBLE selects github.com/go-ble/ble (CoreBluetooth on darwin, raw HCI on linux).
	BackendGoBLE = "go-ble"
	// BackendTinyGo selects tinygo.org/x/bluetooth (BlueZ over D-Bus).
	BackendTinyGo = "tinygo"
)

// Backend bundles the constructors for one BLE stack.
type Backend struct {
	NewDialer  func(logger *logrus.Logger) device.Dialer
	NewScanner func() (device.Scanner, error)
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{
		BackendGoBLE: {
			NewDialer:  func(logger *logrus.Logger) device.Dialer { return goble.NewDialer(logger) },
			NewScanner: goble.NewScanner,
		},
		BackendTinyGo: {
			NewDialer:  func(logger *logrus.Logger) device.Dialer { return tinyble.NewDialer(logger) },
			NewScanner: tinyble.NewScanner,
		},
	}
)

// Register installs or replaces a backend. Tests use it to plug in a fake peripheral.
// It returns a function restoring the previous registration.
func Register(name string, b Backend) (restore func()) {
	mu.Lock()
	defer mu.Unlock()

	prev, had := backends[name]
	backends[name] = b
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if had {
			backends[name] = prev
		} else {
			delete(backends, name)
		}
	}
}

// Names lists registered backend names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func lookup(name string) (Backend, error) {
	mu.RLock()
	defer mu.RUnlock()

	b, ok := backends[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Backend{}, fmt.Errorf("unknown transport %q (available: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return b, nil
}

func namesLocked() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDialer creates a Dialer for the named backend.
func NewDialer(name string, logger *logrus.Logger) (device.Dialer, error) {
	b, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return b.NewDialer(logger), nil
}

// NewScanner creates a Scanner for the named backend.
func NewScanner(name string) (device.Scanner, error) {
	b, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return b.NewScanner()
}
