package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/protocol"
)

// ErrDeviceNotFound is returned by Resolve when the address is not seen before the deadline.
var ErrDeviceNotFound = errors.New("device not found")

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type  DeviceEventType
	Entry DeviceEntry
}

// DeviceEntry is the latest advertising state of one peripheral.
type DeviceEntry struct {
	Address   string
	Name      string
	RSSI      int
	HasIMU    bool
	FirstSeen time.Time
	LastSeen  time.Time
	SeenCount int
}

// Scanner handles BLE device discovery
type Scanner struct {
	backend device.Scanner
	logger  *logrus.Logger

	mu      sync.Mutex
	devices *hashmap.Map[string, *DeviceEntry]
	events  chan DeviceEvent
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// ServiceUUIDs keeps only peripherals advertising one of these services.
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns options listing nodes that advertise the IMU service.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		ServiceUUIDs:    []string{protocol.ServiceUUID},
	}
}

// NewScanner creates a new BLE scanner on top of a transport scanner
func NewScanner(backend device.Scanner, logger *logrus.Logger) (*Scanner, error) {
	if backend == nil {
		return nil, fmt.Errorf("no transport scanner")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		backend: backend,
		logger:  logger,
		devices: hashmap.New[string, *DeviceEntry](),
		events:  make(chan DeviceEvent, 100),
	}, nil
}

// Scan performs BLE discovery with provided options and returns what it saw,
// strongest signal first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]DeviceEntry, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.reset()
	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	progressCallback("Scanning")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err := s.backend.Scan(scanCtx, !opts.DuplicateFilter, func(adv device.Advertisement) {
		s.handleAdvertisement(adv, opts)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	progressCallback("Processing results")
	return s.Devices(), nil
}

// Resolve scans until address advertises and returns its entry.
func (s *Scanner) Resolve(ctx context.Context, address string) (*DeviceEntry, error) {
	if _, ok := device.ParseAddress(address); !ok {
		return nil, fmt.Errorf("invalid device address %q", address)
	}

	opts := &ScanOptions{AllowList: []string{address}}
	s.reset()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.WithField("address", address).Debug("Waiting for the device to advertise")
	err := s.backend.Scan(scanCtx, false, func(adv device.Advertisement) {
		if s.handleAdvertisement(adv, opts) {
			cancel()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}

	if entry, ok := s.devices.Get(device.NormalizeAddress(address)); ok {
		found := *entry
		return &found, nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
}

func (s *Scanner) reset() {
	s.mu.Lock()
	s.devices = hashmap.New[string, *DeviceEntry]()
	s.mu.Unlock()
}

// handleAdvertisement updates existing or adds a new device. It reports whether
// the advertisement was accepted.
func (s *Scanner) handleAdvertisement(adv device.Advertisement, opts *ScanOptions) bool {
	deviceID := device.NormalizeAddress(adv.Addr())
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, existing := s.devices.Get(deviceID)
	if !existing {
		if !shouldIncludeDevice(deviceID, adv, opts) {
			return false
		}
		entry = &DeviceEntry{
			Address:   deviceID,
			FirstSeen: now,
		}
		s.devices.Set(deviceID, entry)
	}

	if name := adv.LocalName(); name != "" {
		entry.Name = name
	}
	entry.RSSI = adv.RSSI()
	entry.HasIMU = entry.HasIMU || adv.HasService(protocol.ServiceUUID)
	entry.LastSeen = now
	entry.SeenCount++

	event := DeviceEvent{Entry: *entry, Type: EventUpdated}
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  entry.Name,
			"address": entry.Address,
			"rssi":    entry.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}
	s.publish(event)
	return true
}

// publish never blocks the transport callback; the oldest event gives way.
func (s *Scanner) publish(event DeviceEvent) {
	for {
		select {
		case s.events <- event:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// shouldIncludeDevice applies to allow/block/service filters
func shouldIncludeDevice(addr string, adv device.Advertisement, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, device.NormalizeAddress(blocked)) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, device.NormalizeAddress(a)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			if adv.HasService(required) {
				hasRequired = true
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// Devices returns a snapshot of discovered devices, strongest signal first
func (s *Scanner) Devices() []DeviceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	devs := make([]DeviceEntry, 0, s.devices.Len())
	s.devices.Range(func(_ string, value *DeviceEntry) bool {
		devs = append(devs, *value)
		return true
	})
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address < devs[j].Address
	})
	return devs
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events
}
