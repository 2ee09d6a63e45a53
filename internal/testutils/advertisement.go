package testutils

import (
	"context"
	"sync"

	"github.com/srg/imucap/internal/device"
)

// FakeAdvertisement is a static device.Advertisement.
type FakeAdvertisement struct {
	Name     string
	Address  string
	Signal   int
	Services []string
}

func (a *FakeAdvertisement) LocalName() string { return a.Name }
func (a *FakeAdvertisement) Addr() string      { return a.Address }
func (a *FakeAdvertisement) RSSI() int         { return a.Signal }

func (a *FakeAdvertisement) HasService(uuid string) bool {
	for _, s := range a.Services {
		if device.SameUUID(s, uuid) {
			return true
		}
	}
	return false
}

// AdvertisementBuilder builds fake advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.Services = append(b.adv.Services, uuids...)
	return b
}

func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	adv.Services = append([]string(nil), b.adv.Services...)
	return &adv
}

// FakeScanner replays advertisements and then blocks until the scan context ends,
// like a real controller.
type FakeScanner struct {
	Advertisements []device.Advertisement
	// Repeat replays the advertisements this many times (at least once).
	Repeat int
	// Err is returned immediately when set.
	Err error

	mu    sync.Mutex
	scans int
}

func (s *FakeScanner) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	for i := 0; i < max(s.Repeat, 1); i++ {
		for _, adv := range s.Advertisements {
			if ctx.Err() != nil {
				return nil
			}
			handler(adv)
		}
	}
	<-ctx.Done()
	return nil
}

// Scans counts Scan calls.
func (s *FakeScanner) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}
