package goble

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
)

// link is one live go-ble client connection with its discovered profile.
type link struct {
	address  string
	client   ble.Client
	logger   *logrus.Logger
	services map[string]map[string]*characteristic

	// opMu serializes ATT operations on this link.
	opMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newLink(address string, client ble.Client, profile *ble.Profile, logger *logrus.Logger) *link {
	l := &link{
		address:  address,
		client:   client,
		logger:   logger,
		services: make(map[string]map[string]*characteristic),
	}

	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		chars, ok := l.services[svcUUID]
		if !ok {
			chars = make(map[string]*characteristic)
			l.services[svcUUID] = chars
		}
		for _, c := range svc.Characteristics {
			charUUID := device.NormalizeUUID(c.UUID.String())
			chars[charUUID] = &characteristic{uuid: charUUID, char: c, link: l}
			logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    charUUID,
			}).Trace("Found characteristic UUID")
		}
	}
	return l
}

func (l *link) Address() string { return l.address }

// Characteristic retrieves a characteristic by service and characteristic UUID.
// Both UUIDs are normalized for consistent lookup.
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

func (l *link) Disconnected() <-chan struct{} {
	return l.client.Disconnected()
}

// Close cancels the connection. It is safe to call more than once.
func (l *link) Close() error {
	l.closeOnce.Do(func() {
		select {
		case <-l.client.Disconnected():
			l.logger.WithField("address", l.address).Debug("Link already dropped by peer")
			return
		default:
		}
		l.closeErr = l.client.CancelConnection()
		if l.closeErr != nil {
			l.logger.WithField("error", l.closeErr).Warn("BLE device disconnected with errors")
		}
	})
	return l.closeErr
}
