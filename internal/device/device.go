package device

import (
	"context"
	"time"
)

// Property is a bitmask of GATT characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

func (p Property) CanRead() bool   { return p&PropRead != 0 }
func (p Property) CanWrite() bool  { return p&(PropWrite|PropWriteWithoutResponse) != 0 }
func (p Property) CanNotify() bool { return p&(PropNotify|PropIndicate) != 0 }

// Advertisement is the subset of advertising data the scanner needs.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	// HasService reports whether the advertisement lists the service UUID.
	HasService(uuid string) bool
}

// Scanner discovers advertising peripherals.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// ConnectOptions defines BLE connection options.
type ConnectOptions struct {
	ConnectTimeout time.Duration
	// Services limits GATT discovery to these service UUIDs. Empty means
	// the whole profile. Backends that cannot filter discover everything.
	Services []string
}

// Dialer establishes links to peripherals. Each successful Dial returns a new,
// independent Link.
type Dialer interface {
	Dial(ctx context.Context, address string, opts *ConnectOptions) (Link, error)
}

// Link is one live GATT connection. A Link is never reused after Close or
// after Disconnected is closed.
type Link interface {
	Address() string
	// Characteristic looks up a characteristic discovered on this link.
	// Returns a *NotFoundError when the service or characteristic is absent.
	Characteristic(service, uuid string) (Characteristic, error)
	// Disconnected is closed when the peripheral drops the link.
	Disconnected() <-chan struct{}
	Close() error
}

// NotificationHandler receives one notification payload. The slice is owned by
// the handler.
type NotificationHandler func(data []byte)

// Characteristic is a discovered characteristic on a live link.
type Characteristic interface {
	UUID() string
	Properties() Property
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte, withResponse bool) error
	Subscribe(handler NotificationHandler) error
	Unsubscribe() error
}
