// Package session owns the single live connection to a sensor node.
//
// A Session resolves the node's attribute set once per connection and turns
// transport notification callbacks into an ordered event queue. One dispatcher
// goroutine drains the queue and runs the registered handlers one at a time, in
// arrival order. Every connection carries a generation number; events raised by
// a replaced connection are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/groutine"
	"github.com/srg/imucap/internal/protocol"
)

var (
	ErrDeviceUnreachable  = errors.New("device unreachable")
	ErrServiceNotFound    = errors.New("IMU service not found on device")
	ErrWriteRejected      = errors.New("write rejected")
	ErrNotConnected       = errors.New("not connected")
	ErrAttributeDirection = errors.New("operation not supported by attribute")
	ErrSessionClosed      = errors.New("session closed")
)

// DefaultQueueSize is the event queue capacity. A full queue blocks the
// transport callback; events are never dropped for lack of space.
const DefaultQueueSize = 256

// Handler receives one notification payload on the dispatcher goroutine.
type Handler func(payload []byte)

// Options configures a Session.
type Options struct {
	ConnectTimeout time.Duration
	QueueSize      int
}

type event struct {
	attr       protocol.Attribute
	payload    []byte
	generation uint64
}

// connection is one resolved link. It is never mutated after Connect publishes it.
type connection struct {
	link         device.Link
	generation   uint64
	chars        map[protocol.Attribute]device.Characteristic
	disconnected chan struct{}
	downOnce     sync.Once
	stop         chan struct{}
	stopOnce     sync.Once
}

func (c *connection) markDown() {
	c.downOnce.Do(func() { close(c.disconnected) })
}

func (c *connection) down() bool {
	select {
	case <-c.disconnected:
		return true
	default:
		return false
	}
}

// Session is the single owner of the node connection.
type Session struct {
	dialer device.Dialer
	logger *logrus.Logger
	opts   Options

	mu         sync.Mutex
	conn       *connection
	generation uint64
	handlers   map[protocol.Attribute]Handler
	closed     bool

	events    chan event
	closing   chan struct{}
	closeOnce sync.Once
	workers   groutine.Group
	dropped   uint64
}

// New creates a Session and starts its dispatcher.
func New(dialer device.Dialer, logger *logrus.Logger, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	s := &Session{
		dialer:   dialer,
		logger:   logger,
		opts:     opts,
		handlers: make(map[protocol.Attribute]Handler),
		events:   make(chan event, opts.QueueSize),
		closing:  make(chan struct{}),
	}
	s.workers.Go(context.Background(), "session-dispatcher", s.dispatchLoop)
	return s
}

// Connect dials address, resolves the attribute set and replaces any previous
// connection. Handlers registered on the previous connection are cleared.
func (s *Session) Connect(ctx context.Context, address string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	previous := s.conn
	s.conn = nil
	s.handlers = make(map[protocol.Attribute]Handler)
	s.mu.Unlock()

	if previous != nil {
		s.teardown(previous)
	}

	s.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": s.opts.ConnectTimeout,
	}).Info("Connecting to sensor node...")

	link, err := s.dialer.Dial(ctx, address, &device.ConnectOptions{
		ConnectTimeout: s.opts.ConnectTimeout,
		Services:       []string{protocol.ServiceUUID},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %s: %w: %w", ErrDeviceUnreachable, address, ctxErr, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrDeviceUnreachable, address, err)
	}

	chars, err := resolve(link)
	if err != nil {
		if closeErr := link.Close(); closeErr != nil {
			s.logger.WithField("error", closeErr).Warn("Failed to close link after resolution failure")
		}
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = link.Close()
		return ErrSessionClosed
	}
	s.generation++
	conn := &connection{
		link:         link,
		generation:   s.generation,
		chars:        chars,
		disconnected: make(chan struct{}),
		stop:         make(chan struct{}),
	}
	s.conn = conn
	s.mu.Unlock()

	s.workers.Go(context.Background(), "session-link-monitor", func(context.Context) {
		s.monitor(conn)
	})

	s.logger.WithFields(logrus.Fields{
		"address":    address,
		"generation": conn.generation,
	}).Info("Sensor node connected")
	return nil
}

// resolve looks up every catalog attribute on the link.
func resolve(link device.Link) (map[protocol.Attribute]device.Characteristic, error) {
	chars := make(map[protocol.Attribute]device.Characteristic)
	for _, spec := range protocol.Attributes() {
		c, err := link.Characteristic(protocol.ServiceUUID, spec.UUID)
		if err != nil {
			var nf *device.NotFoundError
			if errors.As(err, &nf) {
				return nil, fmt.Errorf("%w: %s: %w", ErrServiceNotFound, spec.Attribute, err)
			}
			return nil, fmt.Errorf("resolve %s: %w", spec.Attribute, err)
		}
		chars[spec.Attribute] = c
	}
	return chars, nil
}

func (s *Session) monitor(conn *connection) {
	select {
	case <-conn.link.Disconnected():
		s.logger.WithFields(logrus.Fields{
			"address":    conn.link.Address(),
			"generation": conn.generation,
		}).Info("Link dropped by sensor node")
	case <-conn.stop:
	}
	conn.markDown()
}

func (s *Session) teardown(conn *connection) {
	conn.stopOnce.Do(func() { close(conn.stop) })
	conn.markDown()
	if err := conn.link.Close(); err != nil {
		s.logger.WithField("error", err).Debug("Link close reported an error")
	}
}

// current returns the live connection and the catalog entry for attr after
// checking that attr supports op.
func (s *Session) current(attr protocol.Attribute, op protocol.Direction) (*connection, device.Characteristic, error) {
	spec, ok := protocol.Lookup(attr)
	if !ok {
		return nil, nil, fmt.Errorf("unknown attribute %s", attr)
	}
	if !spec.Direction.Has(op) {
		return nil, nil, fmt.Errorf("%w: %s", ErrAttributeDirection, attr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	if s.conn == nil {
		return nil, nil, ErrNotConnected
	}
	return s.conn, s.conn.chars[attr], nil
}

// Subscribe enables notifications for attr. handler runs on the dispatcher.
func (s *Session) Subscribe(attr protocol.Attribute, handler Handler) error {
	conn, char, err := s.current(attr, protocol.DirNotify)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handlers[attr] = handler
	s.mu.Unlock()

	generation := conn.generation
	err = char.Subscribe(func(data []byte) {
		s.enqueue(event{attr: attr, payload: data, generation: generation})
	})
	if err != nil {
		s.mu.Lock()
		if s.conn == conn {
			delete(s.handlers, attr)
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", attr, err)
	}

	s.logger.WithField("attribute", attr).Debug("Subscribed")
	return nil
}

// Unsubscribe disables notifications for attr. Queued events for attr are dropped.
func (s *Session) Unsubscribe(attr protocol.Attribute) error {
	_, char, err := s.current(attr, protocol.DirNotify)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.handlers, attr)
	s.mu.Unlock()

	if err := char.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", attr, err)
	}
	return nil
}

// Read reads attr synchronously.
func (s *Session) Read(ctx context.Context, attr protocol.Attribute) ([]byte, error) {
	_, char, err := s.current(attr, protocol.DirRead)
	if err != nil {
		return nil, err
	}
	data, err := char.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", attr, err)
	}
	return data, nil
}

// Write writes data to attr. With requireAck the call returns once the node
// acknowledged the write; a refusal is reported as ErrWriteRejected.
func (s *Session) Write(ctx context.Context, attr protocol.Attribute, data []byte, requireAck bool) error {
	_, char, err := s.current(attr, protocol.DirWrite)
	if err != nil {
		return err
	}
	if err := char.Write(ctx, data, requireAck); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteRejected, attr, err)
	}
	return nil
}

// Disconnected returns a channel closed when the current connection goes down.
// Without a connection the returned channel is already closed.
func (s *Session) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.conn.disconnected
}

// Connected reports whether a live connection exists.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.conn.down()
}

// Address returns the address of the current connection, or "".
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.link.Address()
}

// Generation returns the current connection generation (0 before the first connect).
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// DroppedEvents counts events discarded because their connection was replaced
// or their handler removed.
func (s *Session) DroppedEvents() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close tears down the connection and stops the dispatcher. It must not be
// called from a handler.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.handlers = make(map[protocol.Attribute]Handler)
		s.mu.Unlock()

		if conn != nil {
			s.teardown(conn)
		}
		close(s.closing)
		s.workers.Wait()
		s.logger.Debug("Session closed")
	})
	return nil
}

// enqueue blocks until the event is queued or the session closes.
func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

func (s *Session) dispatchLoop(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-s.closing:
			return
		}
	}
}

func (s *Session) dispatch(ev event) {
	s.mu.Lock()
	if s.conn == nil || s.conn.generation != ev.generation {
		s.dropped++
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"attribute":  ev.attr,
			"generation": ev.generation,
		}).Debug("Dropping event from a stale connection")
		return
	}
	handler := s.handlers[ev.attr]
	if handler == nil {
		s.dropped++
	}
	s.mu.Unlock()

	if handler != nil {
		handler(ev.payload)
	}
}
