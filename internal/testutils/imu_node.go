package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srg/imucap/internal/checksum"
	"github.com/srg/imucap/internal/codec"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/protocol"
)

// ErrNodeUnavailable is returned by Dial while the simulated node is not advertising.
var ErrNodeUnavailable = errors.New("simulated node is not advertising")

// NodeConfig describes the buffered capture and the quirks of a simulated IMU node.
type NodeConfig struct {
	Address            string
	Samples            []float32
	Labels             []string
	SamplingDurationMs uint32

	// AckTimeout bounds how long the node waits for the checksum of a block
	// before it gives up streaming. Zero disables ack gating.
	AckTimeout time.Duration
	// DropDelay is the delay between the burst arm command and the node dropping the link.
	DropDelay time.Duration
	// OfflineAfterArm keeps the node unreachable for this long after it drops the link.
	OfflineAfterArm time.Duration
	// ArmWriteFails makes the node drop the link before acknowledging the arm command.
	ArmWriteFails bool
	// RejectCommands makes acknowledged Command writes fail.
	RejectCommands bool
	// MissingService hides the IMU service from discovery.
	MissingService bool
	// MalformedBlockAt sends a truncated SampleBlock payload at this index (-1 disables).
	MalformedBlockAt int
	// StallTransfer makes the node ignore the transfer command.
	StallTransfer bool
	// ExtraBlocks is the number of zero blocks sent after the final one.
	ExtraBlocks int
}

// DefaultNodeConfig returns a node holding rows*width ramp samples.
func DefaultNodeConfig(rows int, labels ...string) NodeConfig {
	if len(labels) == 0 {
		labels = []string{"ax", "ay", "az"}
	}
	samples := make([]float32, rows*len(labels))
	for i := range samples {
		samples[i] = float32(i) * 0.5
	}
	return NodeConfig{
		Address:            "AA:BB:CC:DD:EE:FF",
		Samples:            samples,
		Labels:             labels,
		SamplingDurationMs: 1000,
		AckTimeout:         2 * time.Second,
		DropDelay:          10 * time.Millisecond,
		MalformedBlockAt:   -1,
	}
}

// IMUNode simulates the sensor node firmware behind a device.Dialer.
type IMUNode struct {
	cfg NodeConfig

	mu            sync.Mutex
	links         []*FakeLink
	commands      []uint32
	acks          []uint32
	ackMismatches int
	dials         int
	services      []string
	offlineUntil  time.Time
	burstMask     uint32
	recordingMask uint32
	transfers     int
}

// NewIMUNode creates a simulated node.
func NewIMUNode(cfg NodeConfig) *IMUNode {
	return &IMUNode{cfg: cfg}
}

// Config returns the node configuration.
func (n *IMUNode) Config() NodeConfig { return n.cfg }

// Dial implements device.Dialer.
func (n *IMUNode) Dial(ctx context.Context, address string, opts *device.ConnectOptions) (device.Link, error) {
	if opts != nil && opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	n.mu.Lock()
	n.dials++
	if opts != nil {
		n.services = opts.Services
	}
	offlineUntil := n.offlineUntil
	n.mu.Unlock()

	if !strings.EqualFold(address, n.cfg.Address) {
		<-ctx.Done()
		return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
	}

	if wait := time.Until(offlineUntil); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w: %w", address, ErrNodeUnavailable, ctx.Err())
		}
	}

	link := newFakeLink(n, address)
	n.mu.Lock()
	n.links = append(n.links, link)
	n.mu.Unlock()
	return link, nil
}

// Links returns every link handed out so far, oldest first.
func (n *IMUNode) Links() []*FakeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*FakeLink(nil), n.links...)
}

// CurrentLink returns the most recent link or nil.
func (n *IMUNode) CurrentLink() *FakeLink {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.links) == 0 {
		return nil
	}
	return n.links[len(n.links)-1]
}

// Commands returns the decoded Command writes in arrival order.
func (n *IMUNode) Commands() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint32(nil), n.commands...)
}

// Acks returns the checksum values written by the host.
func (n *IMUNode) Acks() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint32(nil), n.acks...)
}

// AckMismatches counts checksum writes that did not match the pending block.
func (n *IMUNode) AckMismatches() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ackMismatches
}

// Dials counts Dial attempts.
func (n *IMUNode) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// DiscoveryScope returns the service filter passed on the latest dial.
func (n *IMUNode) DiscoveryScope() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.services
}

// BurstMask returns the channel mask selected for burst recording.
func (n *IMUNode) BurstMask() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.burstMask
}

// RecordingMask returns the mask of the running continuous recording, 0 when stopped.
func (n *IMUNode) RecordingMask() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.recordingMask
}

// Transfers counts transfer commands that started a stream.
func (n *IMUNode) Transfers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transfers
}

// BlockPayloads splits the buffered samples into the SampleBlock payloads the node
// sends, zero padded to a full block.
func (n *IMUNode) BlockPayloads() [][]byte {
	var blocks [][]byte
	samples := n.cfg.Samples
	for start := 0; start < len(samples); start += protocol.BlockFloats {
		block := make([]float32, protocol.BlockFloats)
		copy(block, samples[start:min(start+protocol.BlockFloats, len(samples))])
		blocks = append(blocks, codec.EncodeFloat32Block(block))
	}
	return blocks
}

func (n *IMUNode) read(attr protocol.Attribute) ([]byte, error) {
	switch attr {
	case protocol.SampleCount:
		return codec.EncodeUint32(uint32(len(n.cfg.Samples))), nil
	case protocol.SamplingDuration:
		return codec.EncodeUint32(n.cfg.SamplingDurationMs), nil
	case protocol.ChannelLabels:
		return codec.EncodeLabelList(n.cfg.Labels), nil
	default:
		return nil, fmt.Errorf("attribute %s is not readable", attr)
	}
}

func (n *IMUNode) write(link *FakeLink, attr protocol.Attribute, data []byte, withResponse bool) error {
	value, err := codec.DecodeUint32(data)
	if err != nil {
		return err
	}

	switch attr {
	case protocol.Command:
		return n.command(link, value, withResponse)
	case protocol.BlockChecksum:
		link.deliverAck(value)
		n.mu.Lock()
		n.acks = append(n.acks, value)
		n.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("attribute %s is not writable", attr)
	}
}

func (n *IMUNode) command(link *FakeLink, code uint32, withResponse bool) error {
	if withResponse && n.cfg.RejectCommands {
		return errors.New("gatt: write request rejected")
	}

	n.mu.Lock()
	n.commands = append(n.commands, code)
	n.mu.Unlock()

	switch {
	case code == protocol.CommandStop:
		n.mu.Lock()
		n.recordingMask = 0
		n.mu.Unlock()
	case code == protocol.CommandTransfer:
		if n.cfg.StallTransfer {
			return nil
		}
		n.mu.Lock()
		n.transfers++
		n.mu.Unlock()
		go n.stream(link)
	case code >= 10512:
		n.mu.Lock()
		n.offlineUntil = time.Now().Add(n.cfg.DropDelay + n.cfg.OfflineAfterArm)
		n.mu.Unlock()
		if n.cfg.ArmWriteFails {
			link.Drop()
			return fmt.Errorf("%w: peripheral disconnected", device.ErrNotConnected)
		}
		go func() {
			time.Sleep(n.cfg.DropDelay)
			link.Drop()
		}()
	case code >= 10000:
		n.mu.Lock()
		n.burstMask = code - 10000
		n.mu.Unlock()
	case code > 0 && code < protocol.CommandTransfer:
		n.mu.Lock()
		n.recordingMask = code
		n.mu.Unlock()
	}
	return nil
}

func (n *IMUNode) stream(link *FakeLink) {
	blocks := n.BlockPayloads()
	for i, payload := range blocks {
		if i == n.cfg.MalformedBlockAt {
			payload = payload[:protocol.BlockSize/2]
		}
		if !link.Notify(protocol.SampleBlock, payload) {
			return
		}
		if n.cfg.AckTimeout > 0 && !n.awaitAck(link, checksum.Compute(payload)) {
			return
		}
	}
	for i := 0; i < n.cfg.ExtraBlocks; i++ {
		if !link.Notify(protocol.SampleBlock, make([]byte, protocol.BlockSize)) {
			return
		}
	}
}

func (n *IMUNode) awaitAck(link *FakeLink, want uint32) bool {
	timeout := time.NewTimer(n.cfg.AckTimeout)
	defer timeout.Stop()
	for {
		select {
		case got := <-link.acks:
			if got == want {
				return true
			}
			n.mu.Lock()
			n.ackMismatches++
			n.mu.Unlock()
		case <-link.disconnected:
			return false
		case <-timeout.C:
			return false
		}
	}
}

// FakeLink is one simulated connection to the node.
type FakeLink struct {
	node    *IMUNode
	address string

	mu       sync.Mutex
	handlers map[protocol.Attribute]device.NotificationHandler
	closed   bool

	acks             chan uint32
	disconnected     chan struct{}
	disconnectedOnce sync.Once
}

func newFakeLink(node *IMUNode, address string) *FakeLink {
	return &FakeLink{
		node:         node,
		address:      address,
		handlers:     make(map[protocol.Attribute]device.NotificationHandler),
		acks:         make(chan uint32, 64),
		disconnected: make(chan struct{}),
	}
}

func (l *FakeLink) Address() string { return l.address }

func (l *FakeLink) Characteristic(service, uuid string) (device.Characteristic, error) {
	if l.node.cfg.MissingService || !device.SameUUID(service, protocol.ServiceUUID) {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	for _, spec := range protocol.Attributes() {
		if device.SameUUID(spec.UUID, uuid) {
			return &fakeCharacteristic{link: l, spec: spec}, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.disconnected }

// Close is the host-side disconnect.
func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Drop()
	return nil
}

// Closed reports whether the host closed this link.
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Drop simulates the node ending the connection.
func (l *FakeLink) Drop() {
	l.disconnectedOnce.Do(func() {
		close(l.disconnected)
	})
}

// Dropped reports whether the link is down.
func (l *FakeLink) Dropped() bool {
	select {
	case <-l.disconnected:
		return true
	default:
		return false
	}
}

// Notify delivers a notification for attr if the host subscribed to it.
// It returns false once the link is down.
func (l *FakeLink) Notify(attr protocol.Attribute, payload []byte) bool {
	if l.Dropped() {
		return false
	}
	l.mu.Lock()
	h := l.handlers[attr]
	l.mu.Unlock()
	if h != nil {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		h(buf)
	}
	return true
}

// Replay invokes the registered handler for attr even when the link is down,
// like a transport delivering a callback late.
func (l *FakeLink) Replay(attr protocol.Attribute, payload []byte) {
	l.mu.Lock()
	h := l.handlers[attr]
	l.mu.Unlock()
	if h != nil {
		h(append([]byte(nil), payload...))
	}
}

// Subscribed reports whether the host enabled notifications for attr.
func (l *FakeLink) Subscribed(attr protocol.Attribute) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[attr]
	return ok
}

func (l *FakeLink) deliverAck(value uint32) {
	select {
	case l.acks <- value:
	default:
	}
}

type fakeCharacteristic struct {
	link *FakeLink
	spec protocol.AttributeSpec
}

func (c *fakeCharacteristic) UUID() string { return device.NormalizeUUID(c.spec.UUID) }

func (c *fakeCharacteristic) Properties() device.Property {
	var p device.Property
	if c.spec.Direction.Has(protocol.DirRead) {
		p |= device.PropRead
	}
	if c.spec.Direction.Has(protocol.DirWrite) {
		p |= device.PropWrite | device.PropWriteWithoutResponse
	}
	if c.spec.Direction.Has(protocol.DirNotify) {
		p |= device.PropNotify
	}
	return p
}

func (c *fakeCharacteristic) Read(ctx context.Context) ([]byte, error) {
	if err := c.alive(ctx); err != nil {
		return nil, err
	}
	return c.link.node.read(c.spec.Attribute)
}

func (c *fakeCharacteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	if err := c.alive(ctx); err != nil {
		return err
	}
	return c.link.node.write(c.link, c.spec.Attribute, data, withResponse)
}

func (c *fakeCharacteristic) Subscribe(handler device.NotificationHandler) error {
	if err := c.alive(context.Background()); err != nil {
		return err
	}
	c.link.mu.Lock()
	c.link.handlers[c.spec.Attribute] = handler
	c.link.mu.Unlock()
	return nil
}

func (c *fakeCharacteristic) Unsubscribe() error {
	c.link.mu.Lock()
	delete(c.link.handlers, c.spec.Attribute)
	c.link.mu.Unlock()
	if c.link.Dropped() {
		return fmt.Errorf("%w: link dropped", device.ErrNotConnected)
	}
	return nil
}

func (c *fakeCharacteristic) alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.link.Dropped() {
		return fmt.Errorf("%w: peripheral disconnected", device.ErrNotConnected)
	}
	return nil
}
