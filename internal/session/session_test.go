//go:build test

package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/imucap/internal/codec"
	"github.com/srg/imucap/internal/protocol"
	"github.com/srg/imucap/internal/session"
	"github.com/srg/imucap/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type SessionTestSuite struct {
	testutils.IMUNodeSuite
}

func (suite *SessionTestSuite) newSession(opts session.Options) *session.Session {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	sess := session.New(suite.Node, suite.Logger, opts)
	suite.T().Cleanup(func() { _ = sess.Close() })
	return sess
}

func (suite *SessionTestSuite) connect(sess *session.Session) {
	err := sess.Connect(context.Background(), suite.Node.Config().Address)
	suite.Require().NoError(err, "MUST connect to the simulated node")
}

func (suite *SessionTestSuite) TestConnect() {
	// GOAL: Verify Connect resolves the attribute set and publishes a live connection
	//
	// TEST SCENARIO: Connect to the node → session reports connected → generation increments on reconnect

	sess := suite.newSession(session.Options{})
	suite.Assert().False(sess.Connected(), "MUST not be connected before Connect")
	suite.Assert().Equal("", sess.Address(), "address MUST be empty before Connect")

	suite.connect(sess)
	suite.Assert().True(sess.Connected(), "MUST be connected")
	suite.Assert().Equal([]string{protocol.ServiceUUID}, suite.Node.DiscoveryScope(), "discovery MUST be scoped to the IMU service")
	suite.Assert().Equal(suite.Node.Config().Address, sess.Address())
	suite.Assert().EqualValues(1, sess.Generation(), "first connection MUST be generation 1")

	first := suite.Node.CurrentLink()
	suite.connect(sess)
	suite.Assert().EqualValues(2, sess.Generation(), "reconnect MUST bump the generation")
	suite.Assert().True(first.Closed(), "reconnect MUST close the previous link")
	suite.Assert().Len(suite.Node.Links(), 2)
}

func (suite *SessionTestSuite) TestConnectFailures() {
	suite.Run("unreachable address", func() {
		// GOAL: Verify a dial timeout surfaces as ErrDeviceUnreachable wrapping the deadline
		//
		// TEST SCENARIO: Connect to an address nobody answers → ErrDeviceUnreachable + DeadlineExceeded

		sess := suite.newSession(session.Options{ConnectTimeout: 50 * time.Millisecond})
		err := sess.Connect(context.Background(), "11:22:33:44:55:66")

		suite.Require().Error(err)
		suite.Assert().ErrorIs(err, session.ErrDeviceUnreachable)
		suite.Assert().ErrorIs(err, context.DeadlineExceeded, "cause MUST be preserved")
		suite.Assert().False(sess.Connected())
	})

	suite.Run("caller deadline", func() {
		sess := suite.newSession(session.Options{ConnectTimeout: time.Minute})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		err := sess.Connect(ctx, "11:22:33:44:55:66")
		suite.Assert().ErrorIs(err, session.ErrDeviceUnreachable)
		suite.Assert().ErrorIs(err, context.DeadlineExceeded)
	})

	suite.Run("service missing", func() {
		// GOAL: Verify a peripheral without the IMU service is rejected and released
		//
		// TEST SCENARIO: Node hides the service → ErrServiceNotFound → link closed

		cfg := testutils.DefaultNodeConfig(3)
		cfg.MissingService = true
		suite.WithNode(cfg).ResetNode()

		sess := suite.newSession(session.Options{})
		err := sess.Connect(context.Background(), cfg.Address)

		suite.Assert().ErrorIs(err, session.ErrServiceNotFound)
		suite.Assert().False(sess.Connected())
		suite.Require().NotNil(suite.Node.CurrentLink())
		suite.Assert().True(suite.Node.CurrentLink().Closed(), "unresolved link MUST be closed")
	})
}

func (suite *SessionTestSuite) TestAttributeAccess() {
	sess := suite.newSession(session.Options{})

	suite.Run("not connected", func() {
		_, err := sess.Read(context.Background(), protocol.SampleCount)
		suite.Assert().ErrorIs(err, session.ErrNotConnected)

		err = sess.Subscribe(protocol.SampleBlock, func([]byte) {})
		suite.Assert().ErrorIs(err, session.ErrNotConnected)
	})

	suite.connect(sess)

	suite.Run("direction checks", func() {
		// GOAL: Verify operations are checked against the attribute catalog
		//
		// TEST SCENARIO: Write a read-only attribute, read a notify-only one, subscribe a write-only one → ErrAttributeDirection

		err := sess.Write(context.Background(), protocol.SampleCount, codec.EncodeUint32(1), true)
		suite.Assert().ErrorIs(err, session.ErrAttributeDirection)

		_, err = sess.Read(context.Background(), protocol.SampleBlock)
		suite.Assert().ErrorIs(err, session.ErrAttributeDirection)

		err = sess.Subscribe(protocol.Command, func([]byte) {})
		suite.Assert().ErrorIs(err, session.ErrAttributeDirection)
	})

	suite.Run("read metadata", func() {
		raw, err := sess.Read(context.Background(), protocol.SampleCount)
		suite.Require().NoError(err)
		count, err := codec.DecodeUint32(raw)
		suite.Require().NoError(err)
		suite.Assert().EqualValues(len(suite.Node.Config().Samples), count)

		raw, err = sess.Read(context.Background(), protocol.ChannelLabels)
		suite.Require().NoError(err)
		labels, err := codec.DecodeLabelList(raw)
		suite.Require().NoError(err)
		suite.Assert().Equal(suite.Node.Config().Labels, labels)
	})

	suite.Run("write command", func() {
		start, err := protocol.StartCommand(protocol.AccelMask)
		suite.Require().NoError(err)
		err = sess.Write(context.Background(), protocol.Command, codec.EncodeUint32(start), true)
		suite.Require().NoError(err)
		suite.Assert().Equal([]uint32{7}, suite.Node.Commands())
	})
}

func (suite *SessionTestSuite) TestWriteRejected() {
	// GOAL: Verify a refused acknowledged write is reported as ErrWriteRejected
	//
	// TEST SCENARIO: Node refuses commands → Write with ack → ErrWriteRejected

	cfg := testutils.DefaultNodeConfig(3)
	cfg.RejectCommands = true
	suite.WithNode(cfg).ResetNode()

	sess := suite.newSession(session.Options{})
	suite.connect(sess)

	err := sess.Write(context.Background(), protocol.Command, codec.EncodeUint32(protocol.CommandTransfer), true)
	suite.Assert().ErrorIs(err, session.ErrWriteRejected)
	suite.Assert().Empty(suite.Node.Commands(), "rejected command MUST not reach the node")
}

func (suite *SessionTestSuite) TestOrderedDispatch() {
	// GOAL: Verify notifications are delivered one at a time in arrival order
	//
	// TEST SCENARIO: Node pushes 200 numbered payloads → handler sees them in order → never concurrently

	sess := suite.newSession(session.Options{QueueSize: 4})
	suite.connect(sess)

	const total = 200
	var inFlight, overlaps atomic.Int32
	received := make([]uint32, 0, total)
	done := make(chan struct{})

	err := sess.Subscribe(protocol.SampleCount, func(payload []byte) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer inFlight.Add(-1)

		n, err := codec.DecodeUint32(payload)
		suite.Assert().NoError(err)
		received = append(received, n)
		if len(received) == total {
			close(done)
		}
	})
	suite.Require().NoError(err)

	link := suite.Node.CurrentLink()
	go func() {
		for i := 0; i < total; i++ {
			link.Notify(protocol.SampleCount, codec.EncodeUint32(uint32(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(suite.TestTimeout):
		suite.FailNow("handler MUST receive every event")
	}

	for i, n := range received {
		suite.Require().EqualValues(i, n, "events MUST be dispatched in arrival order")
	}
	suite.Assert().Zero(overlaps.Load(), "handlers MUST never run concurrently")
}

func (suite *SessionTestSuite) TestBackpressure() {
	// GOAL: Verify a full queue blocks the transport instead of dropping events
	//
	// TEST SCENARIO: Queue of 1, handler parked → producer blocks → release → all events arrive

	sess := suite.newSession(session.Options{QueueSize: 1})
	suite.connect(sess)

	release := make(chan struct{})
	var mu sync.Mutex
	var got []uint32
	err := sess.Subscribe(protocol.SampleCount, func(payload []byte) {
		<-release
		n, _ := codec.DecodeUint32(payload)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	suite.Require().NoError(err)

	link := suite.Node.CurrentLink()
	produced := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			link.Notify(protocol.SampleCount, codec.EncodeUint32(uint32(i)))
		}
		close(produced)
	}()

	select {
	case <-produced:
		suite.FailNow("producer MUST block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-produced:
	case <-time.After(suite.TestTimeout):
		suite.FailNow("producer MUST resume once the handler drains the queue")
	}

	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, suite.TestTimeout, 5*time.Millisecond)
	suite.Assert().Equal([]uint32{0, 1, 2, 3, 4}, got)
	suite.Assert().Zero(sess.DroppedEvents())
}

func (suite *SessionTestSuite) TestStaleGenerationDropped() {
	// GOAL: Verify events raised by a replaced connection never reach current handlers
	//
	// TEST SCENARIO: Subscribe on gen 1 → reconnect → old link delivers late → dropped; new link delivers → handled

	sess := suite.newSession(session.Options{})
	suite.connect(sess)

	var oldCalls atomic.Int32
	suite.Require().NoError(sess.Subscribe(protocol.SampleCount, func([]byte) { oldCalls.Add(1) }))
	oldLink := suite.Node.CurrentLink()

	suite.connect(sess)
	newCalls := make(chan uint32, 4)
	suite.Require().NoError(sess.Subscribe(protocol.SampleCount, func(p []byte) {
		n, _ := codec.DecodeUint32(p)
		newCalls <- n
	}))

	oldLink.Replay(protocol.SampleCount, codec.EncodeUint32(111))
	suite.Node.CurrentLink().Notify(protocol.SampleCount, codec.EncodeUint32(222))

	select {
	case n := <-newCalls:
		suite.Assert().EqualValues(222, n, "only the current connection's event MUST be handled")
	case <-time.After(suite.TestTimeout):
		suite.FailNow("current handler MUST be invoked")
	}

	suite.Assert().Zero(oldCalls.Load(), "handler of the replaced connection MUST not run")
	suite.Assert().EqualValues(1, sess.DroppedEvents(), "stale event MUST be counted as dropped")
	suite.Assert().Empty(newCalls)
}

func (suite *SessionTestSuite) TestDisconnectSignal() {
	// GOAL: Verify Disconnected fires once per connection when the node drops the link
	//
	// TEST SCENARIO: Connect → node drops → Disconnected closes → Connected false → reconnect gives a fresh signal

	sess := suite.newSession(session.Options{})

	select {
	case <-sess.Disconnected():
	default:
		suite.Fail("Disconnected MUST be closed when no connection exists")
	}

	suite.connect(sess)
	signal := sess.Disconnected()
	select {
	case <-signal:
		suite.FailNow("Disconnected MUST be open while connected")
	default:
	}

	suite.Node.CurrentLink().Drop()
	select {
	case <-signal:
	case <-time.After(suite.TestTimeout):
		suite.FailNow("Disconnected MUST close when the link drops")
	}
	suite.Assert().False(sess.Connected())

	suite.connect(sess)
	select {
	case <-sess.Disconnected():
		suite.Fail("new connection MUST have a fresh Disconnected signal")
	default:
	}
}

func (suite *SessionTestSuite) TestUnsubscribe() {
	sess := suite.newSession(session.Options{})
	suite.connect(sess)

	suite.Require().NoError(sess.Subscribe(protocol.SampleBlock, func([]byte) {}))
	suite.Assert().True(suite.Node.CurrentLink().Subscribed(protocol.SampleBlock))

	suite.Require().NoError(sess.Unsubscribe(protocol.SampleBlock))
	suite.Assert().False(suite.Node.CurrentLink().Subscribed(protocol.SampleBlock))
}

func (suite *SessionTestSuite) TestClose() {
	// GOAL: Verify Close releases the link and rejects further use
	//
	// TEST SCENARIO: Connect → Close → link closed → every operation returns ErrSessionClosed

	sess := suite.newSession(session.Options{})
	suite.connect(sess)
	link := suite.Node.CurrentLink()

	suite.Require().NoError(sess.Close())
	suite.Require().NoError(sess.Close(), "Close MUST be idempotent")

	suite.Assert().True(link.Closed())
	suite.Assert().False(sess.Connected())

	err := sess.Connect(context.Background(), suite.Node.Config().Address)
	suite.Assert().True(errors.Is(err, session.ErrSessionClosed))

	_, err = sess.Read(context.Background(), protocol.SampleCount)
	suite.Assert().ErrorIs(err, session.ErrSessionClosed)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
