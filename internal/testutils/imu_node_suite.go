//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/imucap/internal/device"
	"github.com/srg/imucap/internal/devicefactory"
	"github.com/srg/imucap/internal/protocol"
	"github.com/stretchr/testify/suite"
)

// SimulatedBackend is the transport name the suite registers in devicefactory.
const SimulatedBackend = "simulated"

// IMUNodeSuite provides a reusable test suite backed by a simulated IMU node.
//
// Basic usage (default node with 12 rows of ax,ay,az):
//
//	type RecorderSuite struct {
//	    testutils.IMUNodeSuite
//	}
//
//	func TestRecorderSuite(t *testing.T) {
//	    suite.Run(t, new(RecorderSuite))
//	}
//
// Custom node:
//
//	func (s *RecorderSuite) SetupTest() {
//	    cfg := testutils.DefaultNodeConfig(100, "ax", "ay", "az", "gx", "gy", "gz")
//	    cfg.OfflineAfterArm = 5 * time.Second
//	    s.WithNode(cfg)
//
//	    s.IMUNodeSuite.SetupTest() // Call parent last to apply configuration
//	}
//
// Subtests run with s.Run may call s.WithNode followed by s.ResetNode.
type IMUNodeSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	Node    *IMUNode
	Scanner *FakeScanner

	nodeConfig     *NodeConfig
	restoreBackend func()
}

// SetupSuite is called once before all tests in the suite.
func (s *IMUNodeSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 10 * time.Second
}

// SetupTest creates the node and registers it as the simulated transport.
func (s *IMUNodeSuite) SetupTest() {
	s.ResetNode()
}

// TearDownTest restores the transport registry.
func (s *IMUNodeSuite) TearDownTest() {
	if s.restoreBackend != nil {
		s.restoreBackend()
		s.restoreBackend = nil
	}
	s.nodeConfig = nil
	s.Node = nil
	s.Scanner = nil
}

// WithNode sets the configuration used by the next SetupTest or ResetNode.
func (s *IMUNodeSuite) WithNode(cfg NodeConfig) *IMUNodeSuite {
	s.nodeConfig = &cfg
	return s
}

// ResetNode replaces the simulated node with a fresh one.
func (s *IMUNodeSuite) ResetNode() {
	cfg := DefaultNodeConfig(12)
	if s.nodeConfig != nil {
		cfg = *s.nodeConfig
	}

	s.Node = NewIMUNode(cfg)
	s.Scanner = &FakeScanner{
		Advertisements: []device.Advertisement{
			NewAdvertisementBuilder().
				WithName("IMU Logger").
				WithAddress(cfg.Address).
				WithRSSI(-48).
				WithServices(protocol.ServiceUUID).
				Build(),
		},
	}

	if s.restoreBackend != nil {
		s.restoreBackend()
	}
	node, scanner := s.Node, s.Scanner
	s.restoreBackend = devicefactory.Register(SimulatedBackend, devicefactory.Backend{
		NewDialer:  func(*logrus.Logger) device.Dialer { return node },
		NewScanner: func() (device.Scanner, error) { return scanner, nil },
	})
}
