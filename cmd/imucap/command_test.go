//go:build test

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/srg/imucap/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs the CLI against the simulated node.
type CommandTestSuite struct {
	testutils.IMUNodeSuite

	configPath string
	outputDir  string
}

func (suite *CommandTestSuite) SetupTest() {
	suite.IMUNodeSuite.SetupTest()

	dir := suite.T().TempDir()
	suite.outputDir = filepath.Join(dir, "captures")
	suite.configPath = filepath.Join(dir, "config.yaml")
	suite.Require().NoError(os.WriteFile(suite.configPath, []byte(`
log_level: error
read_timeout: 1s
transfer_timeout: 5s
scan_timeout: 2s
`), 0o600))
}

// ExecuteCommand runs the CLI with the suite's config, the simulated transport
// and a per-test output directory prepended to args.
func (suite *CommandTestSuite) ExecuteCommand(args ...string) (stdout, stderr string, err error) {
	var out, errOut lockedBuffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{
		"--config", suite.configPath,
		"--transport", testutils.SimulatedBackend,
		"--output-dir", suite.outputDir,
	}, args...))
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func (suite *CommandTestSuite) captures() []string {
	files, err := filepath.Glob(filepath.Join(suite.outputDir, "*"))
	suite.Require().NoError(err)
	return files
}

func (suite *CommandTestSuite) TestRecordContinuous() {
	// GOAL: Verify `record` runs a continuous capture end to end and writes the file
	//
	// TEST SCENARIO: record --mode continuous --format csv → start/stop/transfer commands → csv written → summary printed

	address := suite.Node.Config().Address
	stdout, stderr, err := suite.ExecuteCommand("record", address,
		"--mode", "continuous", "--duration", "50ms", "--channels", "accel", "--format", "csv")
	suite.Require().NoError(err, "stderr: %s", stderr)

	suite.Assert().Equal([]uint32{7, 0, 512}, suite.Node.Commands())

	files := suite.captures()
	suite.Require().Len(files, 1, "exactly one capture MUST be written")
	suite.Assert().Equal(".csv", filepath.Ext(files[0]))

	suite.Assert().Contains(stdout, "Saved 12 rows x 3 channels to "+files[0])
	suite.Assert().Contains(stdout, "samples: 36 in 2 blocks, sample rate: 12.0 Hz")
	suite.Assert().NotContains(stdout, "WARNING")
	suite.Assert().Contains(stderr, "Capturing from "+address+" (idle...)", "progress MUST be printed to stderr")
}

func (suite *CommandTestSuite) TestPull() {
	// GOAL: Verify `pull` downloads the buffered capture without recording
	//
	// TEST SCENARIO: pull → only the transfer command is sent → xlsx written

	stdout, stderr, err := suite.ExecuteCommand("pull", suite.Node.Config().Address)
	suite.Require().NoError(err, "stderr: %s", stderr)

	suite.Assert().Equal([]uint32{512}, suite.Node.Commands(), "pull MUST NOT start a recording")
	files := suite.captures()
	suite.Require().Len(files, 1)
	suite.Assert().Equal(".xlsx", filepath.Ext(files[0]), "xlsx is the default format")
	suite.Assert().Contains(stdout, "Saved 12 rows x 3 channels")
}

func (suite *CommandTestSuite) TestPullReportsDroppedRemainder() {
	// GOAL: Verify trailing samples that do not fill a row are reported
	//
	// TEST SCENARIO: node buffers 10 samples for 3 channels → 3 rows saved → warning about 1 dropped sample

	cfg := testutils.DefaultNodeConfig(3)
	cfg.Samples = append(cfg.Samples, 99)
	suite.WithNode(cfg).ResetNode()

	stdout, stderr, err := suite.ExecuteCommand("pull", cfg.Address, "--format", "csv")
	suite.Require().NoError(err, "stderr: %s", stderr)

	suite.Assert().Contains(stdout, "Saved 3 rows x 3 channels")
	suite.Assert().Contains(stdout, "WARNING: 1 trailing samples did not fill a row and were dropped")
}

func (suite *CommandTestSuite) TestRecordRejectsBadInput() {
	suite.Run("invalid address", func() {
		_, _, err := suite.ExecuteCommand("record", "not-an-address")
		suite.Assert().ErrorContains(err, `invalid address "not-an-address"`)
	})

	suite.Run("invalid mode", func() {
		_, _, err := suite.ExecuteCommand("record", suite.Node.Config().Address, "--mode", "forever")
		suite.Assert().ErrorContains(err, "recording.mode")
		suite.Assert().Empty(suite.Node.Commands(), "nothing MUST reach the node")
	})

	suite.Run("unknown transport", func() {
		_, _, err := suite.ExecuteCommand("record", suite.Node.Config().Address, "--transport", "carrier-pigeon")
		suite.Assert().ErrorContains(err, `unknown transport "carrier-pigeon"`)
	})

	suite.Run("missing address", func() {
		_, _, err := suite.ExecuteCommand("record")
		suite.Assert().Error(err)
	})
}

func (suite *CommandTestSuite) TestScan() {
	// GOAL: Verify `scan` lists the advertising node
	//
	// TEST SCENARIO: scan --timeout 200ms → simulated advertisement → one table row

	stdout, stderr, err := suite.ExecuteCommand("scan", "--timeout", "200ms")
	suite.Require().NoError(err, "stderr: %s", stderr)

	suite.Assert().Contains(stdout, "AA:BB:CC:DD:EE:FF  IMU Logger  -48 dBm  yes")
	suite.Assert().Contains(stdout, "1 device(s) found")
	suite.Assert().Equal(1, suite.Scanner.Scans())
}

func (suite *CommandTestSuite) TestConfigCommands() {
	suite.Run("print shows the effective configuration", func() {
		stdout, _, err := suite.ExecuteCommand("--format", "csv", "config", "print")
		suite.Require().NoError(err)

		suite.Assert().Contains(stdout, "# loaded from "+suite.configPath)
		suite.Assert().Contains(stdout, "format: csv", "flags MUST override the file")
		suite.Assert().Contains(stdout, "log_level: error", "file MUST override defaults")
		suite.Assert().Contains(stdout, "transport: simulated")
	})

	suite.Run("init refuses to overwrite without --yes", func() {
		path := filepath.Join(suite.T().TempDir(), "imucap", "config.yaml")

		stdout, _, err := suite.ExecuteCommand("config", "init", "-o", path)
		suite.Require().NoError(err)
		suite.Assert().Equal("Wrote "+path+"\n", stdout)

		_, _, err = suite.ExecuteCommand("config", "init", "-o", path)
		suite.Assert().ErrorContains(err, "already exists")

		_, _, err = suite.ExecuteCommand("config", "init", "-o", path, "-y")
		suite.Assert().NoError(err)
	})
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}
