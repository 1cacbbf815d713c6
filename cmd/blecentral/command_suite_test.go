package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/stretchr/testify/suite"
)

// Simulated peripherals shared by the command tests.
const (
	KeyboardAddress = "24:0a:c4:12:34:56"
	SensorAddress   = "24:0a:c4:00:00:02"
)

const testProfile = `
peripherals:
  - address: "24:0a:c4:12:34:56"
    name: "Keyboard"
    rssi: -40
    advertise: ["1812"]
    services:
      - uuid: "180a"
        characteristics:
          - uuid: "2a29"
            properties: "read"
            value: "Acme"
      - uuid: "1812"
        characteristics:
          - uuid: "2a4d"
            properties: "read,notify"
            value: "\0\0"
            notify_every: 50ms
  - address: "24:0a:c4:00:00:02"
    name: "Sensor"
    rssi: -70
    advertise: ["180f"]
`

// syncBuffer is a bytes.Buffer safe for the concurrent writers of a command
// run (logger, progress printer, script drainer).
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs the command tree against simulated peripherals.
// All cmd/blecentral test suites embed it.
type CommandTestSuite struct {
	suite.Suite

	ProfilePath string
}

// SetupTest writes the shared simulation profile.
func (s *CommandTestSuite) SetupTest() {
	s.ProfilePath = s.WriteFile("profile.yaml", testProfile)
}

// WriteFile creates a file in a per-test directory and returns its path.
func (s *CommandTestSuite) WriteFile(name, content string) string {
	path := filepath.Join(s.T().TempDir(), name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "fixture file MUST be writable")
	return path
}

// ExecuteCommand runs a fresh command tree with args against the simulated
// profile and returns stdout, stderr and the command error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	root := newRootCmd()
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append(args, "--simulate", s.ProfilePath))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}
