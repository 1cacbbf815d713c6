// Package testutils holds shared fixtures for the package test suites:
// the simulated central suite, loggers with captured entries, and text/JSON
// asserters with readable diffs.
package testutils

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// TestHelper bundles a test with a logger whose entries are captured.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *logtest.Hook
}

// NewTestHelper creates a helper with a silent, capturing debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := NewCapturingLogger()
	return &TestHelper{T: t, Logger: logger, Hook: hook}
}

// NewCapturingLogger returns a debug logger that writes nowhere and records
// every entry in the returned hook.
func NewCapturingLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// Messages returns the messages captured by hook at level or above.
func Messages(hook *logtest.Hook, level logrus.Level) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level <= level {
			out = append(out, e.Message)
		}
	}
	return out
}

// CountMessages counts captured entries whose message contains substr.
func CountMessages(hook *logtest.Hook, substr string) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
