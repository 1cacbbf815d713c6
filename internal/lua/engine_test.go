package lua

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/subscription"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// EngineTestSuite
type EngineTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	logger *logrus.Logger

	engine    *Engine
	collector *OutputCollector
}

func (suite *EngineTestSuite) SetupSuite() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.logger = suite.helper.Logger
}

func (suite *EngineTestSuite) SetupTest() {
	suite.engine = NewEngine(suite.logger)

	collector, err := NewOutputCollector(suite.engine.OutputChannel(), 100, nil)
	suite.Require().NoError(err)
	suite.Require().NoError(collector.Start())
	suite.collector = collector
}

func (suite *EngineTestSuite) TearDownTest() {
	suite.NoError(suite.collector.Stop())
	suite.engine.Close()
}

// output waits until the collector has seen n records and returns the text.
func (suite *EngineTestSuite) output(n int64) string {
	suite.Require().True(testutils.WaitFor(time.Second, func() bool {
		return suite.collector.Metrics().RecordsProcessed >= n
	}), "%d output records MUST be collected", n)
	text, err := suite.collector.ConsumePlainText()
	suite.Require().NoError(err)
	return text
}

func notification(seq uint64, data []byte) subscription.Notification {
	return subscription.Notification{
		Conn:               1,
		Peer:               device.MustParsePeerAddress("24:0a:c4:12:34:56"),
		ServiceUUID:        "1812",
		CharacteristicUUID: "2a4d",
		Data:               data,
		Seq:                seq,
	}
}

func (suite *EngineTestSuite) TestHandlerReceivesNotificationFields() {
	// GOAL: Every notification reaches on_notification with its fields
	//
	// TEST SCENARIO: load handler printing fields → deliver two notifications → two formatted lines captured
	script := `
function on_notification(n)
    print(n.address, n.service, n.characteristic, tohex(n.data), n.indication, n.seq)
end
`
	suite.Require().NoError(suite.engine.LoadScript(script, "test"))

	suite.engine.Handle(notification(1, []byte{0x00, 0x04}))
	suite.engine.Handle(notification(2, []byte("ab")))

	text := suite.output(2)
	suite.Equal(
		"24:0a:c4:12:34:56\t1812\t2a4d\t0004\tfalse\t1\n"+
			"24:0a:c4:12:34:56\t1812\t2a4d\t6162\tfalse\t2\n",
		text, "printed lines MUST carry every notification field")
	suite.EqualValues(2, suite.engine.Calls())
	suite.EqualValues(0, suite.engine.Errors())
}

func (suite *EngineTestSuite) TestScriptStateSurvivesBetweenCalls() {
	script := `
count = 0
function on_notification(n)
    count = count + #n.data
    print(count)
end
`
	suite.Require().NoError(suite.engine.LoadScript(script, "test"))
	handler := suite.engine.Handler()
	handler(notification(1, []byte{1, 2}))
	handler(notification(2, []byte{3}))

	suite.Equal("2\n3\n", suite.output(2))
}

func (suite *EngineTestSuite) TestRuntimeErrorDoesNotStopDelivery() {
	// GOAL: A failing handler is reported and the next notification is still handled
	//
	// TEST SCENARIO: handler errors on seq 1 → stderr record + error count → seq 2 prints
	script := `
function on_notification(n)
    if n.seq == 1 then
        error("boom")
    end
    print("ok", n.seq)
end
`
	suite.Require().NoError(suite.engine.LoadScript(script, "test"))

	suite.engine.Handle(notification(1, nil))
	suite.engine.Handle(notification(2, nil))

	text := suite.output(2)
	suite.Contains(text, "Lua runtime error")
	suite.Contains(text, "boom")
	suite.Contains(text, "ok\t2\n")
	suite.EqualValues(1, suite.engine.Errors(), "the failure MUST be counted")
	suite.Equal(1, testutils.CountMessages(suite.helper.Hook, "Lua notification handler failed"))
}

func (suite *EngineTestSuite) TestLoadErrors() {
	suite.Run("SyntaxError", func() {
		err := suite.engine.LoadScript("function on_notification(n", "broken.lua")
		suite.ErrorIs(err, ErrSyntax)
		suite.Contains(err.Error(), "broken.lua")
	})

	suite.Run("RuntimeErrorAtLoad", func() {
		err := suite.engine.LoadScript(`error("no")`, "load.lua")
		suite.ErrorIs(err, ErrRuntime)
	})

	suite.Run("MissingHandler", func() {
		err := suite.engine.LoadScript(`x = 1`, "nohandler.lua")
		suite.ErrorIs(err, ErrNoFunction)
		suite.Contains(err.Error(), HandlerFunction)
	})

	suite.Run("EmptyScript", func() {
		suite.ErrorIs(suite.engine.LoadScript("   ", "empty.lua"), ErrNoFunction)
	})

	suite.Run("MissingFile", func() {
		suite.Error(suite.engine.LoadScriptFile(filepath.Join(suite.T().TempDir(), "absent.lua")))
	})
}

func (suite *EngineTestSuite) TestLoadScriptFile() {
	path := filepath.Join(suite.T().TempDir(), "handler.lua")
	suite.Require().NoError(os.WriteFile(path, []byte(`function on_notification(n) print(#n.data) end`), 0o600))

	suite.Require().NoError(suite.engine.LoadScriptFile(path))
	suite.engine.Handle(notification(1, []byte{1, 2, 3}))
	suite.Equal("3\n", suite.output(1))
}

func (suite *EngineTestSuite) TestClosedEngineIgnoresNotifications() {
	suite.Require().NoError(suite.engine.LoadScript(`function on_notification(n) print(1) end`, "test"))
	suite.engine.Close()

	suite.NotPanics(func() { suite.engine.Handle(notification(1, nil)) })
	suite.EqualValues(0, suite.engine.Calls())
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

// OutputCollectorTestSuite
type OutputCollectorTestSuite struct {
	suite.Suite
}

func (suite *OutputCollectorTestSuite) TestConstructorValidation() {
	ch := make(chan OutputRecord)

	_, err := NewOutputCollector(nil, 10, nil)
	suite.Error(err, "nil channel MUST be rejected")
	_, err = NewOutputCollector(ch, 0, nil)
	suite.Error(err, "zero buffer MUST be rejected")
	_, err = NewOutputCollector(ch, MaxBufferSize+1, nil)
	suite.Error(err, "oversized buffer MUST be rejected")
}

func (suite *OutputCollectorTestSuite) TestOverflowKeepsNewest() {
	// GOAL: The ring buffer overwrites the oldest records
	//
	// TEST SCENARIO: buffer of 4 → push 10 records → consumed text ends with the newest record
	ch := make(chan OutputRecord, 16)
	collector, err := NewOutputCollector(ch, 4, nil)
	suite.Require().NoError(err)
	suite.Require().NoError(collector.Start())

	for i := 0; i < 10; i++ {
		ch <- OutputRecord{Content: string(rune('a' + i)), Source: "stdout"}
	}
	suite.Require().True(testutils.WaitFor(time.Second, func() bool {
		return collector.Metrics().RecordsProcessed == 10
	}))
	suite.Require().NoError(collector.Stop())

	text, err := collector.ConsumePlainText()
	suite.Require().NoError(err)
	suite.Greater(collector.Metrics().RecordsOverwritten, int64(0), "overflow MUST be counted")
	suite.Less(len(text), 10)
	suite.Equal(byte('j'), text[len(text)-1], "the newest record MUST survive")
}

func (suite *OutputCollectorTestSuite) TestLifecycle() {
	ch := make(chan OutputRecord)
	collector, err := NewOutputCollector(ch, 8, nil)
	suite.Require().NoError(err)

	suite.NoError(collector.Stop(), "stopping a stopped collector MUST be a no-op")
	suite.Require().NoError(collector.Start())
	suite.Error(collector.Start(), "double start MUST fail")
	suite.NoError(collector.Stop())
	suite.Equal(CollectorStateNotRunning, collector.State())
	suite.NoError(collector.Start(), "a stopped collector MUST restart")
	suite.NoError(collector.Stop())
}

func (suite *OutputCollectorTestSuite) TestFlushAfterStop() {
	ch := make(chan OutputRecord, 4)
	collector, err := NewOutputCollector(ch, 8, nil)
	suite.Require().NoError(err)
	suite.Require().NoError(collector.Start())
	suite.Require().NoError(collector.Stop())

	ch <- OutputRecord{Content: "late\n", Source: "stdout"}
	ch <- OutputRecord{Content: "later\n", Source: "stdout"}
	moved, err := collector.Flush()
	suite.Require().NoError(err)
	suite.Equal(2, moved, "queued records MUST be moved into the buffer")

	text, err := collector.ConsumePlainText()
	suite.Require().NoError(err)
	suite.Equal("late\nlater\n", text)
}

func TestOutputCollectorTestSuite(t *testing.T) {
	suite.Run(t, new(OutputCollectorTestSuite))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOutputDrainerSplitsStreams(t *testing.T) {
	logger, _ := testutils.NewCapturingLogger()
	ch := make(chan OutputRecord, 4)
	var stdout, stderr lockedBuffer

	d := NewOutputDrainer(context.Background(), ch, logger, &stdout, &stderr)
	ch <- OutputRecord{Content: "out\n", Source: "stdout"}
	ch <- OutputRecord{Content: "err\n", Source: "stderr"}

	if !testutils.WaitFor(time.Second, func() bool { return stdout.String() != "" && stderr.String() != "" }) {
		t.Fatal("drainer MUST write both streams")
	}
	ch <- OutputRecord{Content: "late\n", Source: "stdout"}
	d.Cancel()
	d.Wait()

	if got := stdout.String(); got != "out\nlate\n" {
		t.Fatalf("stdout = %q, records queued before Cancel MUST be flushed", got)
	}
	if got := stderr.String(); got != "err\n" {
		t.Fatalf("stderr = %q", got)
	}
}
