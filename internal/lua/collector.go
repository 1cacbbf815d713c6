package lua

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// MaxBufferSize caps the collector buffer.
const MaxBufferSize uint32 = 1024 * 1024

// Collector states
const (
	CollectorStateNotRunning uint32 = iota
	CollectorStateRunning
	CollectorStateStopping
)

// CollectorMetrics are lock-free counters of an OutputCollector.
type CollectorMetrics struct {
	RecordsProcessed   int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

// OutputCollector moves script output from the engine queue into an
// overlapped ring buffer, dropping the oldest records on overflow, until it
// is drained with ConsumePlainText or ConsumeRecords.
type OutputCollector struct {
	outputChan <-chan OutputRecord
	buffer     mpmc.RichOverlappedRingBuffer[OutputRecord]
	stop       chan struct{}
	done       chan struct{}
	onError    func(error)
	state      atomic.Uint32

	processed   atomic.Int64
	overwritten atomic.Int64
	failed      atomic.Int64
}

// NewOutputCollector creates a stopped collector reading ch. onError is called
// on unexpected buffer errors; nil panics.
func NewOutputCollector(ch <-chan OutputRecord, bufferSize uint32, onError func(error)) (*OutputCollector, error) {
	if ch == nil {
		return nil, fmt.Errorf("output channel cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("OutputCollector: %v", err))
		}
	}

	return &OutputCollector{
		outputChan: ch,
		buffer:     mpmc.NewOverlappedRingBuffer[OutputRecord](bufferSize),
		onError:    onError,
	}, nil
}

// Start launches the collecting goroutine.
func (c *OutputCollector) Start() error {
	if !c.state.CompareAndSwap(CollectorStateNotRunning, CollectorStateRunning) {
		switch c.state.Load() {
		case CollectorStateRunning:
			return fmt.Errorf("collector is already running")
		default:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		}
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			c.state.Store(CollectorStateNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.outputChan:
				if !ok {
					return
				}
				if err := c.store(rec); err != nil {
					c.onError(err)
					return
				}
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s timeout")
	}
}

// Stop stops collecting and waits for the goroutine to exit. Buffered
// records stay available.
func (c *OutputCollector) Stop() error {
	if !c.state.CompareAndSwap(CollectorStateRunning, CollectorStateStopping) {
		if c.state.Load() == CollectorStateNotRunning {
			return nil
		}
	} else {
		close(c.stop)
	}
	<-c.done
	return nil
}

func (c *OutputCollector) store(rec OutputRecord) error {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		c.failed.Add(1)
		return fmt.Errorf("unexpected buffer.Enqueue error: %w", err)
	}
	c.overwritten.Add(int64(overwrites))
	c.processed.Add(1)
	return nil
}

// Flush moves records still queued on the channel into the buffer without
// blocking and returns how many were moved. Use it after Stop to pick up
// output produced right before stopping.
func (c *OutputCollector) Flush() (int, error) {
	moved := 0
	for {
		select {
		case rec, ok := <-c.outputChan:
			if !ok {
				return moved, nil
			}
			if err := c.store(rec); err != nil {
				return moved, err
			}
			moved++
		default:
			return moved, nil
		}
	}
}

// State returns the lifecycle state.
func (c *OutputCollector) State() uint32 {
	return c.state.Load()
}

// Metrics returns a snapshot of the counters.
func (c *OutputCollector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		RecordsProcessed:   c.processed.Load(),
		RecordsOverwritten: c.overwritten.Load(),
		ErrorsOccurred:     c.failed.Load(),
	}
}

// ConsumeRecords dequeues every buffered record in order and passes it to fn.
// It stops at the first error fn returns.
func (c *OutputCollector) ConsumeRecords(fn func(OutputRecord) error) error {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			return fmt.Errorf("buffer dequeue error: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// ConsumePlainText drains the buffer and returns the concatenated content.
func (c *OutputCollector) ConsumePlainText() (string, error) {
	var b strings.Builder
	err := c.ConsumeRecords(func(rec OutputRecord) error {
		b.WriteString(rec.Content)
		return nil
	})
	return b.String(), err
}
