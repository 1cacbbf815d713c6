package lua

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
)

// drainTimeout bounds the final flush after Cancel or context cancellation.
const drainTimeout = 100 * time.Millisecond

// OutputDrainer copies script output to stdout/stderr writers in the
// background until it is cancelled.
type OutputDrainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Cancel stops the drainer after flushing what is already queued.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() {
		close(d.stop)
	})
}

// Wait blocks until the drainer goroutine has exited.
func (d *OutputDrainer) Wait() {
	d.wg.Wait()
}

func writeRecord(rec OutputRecord, stdout, stderr io.Writer, logger *logrus.Logger) {
	var err error
	switch rec.Source {
	case "stderr":
		_, err = fmt.Fprint(stderr, rec.Content)
	default:
		_, err = fmt.Fprint(stdout, rec.Content)
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"source": rec.Source,
			"error":  err,
		}).Warn("Output drainer: write failed")
	}
}

func flush(outputChan <-chan OutputRecord, stdout, stderr io.Writer, logger *logrus.Logger) {
	deadline := time.After(drainTimeout)
	for {
		select {
		case rec, ok := <-outputChan:
			if !ok {
				return
			}
			writeRecord(rec, stdout, stderr, logger)
		case <-deadline:
			return
		}
	}
}

// NewOutputDrainer starts draining outputChan. Nil writers discard.
func NewOutputDrainer(ctx context.Context, outputChan <-chan OutputRecord, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	d := &OutputDrainer{stop: make(chan struct{})}
	d.wg.Add(1)
	groutine.Go(ctx, "lua-output-drainer", func(ctx context.Context) {
		defer d.wg.Done()
		defer logger.Debugf("%s: exiting", groutine.GetName(ctx))

		for {
			select {
			case rec, ok := <-outputChan:
				if !ok {
					return
				}
				writeRecord(rec, stdout, stderr, logger)
			case <-d.stop:
				flush(outputChan, stdout, stderr, logger)
				return
			case <-ctx.Done():
				flush(outputChan, stdout, stderr, logger)
				return
			}
		}
	})
	return d
}
