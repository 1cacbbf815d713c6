// Package ptyio exposes a pseudo-terminal that other programs can open to
// follow a session's notification stream.
//
// The stream is one-way. A background loop drains a ring buffer into the
// master side, so writers never block: when the reader falls behind, bytes
// are dropped and counted in Stats. Input typed on the slave side is not read.
//
//	p, err := ptyio.NewPty(4096, logger)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("notifications on", p.TTYName())
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blecentral/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrorCallback is called once when the write loop dies.
type ErrorCallback func(err error)

// DefaultPollTimeoutMs bounds how long the write loop waits before checking
// for shutdown.
const DefaultPollTimeoutMs = 50

// PTYOptions configure NewPtyWithOptions. Zero values use defaults.
type PTYOptions struct {
	BufferCap     int
	Logger        *logrus.Logger
	OnError       ErrorCallback
	PollTimeoutMs int
}

// PTY is the non-blocking master side of a notification stream.
type PTY interface {
	io.WriteCloser
	Stats() Stats
	TTYName() string
}

// Stats are runtime counters of a PTY.
type Stats struct {
	QueueLen     int32
	QueueCap     int32
	DroppedBytes uint64
	WrittenBytes uint64
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	onError     ErrorCallback
	failOnce    sync.Once
	pollTimeout time.Duration

	queue *ringbuffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewPty opens a pseudo-terminal pair whose outgoing queue holds bufferCap
// bytes.
func NewPty(bufferCap int, logger *logrus.Logger) (PTY, error) {
	return NewPtyWithOptions(&PTYOptions{BufferCap: bufferCap, Logger: logger})
}

// NewPtyWithOptions opens a pseudo-terminal pair and starts its write loop.
func NewPtyWithOptions(opts *PTYOptions) (PTY, error) {
	if opts == nil {
		return nil, fmt.Errorf("PTYOptions cannot be nil")
	}
	if opts.BufferCap <= 0 {
		return nil, fmt.Errorf("buffer capacity must be > 0, got %d", opts.BufferCap)
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	pollMs := opts.PollTimeoutMs
	if pollMs <= 0 {
		pollMs = DefaultPollTimeoutMs
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		onError:     opts.OnError,
		pollTimeout: time.Duration(pollMs) * time.Millisecond,
		queue:       ringbuffer.New(opts.BufferCap),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.drain() })

	logger.WithField("tty", p.ttyName).Debug("PTY opened")
	return p, nil
}

// drain moves queued bytes into the master until the PTY is closed.
func (p *ringPTY) drain() {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("PTY write loop panicked")
		}
	}()

	pollFd := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	for p.ctx.Err() == nil {
		n, err := p.queue.TryRead(buf)
		if n == 0 {
			if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
				p.logger.WithError(err).Warn("PTY queue read failed")
			}
			time.Sleep(p.pollTimeout / 10)
			continue
		}
		if !p.flush(buf[:n], pollFd) {
			return
		}
	}
}

// flush writes chunk to the master, waiting for room on EAGAIN. It reports
// false once the loop must stop.
func (p *ringPTY) flush(chunk []byte, pollFd []unix.PollFd) bool {
	for len(chunk) > 0 {
		k, err := p.master.Write(chunk)
		if k > 0 {
			chunk = chunk[k:]
			p.written.Add(uint64(k))
		}
		switch {
		case err == nil, errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EAGAIN):
			timeoutMs := int(p.pollTimeout / time.Millisecond)
			if _, perr := unix.Poll(pollFd, timeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
				p.logger.WithError(perr).Warn("PTY poll failed")
			}
			if p.ctx.Err() != nil {
				return false
			}
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
			return false
		default:
			err = fmt.Errorf("pty %s write: %w", p.ttyName, err)
			p.logger.WithError(err).Warn("PTY write loop stopped")
			if p.onError != nil {
				p.failOnce.Do(func() { p.onError(err) })
			}
			return false
		}
	}
	return true
}

// Write queues data for the slave side. It never blocks; when the queue is
// full only part of data is queued and the rest is counted as dropped.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.queue.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	if lost := len(data) - n; lost > 0 {
		p.dropped.Add(uint64(lost))
		p.logger.WithField("dropped", lost).Debug("PTY queue overflow")
	}
	return n, nil
}

// Close stops the write loop and closes both sides. Bytes still queued are
// discarded.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	if err := p.master.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close PTY master")
	}
	if err := p.slave.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close PTY slave")
	}

	timeout := 3*p.pollTimeout + time.Second
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.logger.WithField("tty", p.ttyName).Errorf("PTY write loop did not exit within %v", timeout)
	}
	return nil
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		QueueLen:     int32(p.queue.Length()),
		QueueCap:     int32(p.queue.Capacity()),
		DroppedBytes: p.dropped.Load(),
		WrittenBytes: p.written.Load(),
	}
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (p *ringPTY) TTYName() string {
	return p.ttyName
}

func createPTY() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		_ = master.Close()
		_ = slave.Close()
		return cause
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set PTY master %s to nonblocking mode: %w", slave.Name(), err))
	}
	return master, slave, nil
}
