package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current phase with a countdown (when a duration
// is known) or the elapsed time.
//
//	p := NewProgressPrinter(w, "Scanning for BLE devices", "Scanning", 5*time.Second, "Processing results")
//	p.Start()
//	defer p.Stop()
//
// Setting one of the stop phases through Callback stops the printer.
// A ProgressPrinter is single-use.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value
	stopPhases map[string]struct{}
	duration   time.Duration

	started   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	startTime time.Time
}

// NewProgressPrinter creates a printer writing to w. A zero duration counts up.
func NewProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: stopSet,
		duration:   duration,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.startTime = time.Now()
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))
	go p.loop()
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, isStop := p.stopPhases[phase]; isStop {
				return
			}
			fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, p.seconds())
		}
	}
}

// seconds returns the remaining time rounded to the nearest second, or the
// elapsed time in count-up mode.
func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

// Callback returns a progress callback that updates the phase. Safe for
// concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStop := p.stopPhases[phase]; isStop {
			p.Stop()
		}
	}
}

// Stop stops the display and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
		}
		fmt.Fprint(p.w, clearLineSequence)
	})
}
