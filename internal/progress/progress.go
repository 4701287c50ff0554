// Package progress holds the byte-count sinks fed by chunk workers and the
// fallback streamer. Every sink here is safe for concurrent use and never blocks.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives the length of every non-empty read.
type Sink interface {
	ObserveBytes(delta int64)
}

// RetryObserver is implemented by sinks that want to know how many already
// reported bytes belonged to an attempt that was discarded.
type RetryObserver interface {
	ObserveRetry(wasted int64)
}

type SinkFunc func(delta int64)

func (f SinkFunc) ObserveBytes(delta int64) { f(delta) }

type discard struct{}

func (discard) ObserveBytes(int64) {}

// Discard drops every observation.
var Discard Sink = discard{}

// Counter is a running byte total.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) ObserveBytes(delta int64) { c.n.Add(delta) }

func (c *Counter) Total() int64 { return c.n.Load() }

type multi []Sink

func (m multi) ObserveBytes(delta int64) {
	for _, s := range m {
		s.ObserveBytes(delta)
	}
}

func (m multi) ObserveRetry(wasted int64) {
	for _, s := range m {
		if r, ok := s.(RetryObserver); ok {
			r.ObserveRetry(wasted)
		}
	}
}

// Multi fans each observation out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 0 {
		return Discard
	}
	return m
}

// ReportFunc is called from the tracker goroutine, never from a worker.
type ReportFunc func(downloaded, total int64, speed float64)

// Tracker counts bytes atomically and reports them on a ticker. Observers only
// touch the counter, so a slow ReportFunc cannot hold up a worker.
type Tracker struct {
	total    int64
	interval time.Duration
	report   ReportFunc

	downloaded atomic.Int64
	retried    atomic.Int64
	startTime  time.Time

	stopOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

func NewTracker(total int64, interval time.Duration, report ReportFunc) *Tracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Tracker{
		total:    total,
		interval: interval,
		report:   report,
		doneCh:   make(chan struct{}),
	}
}

func (t *Tracker) ObserveBytes(delta int64) { t.downloaded.Add(delta) }

// ObserveRetry records bytes from an attempt that was thrown away.
func (t *Tracker) ObserveRetry(wasted int64) { t.retried.Add(wasted) }

func (t *Tracker) Downloaded() int64 { return t.downloaded.Load() }

// Effective is the byte count with discarded attempts subtracted.
func (t *Tracker) Effective() int64 { return t.downloaded.Load() - t.retried.Load() }

func (t *Tracker) Start() {
	t.startTime = time.Now()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		var lastBytes int64
		lastUpdate := t.startTime
		for {
			select {
			case <-t.doneCh:
				t.emit(t.Effective(), time.Since(t.startTime).Seconds())
				return
			case <-ticker.C:
				current := t.Effective()
				if current == lastBytes {
					continue
				}
				elapsed := time.Since(lastUpdate).Seconds()
				t.emitSpeed(current, float64(current-lastBytes)/elapsed)
				lastUpdate = time.Now()
				lastBytes = current
			}
		}
	}()
}

// Stop sends the final report and waits for the tracker goroutine to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.doneCh) })
	t.wg.Wait()
}

func (t *Tracker) emit(current int64, elapsed float64) {
	speed := 0.0
	if elapsed > 0 {
		speed = float64(current) / elapsed
	}
	t.emitSpeed(current, speed)
}

func (t *Tracker) emitSpeed(current int64, speed float64) {
	if t.report != nil {
		t.report(current, t.total, speed)
	}
}
