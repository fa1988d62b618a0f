package hls

import (
	"bufio"
	"bytes"
	"sync"
	"time"
)

// emitter throttles progress callbacks to one per interval. The final 1.0
// emission always goes through.
type emitter struct {
	fn       ProgressFunc
	interval time.Duration

	mu    sync.Mutex
	start time.Time
	last  time.Time
}

func newEmitter(fn ProgressFunc, interval time.Duration) *emitter {
	return &emitter{fn: fn, interval: interval, start: time.Now()}
}

// update forwards a progress sample unless one was emitted too recently.
func (e *emitter) update(fraction float64, size, speed string) {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	now := time.Now()
	if !e.last.IsZero() && now.Sub(e.last) < e.interval {
		e.mu.Unlock()
		return
	}
	e.last = now
	elapsed := now.Sub(e.start)
	e.mu.Unlock()

	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	e.fn(Progress{Fraction: fraction, Elapsed: elapsed, Size: size, Speed: speed})
}

// final emits the terminal 1.0 sample, bypassing the throttle.
func (e *emitter) final() {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	e.last = time.Now()
	elapsed := e.last.Sub(e.start)
	e.mu.Unlock()

	e.fn(Progress{Fraction: 1.0, Elapsed: elapsed})
}

// scanLines splits on both newlines and carriage returns, so in-place
// status updates from subprocess output become separate tokens.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = scanLines

// tailBuffer retains the last max bytes written, for error reporting.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}
