// Package audiotest provides a fake audio engine with a manually
// advanced clock, so scheduling code can be tested deterministically
// without an audio device.
package audiotest

import (
	"sort"
	"sync"

	"github.com/audiolibrelab/midicapture/internal/audio"
)

// Click records a metronome click scheduled through the fake engine,
// in the order the clock reached it.
type Click struct {
	At       float64
	Accented bool
}

// Engine implements audio.Engine. Advance moves the clock forward and
// fires every due event synchronously on the calling goroutine.
type Engine struct {
	mu        sync.Mutex
	now       float64
	next      audio.Handle
	pending   []*event
	clicks    []Click
	suspended bool
	closed    bool

	// ResumeErr, when non-nil, is returned by the next Resume call and
	// then cleared, to exercise the retry-once path.
	ResumeErr error
}

type event struct {
	at       float64
	handle   audio.Handle
	click    bool
	accented bool
	fn       func()
}

func NewEngine() *Engine {
	return &Engine{next: 1}
}

func (e *Engine) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *Engine) PlayClick(at float64, accented bool) audio.Handle {
	return e.schedule(&event{at: at, click: true, accented: accented})
}

func (e *Engine) TriggerAt(at float64, fn func()) audio.Handle {
	return e.schedule(&event{at: at, fn: fn})
}

func (e *Engine) schedule(ev *event) audio.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev.handle = e.next
	e.next++
	if ev.at < e.now {
		ev.at = e.now
	}
	e.pending = append(e.pending, ev)
	return ev.handle
}

func (e *Engine) Cancel(h audio.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ev := range e.pending {
		if ev.handle == h {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

func (e *Engine) Suspend() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = true
	return nil
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ResumeErr != nil {
		err := e.ResumeErr
		e.ResumeErr = nil
		return err
	}
	e.suspended = false
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Advance moves the clock by dt seconds and fires due events in time
// order. Callbacks run without the engine lock held, so they may
// schedule or cancel further events; events they schedule inside the
// advanced window fire in the same call.
func (e *Engine) Advance(dt float64) {
	e.mu.Lock()
	target := e.now + dt
	e.mu.Unlock()

	for {
		e.mu.Lock()
		var due *event
		for _, ev := range e.pending {
			if ev.at <= target && (due == nil || ev.at < due.at || (ev.at == due.at && ev.handle < due.handle)) {
				due = ev
			}
		}
		if due == nil {
			e.now = target
			e.mu.Unlock()
			return
		}
		for i, ev := range e.pending {
			if ev == due {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				break
			}
		}
		e.now = due.at
		if due.click {
			e.clicks = append(e.clicks, Click{At: due.at, Accented: due.accented})
		}
		e.mu.Unlock()

		if due.fn != nil {
			due.fn()
		}
	}
}

// Clicks returns the clicks fired so far, oldest first.
func (e *Engine) Clicks() []Click {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Click, len(e.clicks))
	copy(out, e.clicks)
	return out
}

// PendingTimes returns the clock times of not-yet-fired events,
// sorted ascending.
func (e *Engine) PendingTimes() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, 0, len(e.pending))
	for _, ev := range e.pending {
		out = append(out, ev.at)
	}
	sort.Float64s(out)
	return out
}

// Pending reports how many scheduled events have not fired.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Suspended reports whether the transport is currently suspended.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
