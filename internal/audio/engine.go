// Package audio provides the clock and scheduling surface the
// metronome and the playback scheduler are built on.
//
// The engine owns a monotonic sample-position clock and fires
// scheduled events when the render cursor reaches them, so event
// timing is as accurate as the audio buffer size regardless of how
// imprecise the callers' software timers are. Components that need
// clock coherence (the beat clock and the playback scheduler) must
// share one engine instance; the service owns it and injects it at
// construction.
package audio

// Handle identifies a scheduled event so it can be cancelled.
// Handle 0 is never issued.
type Handle uint64

// Engine is the hardware audio clock and trigger scheduler.
//
// Now returns seconds of audio rendered since the engine started; it
// only advances while the transport runs. PlayClick enqueues a
// metronome click at the given clock time. TriggerAt runs fn when the
// clock reaches at; fn is invoked off the caller's goroutine and must
// not block. Cancelling an already-fired or unknown handle is a
// no-op.
type Engine interface {
	Now() float64
	PlayClick(at float64, accented bool) Handle
	TriggerAt(at float64, fn func()) Handle
	Cancel(h Handle)
	Suspend() error
	Resume() error
	Close() error
}

// ResumeRetry resumes the engine transport, retrying once on failure.
// Resume is the only operation in this package that is ever retried.
func ResumeRetry(e Engine) error {
	if err := e.Resume(); err != nil {
		return e.Resume()
	}
	return nil
}
