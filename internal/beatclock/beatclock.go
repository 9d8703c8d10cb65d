// Package beatclock drives the metronome: audible clicks at a fixed
// tempo, a mandatory count-in, and a one-shot handoff to the recorder
// when the count-in completes.
package beatclock

import (
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/midicapture/internal/audio"
	"github.com/audiolibrelab/midicapture/internal/config"
)

// Indicator receives visual beat state. Implementations must be
// cheap; calls happen on the engine's callback goroutine. A nil
// indicator is valid and simply ignored.
type Indicator interface {
	// Beat reports an audible beat: 1..N during the count-in, then a
	// monotonically increasing count once recording-time beats start.
	Beat(beat int, countingIn bool)
	// Reset clears any beat display. Called unconditionally on stop,
	// including mid count-in.
	Reset()
}

// Clock is the look-ahead metronome scheduler.
//
// A software poll timer runs at a quarter of the look-ahead window
// and enqueues every beat whose target time falls inside
// [now, now+lookahead] against the audio engine, which handles the
// precise firing. The next beat time always advances by exactly
// 60/bpm from the previous one, so timer jitter never accumulates
// into drift. As a liveness guard one beat is kept in flight even
// when the window is empty, so a stalled poll timer cannot starve
// the beat chain.
type Clock struct {
	engine audio.Engine
	tempo  config.TempoConfig
	clk    config.ClockConfig

	onCountInComplete func()

	mu           sync.Mutex
	indicator    Indicator
	playing      bool
	countInTotal int // beats of count-in for this session, 0 when disabled
	countInBeat  int // 0..countInTotal, strictly increasing while counting in
	countingIn   bool
	beatCount    int // recording-time beats, reset to 0 at handoff
	nextBeatTime float64
	scheduled    int // beats handed to the engine
	fired        int // beats whose audible time has passed
	generation   uint64
	handles      []audio.Handle
	stopPoll     chan struct{}
}

// New builds a clock on the shared engine. onCountInComplete is
// invoked once per session, a settle delay after the final count-in
// beat; it may be nil when count-in is disabled.
func New(engine audio.Engine, tempo config.TempoConfig, clk config.ClockConfig, onCountInComplete func()) *Clock {
	return &Clock{
		engine:            engine,
		tempo:             tempo,
		clk:               clk,
		onCountInComplete: onCountInComplete,
	}
}

// SetIndicator installs the visual sink. May be called at any time;
// nil detaches it.
func (c *Clock) SetIndicator(ind Indicator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indicator = ind
}

// Start resumes the audio transport and begins scheduling beats. With
// countIn true the configured count-in precedes the recording-time
// beats. A clock that is already playing is stopped and restarted.
func (c *Clock) Start(countIn bool) error {
	if err := audio.ResumeRetry(c.engine); err != nil {
		return err
	}

	c.mu.Lock()
	if c.playing {
		c.stopLocked()
	}

	c.playing = true
	c.countInTotal = 0
	if countIn {
		c.countInTotal = c.tempo.CountInBeats
	}
	c.countingIn = c.countInTotal > 0
	c.countInBeat = 0
	c.beatCount = 0
	c.scheduled = 0
	c.fired = 0
	c.nextBeatTime = c.engine.Now() + c.clk.PollIntervalSeconds()

	if countIn && c.countInTotal == 0 {
		// Count-in disabled by configuration: hand off right away.
		gen := c.generation
		c.handles = append(c.handles, c.engine.TriggerAt(c.engine.Now(), func() {
			c.handoff(gen)
		}))
	}

	c.scheduleDueLocked()

	stop := make(chan struct{})
	c.stopPoll = stop
	gen := c.generation
	c.mu.Unlock()

	go c.poll(stop, gen)
	slog.Debug("beat clock started", "bpm", c.tempo.BPM, "count_in", c.countInTotal)
	return nil
}

// Stop halts scheduling and cancels every pending beat and the
// count-in handoff, then resets visual state. Safe to call when not
// playing; the visual reset still happens.
func (c *Clock) Stop() {
	c.mu.Lock()
	ind := c.indicator
	if c.playing {
		c.stopLocked()
	}
	c.mu.Unlock()

	if ind != nil {
		ind.Reset()
	}
}

func (c *Clock) stopLocked() {
	c.playing = false
	c.countingIn = false
	c.countInBeat = 0
	c.beatCount = 0
	c.generation++
	for _, h := range c.handles {
		c.engine.Cancel(h)
	}
	c.handles = nil
	if c.stopPoll != nil {
		close(c.stopPoll)
		c.stopPoll = nil
	}
}

// State is a snapshot of the observable clock state.
type State struct {
	Playing     bool
	CountingIn  bool
	CountInBeat int
	BeatCount   int
}

func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Playing:     c.playing,
		CountingIn:  c.countingIn,
		CountInBeat: c.countInBeat,
		BeatCount:   c.beatCount,
	}
}

func (c *Clock) poll(stop chan struct{}, gen uint64) {
	interval := time.Duration(float64(time.Second) * c.clk.PollIntervalSeconds())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.generation == gen && c.playing {
				c.scheduleDueLocked()
			}
			c.mu.Unlock()
		}
	}
}

// scheduleDueLocked enqueues every beat inside the look-ahead window,
// and at least one beat whenever none is in flight.
func (c *Clock) scheduleDueLocked() {
	now := c.engine.Now()
	horizon := now + c.clk.LookaheadSeconds

	for c.nextBeatTime < horizon || c.scheduled == c.fired {
		idx := c.scheduled
		at := c.nextBeatTime
		gen := c.generation

		accented := idx < c.countInTotal || (idx-c.countInTotal)%4 == 0
		c.handles = append(c.handles, c.engine.PlayClick(at, accented))
		c.handles = append(c.handles, c.engine.TriggerAt(at, func() {
			c.beatFired(gen, idx, at)
		}))

		c.scheduled++
		c.nextBeatTime += c.tempo.SecondsPerBeat()
	}
}

// beatFired runs at the audible time of beat idx. It advances the
// observable counters, arms the handoff after the final count-in
// beat, and tops up the schedule so the beat chain stays alive.
func (c *Clock) beatFired(gen uint64, idx int, at float64) {
	c.mu.Lock()
	if gen != c.generation || !c.playing {
		c.mu.Unlock()
		return
	}
	c.fired++

	ind := c.indicator
	var beat int
	countingIn := idx < c.countInTotal
	if countingIn {
		c.countInBeat = idx + 1
		beat = c.countInBeat
		if c.countInBeat == c.countInTotal {
			// Count-in complete: recording-time beats start at zero and
			// the recorder is started after a settle delay, so the first
			// captured note cannot race the clock reset. The handoff
			// trigger is cancellable; Stop during the delay aborts it.
			c.countingIn = false
			c.beatCount = 0
			settle := float64(c.clk.SettleDelayMs) / 1000.0
			c.handles = append(c.handles, c.engine.TriggerAt(at+settle, func() {
				c.handoff(gen)
			}))
		}
	} else {
		c.beatCount++
		beat = c.beatCount
	}

	c.scheduleDueLocked()
	c.mu.Unlock()

	if ind != nil {
		ind.Beat(beat, countingIn)
	}
}

func (c *Clock) handoff(gen uint64) {
	c.mu.Lock()
	stale := gen != c.generation || !c.playing
	cb := c.onCountInComplete
	c.mu.Unlock()

	if stale || cb == nil {
		return
	}
	slog.Debug("count-in complete, starting capture")
	cb()
}
