package audio

import (
	"container/heap"
	"fmt"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// Click voice shape: a short decaying sine burst. The accented click
// (first beat of a bar, count-in) sits a fifth-ish above the regular
// one so the downbeat is audible without watching an indicator.
const (
	clickAccentHz  = 1000.0
	clickRegularHz = 800.0
	clickDuration  = 0.03
	clickAmplitude = 0.6
)

// OtoEngine is the production Engine: an oto output stream whose
// render cursor is the monotonic clock. Scheduled events fire inside
// the render loop when the cursor reaches them, so their timing is
// bound to the audio hardware, not to Go timers.
type OtoEngine struct {
	player *oto.Player
	mix    *mixer
}

// NewOtoEngine opens the audio device and starts the transport.
// Creating more than one engine per process voids relative timing
// guarantees between components; the owner is expected to share the
// instance.
func NewOtoEngine(sampleRate int) (*OtoEngine, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	<-ready

	m := newMixer(sampleRate)
	p := ctx.NewPlayer(m)
	p.Play()
	return &OtoEngine{player: p, mix: m}, nil
}

func (e *OtoEngine) Now() float64 {
	return e.mix.now()
}

func (e *OtoEngine) PlayClick(at float64, accented bool) Handle {
	return e.mix.schedule(at, &clickVoice{accented: accented, rate: e.mix.rate}, nil)
}

func (e *OtoEngine) TriggerAt(at float64, fn func()) Handle {
	return e.mix.schedule(at, nil, fn)
}

func (e *OtoEngine) Cancel(h Handle) {
	e.mix.cancel(h)
}

func (e *OtoEngine) Suspend() error {
	e.player.Pause()
	return e.player.Err()
}

func (e *OtoEngine) Resume() error {
	e.player.Play()
	return e.player.Err()
}

func (e *OtoEngine) Close() error {
	return e.player.Close()
}

// mixer renders scheduled clicks into the output stream and fires
// trigger callbacks as the cursor passes their times.
type mixer struct {
	rate int

	mu       sync.Mutex
	pos      int64 // samples rendered since start
	next     Handle
	events   eventHeap
	canceled map[Handle]struct{}
	voices   []*clickVoice
}

func newMixer(rate int) *mixer {
	return &mixer{rate: rate, next: 1, canceled: make(map[Handle]struct{})}
}

func (m *mixer) now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.pos) / float64(m.rate)
}

func (m *mixer) schedule(at float64, voice *clickVoice, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.next
	m.next++
	sample := int64(math.Round(at * float64(m.rate)))
	if sample < m.pos {
		sample = m.pos
	}
	heap.Push(&m.events, &scheduledEvent{at: sample, handle: h, voice: voice, fn: fn})
	return h
}

func (m *mixer) cancel(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled[h] = struct{}{}
}

// Read implements io.Reader for the oto player. It pops events due
// within this buffer, renders active click voices, and collects
// trigger callbacks to invoke after the lock is released so a
// callback can safely call back into the engine.
func (m *mixer) Read(p []byte) (int, error) {
	frames := len(p) / 2

	m.mu.Lock()
	var fns []func()
	for len(m.events) > 0 && m.events[0].at < m.pos+int64(frames) {
		ev := heap.Pop(&m.events).(*scheduledEvent)
		if _, skip := m.canceled[ev.handle]; skip {
			delete(m.canceled, ev.handle)
			continue
		}
		if ev.voice != nil {
			ev.voice.delay = int(ev.at - m.pos)
			m.voices = append(m.voices, ev.voice)
		}
		if ev.fn != nil {
			fns = append(fns, ev.fn)
		}
	}

	for i := 0; i < frames; i++ {
		var sample float64
		for _, v := range m.voices {
			sample += v.render()
		}
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		s := int16(sample * math.MaxInt16)
		p[2*i] = byte(s)
		p[2*i+1] = byte(s >> 8)
	}

	live := m.voices[:0]
	for _, v := range m.voices {
		if !v.done() {
			live = append(live, v)
		}
	}
	m.voices = live
	m.pos += int64(frames)
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return frames * 2, nil
}

type scheduledEvent struct {
	at     int64
	handle Handle
	voice  *clickVoice
	fn     func()
}

type eventHeap []*scheduledEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*scheduledEvent)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

type clickVoice struct {
	accented bool
	rate     int
	delay    int // samples to wait within the stream before sounding
	n        int // samples rendered so far
	phase    float64
}

func (v *clickVoice) render() float64 {
	if v.delay > 0 {
		v.delay--
		return 0
	}
	total := int(clickDuration * float64(v.rate))
	if v.n >= total {
		return 0
	}
	freq := clickRegularHz
	if v.accented {
		freq = clickAccentHz
	}
	// Linear decay over the click window.
	amp := clickAmplitude * (1 - float64(v.n)/float64(total))
	s := amp * math.Sin(v.phase)
	v.phase += 2 * math.Pi * freq / float64(v.rate)
	v.n++
	return s
}

func (v *clickVoice) done() bool {
	return v.delay <= 0 && v.n >= int(clickDuration*float64(v.rate))
}
