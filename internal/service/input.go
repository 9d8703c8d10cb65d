package service

import (
	"fmt"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/audiolibrelab/midicapture/internal/config"
)

// NoteSource delivers live note events to a capture session. The
// production source is a MIDI input port; tests substitute their own.
type NoteSource interface {
	// Start opens the source and begins delivering events to emit.
	// The returned stop function closes the source; it must be safe
	// to call once.
	Start(emit func(note, velocity uint8, noteOn bool)) (stop func(), err error)
}

// midiSource reads from a MIDI input port via rtmidi.
type midiSource struct {
	cfg config.InputConfig
}

func newMIDISource(cfg config.InputConfig) *midiSource {
	return &midiSource{cfg: cfg}
}

func (m *midiSource) Start(emit func(note, velocity uint8, noteOn bool)) (func(), error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize midi driver: %w", err)
	}

	in, err := m.pickInput(drv)
	if err != nil {
		drv.Close()
		return nil, err
	}
	if err := in.Open(); err != nil {
		drv.Close()
		return nil, fmt.Errorf("failed to open midi input %q: %w", in.String(), err)
	}

	stopListen, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
		var ch, key, vel uint8
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			emit(key, vel, true)
		case msg.GetNoteEnd(&ch, &key):
			emit(key, 0, false)
		}
	}, midi.HandleError(func(err error) {
		// A listener error does not end the session; the capture
		// keeps whatever it already received.
		slog.Warn("midi listener error", "device", in.String(), "error", err)
	}))
	if err != nil {
		in.Close()
		drv.Close()
		return nil, fmt.Errorf("failed to listen on midi input %q: %w", in.String(), err)
	}

	slog.Info("midi input connected", "device", in.String())
	return func() {
		stopListen()
		in.Close()
		drv.Close()
	}, nil
}

// pickInput selects the configured port, or the first port that is
// not excluded (virtual through-ports and the like).
func (m *midiSource) pickInput(drv *rtmididrv.Driver) (drivers.In, error) {
	ins, err := drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("failed to list midi inputs: %w", err)
	}

	var candidates []drivers.In
	for _, in := range ins {
		if m.excluded(in.String()) {
			slog.Debug("midi input excluded", "device", in.String())
			continue
		}
		candidates = append(candidates, in)
	}

	if m.cfg.Port != "" {
		for _, in := range candidates {
			if strings.Contains(strings.ToLower(in.String()), strings.ToLower(m.cfg.Port)) {
				return in, nil
			}
		}
		return nil, fmt.Errorf("midi input %q not found", m.cfg.Port)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no midi input available")
	}
	return candidates[0], nil
}

func (m *midiSource) excluded(name string) bool {
	for _, pat := range m.cfg.ExcludedPatterns {
		if strings.Contains(strings.ToLower(name), strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// ListSources returns the names of the available, non-excluded MIDI
// input ports.
func ListSources(cfg config.InputConfig) ([]string, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize midi driver: %w", err)
	}
	defer drv.Close()

	ins, err := drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("failed to list midi inputs: %w", err)
	}

	src := &midiSource{cfg: cfg}
	var names []string
	for _, in := range ins {
		if !src.excluded(in.String()) {
			names = append(names, in.String())
		}
	}
	return names, nil
}
