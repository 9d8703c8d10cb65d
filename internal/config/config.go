package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the effective configuration shared by every component.
//
// The tempo section is the single source of truth for the BPM and the
// tick resolution: the metronome, the file codec and the playback
// scheduler must all be constructed from the same Config so their
// timing stays coherent. Never duplicate these values elsewhere.
type Config struct {
	Tempo    TempoConfig    `mapstructure:"tempo" yaml:"tempo"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Clock    ClockConfig    `mapstructure:"clock" yaml:"clock"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Input    InputConfig    `mapstructure:"input" yaml:"input"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
}

type TempoConfig struct {
	BPM             float64 `mapstructure:"bpm" yaml:"bpm"`
	TicksPerQuarter int     `mapstructure:"ticks_per_quarter" yaml:"ticks_per_quarter"`
	CountInBeats    int     `mapstructure:"count_in_beats" yaml:"count_in_beats"`
}

// TicksPerSecond derives the tick rate from the tempo instead of
// hardcoding it (160 at the 100 BPM / 96 TPQN design point).
func (t TempoConfig) TicksPerSecond() float64 {
	return float64(t.TicksPerQuarter) * t.BPM / 60.0
}

// SecondsPerBeat returns the beat interval used by the metronome.
func (t TempoConfig) SecondsPerBeat() float64 {
	return 60.0 / t.BPM
}

type CaptureConfig struct {
	Mode           string  `mapstructure:"mode" yaml:"mode"`                       // "silence" or "fixed"
	FixedDuration  float64 `mapstructure:"fixed_duration" yaml:"fixed_duration"`   // seconds, fixed mode
	SilenceTimeout float64 `mapstructure:"silence_timeout" yaml:"silence_timeout"` // seconds without a note-on
	MaxDuration    float64 `mapstructure:"max_duration" yaml:"max_duration"`       // hard cap, silence mode
	MinDuration    float64 `mapstructure:"min_duration" yaml:"min_duration"`       // shorter captures are logged as suspect
}

type ClockConfig struct {
	LookaheadSeconds float64 `mapstructure:"lookahead_seconds" yaml:"lookahead_seconds"`
	SettleDelayMs    int     `mapstructure:"settle_delay_ms" yaml:"settle_delay_ms"`
}

// PollIntervalSeconds is the software timer period of the look-ahead
// loop, a quarter of the look-ahead window.
func (c ClockConfig) PollIntervalSeconds() float64 {
	return c.LookaheadSeconds / 4.0
}

type PlaybackConfig struct {
	TargetDurationSeconds float64 `mapstructure:"target_duration_seconds" yaml:"target_duration_seconds"`
	LoopGapMs             int     `mapstructure:"loop_gap_ms" yaml:"loop_gap_ms"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type InputConfig struct {
	Port             string   `mapstructure:"port" yaml:"port"`
	ExcludedPatterns []string `mapstructure:"excluded_patterns" yaml:"excluded_patterns"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Format    string `mapstructure:"format" yaml:"format"`
}

// Capture mode names accepted in CaptureConfig.Mode.
const (
	CaptureModeSilence = "silence"
	CaptureModeFixed   = "fixed"
)

var defaultConfig = Config{
	Tempo: TempoConfig{
		BPM:             100,
		TicksPerQuarter: 96,
		CountInBeats:    4,
	},
	Capture: CaptureConfig{
		Mode:           CaptureModeSilence,
		FixedDuration:  8.0,
		SilenceTimeout: 2.0,
		MaxDuration:    30.0,
		MinDuration:    1.0,
	},
	Clock: ClockConfig{
		LookaheadSeconds: 0.1,
		SettleDelayMs:    100,
	},
	Playback: PlaybackConfig{
		TargetDurationSeconds: 9.6, // 16 beats at 100 BPM
		LoopGapMs:             50,
	},
	Audio: AudioConfig{
		SampleRate: 44100,
	},
	Input: InputConfig{
		ExcludedPatterns: []string{"Midi Through", "Through Port", "Dummy"},
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Music", "MidiCapture"),
		Format:    "mid",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// Load reads the YAML config file at path and merges it over the
// defaults. A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, cfg.Validate()
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tempo.bpm", defaultConfig.Tempo.BPM)
	v.SetDefault("tempo.ticks_per_quarter", defaultConfig.Tempo.TicksPerQuarter)
	v.SetDefault("tempo.count_in_beats", defaultConfig.Tempo.CountInBeats)
	v.SetDefault("capture.mode", defaultConfig.Capture.Mode)
	v.SetDefault("capture.fixed_duration", defaultConfig.Capture.FixedDuration)
	v.SetDefault("capture.silence_timeout", defaultConfig.Capture.SilenceTimeout)
	v.SetDefault("capture.max_duration", defaultConfig.Capture.MaxDuration)
	v.SetDefault("capture.min_duration", defaultConfig.Capture.MinDuration)
	v.SetDefault("clock.lookahead_seconds", defaultConfig.Clock.LookaheadSeconds)
	v.SetDefault("clock.settle_delay_ms", defaultConfig.Clock.SettleDelayMs)
	v.SetDefault("playback.target_duration_seconds", defaultConfig.Playback.TargetDurationSeconds)
	v.SetDefault("playback.loop_gap_ms", defaultConfig.Playback.LoopGapMs)
	v.SetDefault("audio.sample_rate", defaultConfig.Audio.SampleRate)
	v.SetDefault("input.port", defaultConfig.Input.Port)
	v.SetDefault("input.excluded_patterns", defaultConfig.Input.ExcludedPatterns)
	v.SetDefault("output.directory", defaultConfig.Output.Directory)
	v.SetDefault("output.format", defaultConfig.Output.Format)
}

// Validate checks the numeric ranges a session depends on.
func (c *Config) Validate() error {
	if c.Tempo.BPM <= 0 {
		return fmt.Errorf("tempo.bpm must be positive, got %v", c.Tempo.BPM)
	}
	if c.Tempo.TicksPerQuarter <= 0 {
		return fmt.Errorf("tempo.ticks_per_quarter must be positive, got %d", c.Tempo.TicksPerQuarter)
	}
	if c.Tempo.CountInBeats < 0 {
		return fmt.Errorf("tempo.count_in_beats must not be negative, got %d", c.Tempo.CountInBeats)
	}
	switch c.Capture.Mode {
	case CaptureModeSilence, CaptureModeFixed:
	default:
		return fmt.Errorf("capture.mode must be %q or %q, got %q",
			CaptureModeSilence, CaptureModeFixed, c.Capture.Mode)
	}
	if c.Capture.SilenceTimeout <= 0 {
		return fmt.Errorf("capture.silence_timeout must be positive, got %v", c.Capture.SilenceTimeout)
	}
	if c.Capture.FixedDuration <= 0 {
		return fmt.Errorf("capture.fixed_duration must be positive, got %v", c.Capture.FixedDuration)
	}
	if c.Capture.MaxDuration < c.Capture.SilenceTimeout {
		return fmt.Errorf("capture.max_duration (%v) must not be below capture.silence_timeout (%v)",
			c.Capture.MaxDuration, c.Capture.SilenceTimeout)
	}
	if c.Clock.LookaheadSeconds <= 0 {
		return fmt.Errorf("clock.lookahead_seconds must be positive, got %v", c.Clock.LookaheadSeconds)
	}
	if c.Playback.TargetDurationSeconds <= 0 {
		return fmt.Errorf("playback.target_duration_seconds must be positive, got %v", c.Playback.TargetDurationSeconds)
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate must be between 8000 and 192000, got %d", c.Audio.SampleRate)
	}
	if c.Output.Format != "mid" && c.Output.Format != "midi" {
		return fmt.Errorf("output.format must be \"mid\" or \"midi\", got %q", c.Output.Format)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
