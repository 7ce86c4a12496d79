package vad

import "fmt"

// EnergyDetector is an RMS-threshold detector with hysteresis: separate
// start/end thresholds and consecutive-frame counts keep it from
// flickering between states at the boundary. Thresholds are empirical and
// environment-dependent; they are configuration, not constants.
type EnergyDetector struct {
	speechThreshold  float64
	silenceThreshold float64
	speechFrames     int
	silenceFrames    int

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewEnergyDetector creates the zero-dependency fallback detector. Zero
// config fields pick defaults tuned for 16 kHz frames.
func NewEnergyDetector(cfg Config) (*EnergyDetector, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.015
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.008
	}
	if cfg.SpeechFrames == 0 {
		cfg.SpeechFrames = 2
	}
	if cfg.SilenceFrames == 0 {
		cfg.SilenceFrames = 3
	}
	if cfg.SpeechThreshold < 0 || cfg.SilenceThreshold < 0 {
		return nil, fmt.Errorf("vad thresholds must be non-negative: speech=%v silence=%v",
			cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("vad silence threshold %v must not exceed speech threshold %v",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &EnergyDetector{
		speechThreshold:  cfg.SpeechThreshold,
		silenceThreshold: cfg.SilenceThreshold,
		speechFrames:     cfg.SpeechFrames,
		silenceFrames:    cfg.SilenceFrames,
	}, nil
}

// Accept classifies one frame and returns the smoothed speech state.
func (d *EnergyDetector) Accept(frame []float32) bool {
	level := rms(frame)

	if d.inSpeech {
		if level < d.silenceThreshold {
			d.silenceCount++
			d.speechCount = 0
			if d.silenceCount >= d.silenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.speechThreshold {
			d.speechCount++
			d.silenceCount = 0
			if d.speechCount >= d.speechFrames {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}
	return d.inSpeech
}

// Reset clears all hysteresis state.
func (d *EnergyDetector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}
