// Package vad classifies audio frames as speech or non-speech. Two
// implementations share the Detector interface: an energy detector that
// needs no model assets, and a model-backed detector with duration
// smoothing. The rest of the pipeline does not care which one is active.
package vad

import (
	"fmt"
	"log/slog"
	"math"
)

// Detector consumes fixed-size frames and reports per-frame speech
// presence. Implementations are stateful and not safe for concurrent use.
type Detector interface {
	Accept(frame []float32) bool
	Reset()
}

// Config selects and tunes the detector. Mode "energy" uses RMS
// thresholds; mode "model" loads a scoring model from ModelPath and falls
// back to energy when the model is unavailable.
type Config struct {
	Mode             string
	SpeechThreshold  float64 // RMS level that starts speech
	SilenceThreshold float64 // RMS level that ends speech
	SpeechFrames     int     // consecutive speech frames to trigger
	SilenceFrames    int     // consecutive silence frames to end
	ModelPath        string
	ModelThreshold   float32
	MinSpeechFrames  int // model smoothing: frames before speech is reported
	MinSilenceFrames int // model smoothing: frames before silence is reported
}

// New selects a detector per config. Model load failures are logged and
// degrade to the energy detector rather than failing initialization.
func New(cfg Config, log *slog.Logger) (Detector, error) {
	switch cfg.Mode {
	case "", "energy":
		return NewEnergyDetector(cfg)
	case "model":
		d, err := NewModelDetector(cfg)
		if err != nil {
			log.Warn("vad model unavailable, falling back to energy detector",
				slog.String("path", cfg.ModelPath),
				slog.String("error", err.Error()))
			return NewEnergyDetector(cfg)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown vad mode %q", cfg.Mode)
	}
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var acc float64
	for _, s := range frame {
		acc += float64(s) * float64(s)
	}
	return math.Sqrt(acc / float64(len(frame)))
}
