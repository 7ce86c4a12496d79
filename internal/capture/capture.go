// Package capture segments a speech utterance out of a continuous frame
// stream using a voice activity detector. One Utterance (or a no-speech
// outcome) is produced per Idle -> Accumulating -> Finalizing -> Idle cycle.
package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/openear/listend/internal/vad"
)

// Utterance is an accumulated stretch of audio handed to recognition.
// Ownership transfers to the caller on finalize; the capturer keeps no
// reference.
type Utterance struct {
	Samples        []float32
	StartedAt      time.Time
	SpeechDetected bool
}

// Duration returns the audio length at the given sample rate.
func (u *Utterance) Duration(sampleRate int) time.Duration {
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(sampleRate)
}

// State is the capturer's segmentation phase.
type State int

const (
	// StateIdle waits for the first speech frame.
	StateIdle State = iota
	// StateAccumulating collects frames until the silence timeout.
	StateAccumulating
)

// Config bounds the captured utterance.
type Config struct {
	SampleRate     int
	FrameSize      int
	SilenceTimeout time.Duration // silence that ends an utterance
	MinSpeech      time.Duration // shorter results are discarded as no-speech
	MaxDuration    time.Duration // force-finalize bound
}

func (c Config) validate() error {
	if c.SampleRate <= 0 || c.FrameSize <= 0 {
		return fmt.Errorf("sample rate %d and frame size %d must be positive", c.SampleRate, c.FrameSize)
	}
	if c.SilenceTimeout <= 0 || c.MinSpeech <= 0 || c.MaxDuration <= 0 {
		return fmt.Errorf("durations must be positive: silence=%v min=%v max=%v",
			c.SilenceTimeout, c.MinSpeech, c.MaxDuration)
	}
	if c.MinSpeech >= c.MaxDuration {
		return fmt.Errorf("min speech %v must be below max duration %v", c.MinSpeech, c.MaxDuration)
	}
	return nil
}

// Capture is the utterance segmentation state machine. Not safe for
// concurrent use; one goroutine feeds it frames in arrival order.
type Capture struct {
	cfg      Config
	detector vad.Detector
	log      *slog.Logger
	clock    func() time.Time

	state          State
	samples        []float32
	silence        time.Duration
	silenceSamples int
	startedAt      time.Time

	frameDur   time.Duration
	maxSamples int
	minSamples int
}

// New creates a capturer over the given detector.
func New(cfg Config, detector vad.Detector, log *slog.Logger) (*Capture, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("capture config: %w", err)
	}
	return &Capture{
		cfg:        cfg,
		detector:   detector,
		log:        log.With(slog.String("component", "utterance-capture")),
		clock:      time.Now,
		frameDur:   time.Duration(cfg.FrameSize) * time.Second / time.Duration(cfg.SampleRate),
		maxSamples: int(cfg.MaxDuration.Seconds() * float64(cfg.SampleRate)),
		minSamples: int(cfg.MinSpeech.Seconds() * float64(cfg.SampleRate)),
	}, nil
}

// State returns the current segmentation phase.
func (c *Capture) State() State { return c.state }

// Push feeds one frame. While the utterance is open it returns
// (nil, false). On finalize it returns (utterance, true), or (nil, true)
// when the accumulated audio was too short and is discarded as no-speech.
func (c *Capture) Push(frame []float32) (*Utterance, bool) {
	isSpeech := c.detector.Accept(frame)

	switch c.state {
	case StateIdle:
		if !isSpeech {
			return nil, false
		}
		c.state = StateAccumulating
		c.startedAt = c.clock()
		c.silence = 0
		c.samples = append(c.samples, frame...)
		return nil, false

	case StateAccumulating:
		// Every frame is kept regardless of the per-frame VAD result so
		// trailing fragments at the silence boundary are not lost. Only the
		// silence timer consults the detector.
		c.samples = append(c.samples, frame...)
		if isSpeech {
			c.silence = 0
			c.silenceSamples = 0
		} else {
			c.silence += c.frameDur
			c.silenceSamples += len(frame)
		}

		if c.silence >= c.cfg.SilenceTimeout {
			return c.finalize("silence")
		}
		if len(c.samples) >= c.maxSamples {
			return c.finalize("max duration")
		}
		return nil, false
	}
	return nil, false
}

// Reset drops any partial utterance and returns to Idle.
func (c *Capture) Reset() {
	c.state = StateIdle
	c.samples = nil
	c.silence = 0
	c.silenceSamples = 0
	c.detector.Reset()
}

func (c *Capture) finalize(reason string) (*Utterance, bool) {
	samples := c.samples
	startedAt := c.startedAt
	// The trailing silence run that triggered the finalize is not speech;
	// it must not count toward the minimum speech duration.
	speechSamples := len(samples) - c.silenceSamples
	c.samples = nil
	c.state = StateIdle
	c.silence = 0
	c.silenceSamples = 0
	c.detector.Reset()

	if speechSamples < c.minSamples {
		c.log.Debug("utterance below minimum speech duration, discarding",
			slog.Int("speech_samples", speechSamples),
			slog.Int("samples", len(samples)),
			slog.String("reason", reason))
		return nil, true
	}

	c.log.Debug("utterance finalized",
		slog.Int("samples", len(samples)),
		slog.String("reason", reason))
	return &Utterance{
		Samples:        samples,
		StartedAt:      startedAt,
		SpeechDetected: true,
	}, true
}
