package vad

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// featureCount is the fixed input size of a VAD scoring model: RMS, log
// energy, zero-crossing rate and peak amplitude of one frame.
const featureCount = 4

var modelMagic = [4]byte{'O', 'E', 'W', '1'}

// ModelDetector scores per-frame acoustic features through a small learned
// model and smooths the result with minimum speech/silence durations so
// single-frame blips do not toggle the speech state.
type ModelDetector struct {
	weights   [featureCount]float32
	bias      float32
	threshold float32

	minSpeechFrames  int
	minSilenceFrames int

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewModelDetector loads the scoring model from cfg.ModelPath.
func NewModelDetector(cfg Config) (*ModelDetector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("no vad model path configured")
	}
	f, err := os.Open(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("open vad model: %w", err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return nil, fmt.Errorf("read vad model magic: %w", err)
	}
	if magic != modelMagic {
		return nil, errors.New("vad model has bad magic")
	}
	var dims [2]uint32
	if err := binary.Read(f, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("read vad model dimensions: %w", err)
	}
	if dims[0] != featureCount || dims[1] != 1 {
		return nil, fmt.Errorf("vad model must be %dx1, got %dx%d", featureCount, dims[0], dims[1])
	}

	d := &ModelDetector{threshold: cfg.ModelThreshold}
	if err := binary.Read(f, binary.LittleEndian, &d.weights); err != nil {
		return nil, fmt.Errorf("read vad model weights: %w", err)
	}
	var bias [1]float32
	if err := binary.Read(f, binary.LittleEndian, &bias); err != nil {
		return nil, fmt.Errorf("read vad model bias: %w", err)
	}
	d.bias = bias[0]

	if d.threshold == 0 {
		d.threshold = 0.5
	}
	d.minSpeechFrames = cfg.MinSpeechFrames
	if d.minSpeechFrames <= 0 {
		d.minSpeechFrames = 2
	}
	d.minSilenceFrames = cfg.MinSilenceFrames
	if d.minSilenceFrames <= 0 {
		d.minSilenceFrames = 4
	}
	return d, nil
}

// Accept scores one frame and returns the smoothed speech state.
func (d *ModelDetector) Accept(frame []float32) bool {
	raw := d.score(frame) > d.threshold

	if d.inSpeech {
		if raw {
			d.silenceCount = 0
		} else {
			d.silenceCount++
			if d.silenceCount >= d.minSilenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
			}
		}
	} else {
		if raw {
			d.speechCount++
			if d.speechCount >= d.minSpeechFrames {
				d.inSpeech = true
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}
	return d.inSpeech
}

// Reset clears smoothing state.
func (d *ModelDetector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

func (d *ModelDetector) score(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}

	level := rms(frame)

	var crossings int
	var peak float64
	prevNeg := frame[0] < 0
	for _, s := range frame {
		neg := s < 0
		if neg != prevNeg {
			crossings++
			prevNeg = neg
		}
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}

	features := [featureCount]float32{
		float32(level),
		float32(math.Log(level*level + 1e-10)),
		float32(crossings) / float32(len(frame)),
		float32(peak),
	}

	acc := d.bias
	for i, w := range d.weights {
		acc += w * features[i]
	}
	return float32(1 / (1 + math.Exp(-float64(acc))))
}
