package wake

import (
	"fmt"
	"math"
	"math/cmplx"
)

// MelConfig describes the spectrogram front end. Defaults match the
// openWakeWord-style feature extractor: 512-sample analysis window, 160
// sample hop (10 ms at 16 kHz), 32 mel bins.
type MelConfig struct {
	SampleRate int
	Window     int
	Hop        int
	Bins       int
}

// MelSpectrogram converts raw samples into log-mel feature rows. It is the
// default Spectrogram stage of the wake engine.
type MelSpectrogram struct {
	cfg     MelConfig
	hann    []float64
	filters [][]float64
	fftSize int
}

const logFloor = 1e-6

// NewMelSpectrogram builds the analysis window and mel filterbank.
func NewMelSpectrogram(cfg MelConfig) (*MelSpectrogram, error) {
	if cfg.SampleRate <= 0 || cfg.Window <= 0 || cfg.Hop <= 0 || cfg.Bins <= 0 {
		return nil, fmt.Errorf("invalid mel config: rate=%d window=%d hop=%d bins=%d",
			cfg.SampleRate, cfg.Window, cfg.Hop, cfg.Bins)
	}
	if cfg.Window&(cfg.Window-1) != 0 {
		return nil, fmt.Errorf("mel window %d must be a power of two", cfg.Window)
	}

	hann := make([]float64, cfg.Window)
	for i := range hann {
		hann[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(cfg.Window-1))
	}

	return &MelSpectrogram{
		cfg:     cfg,
		hann:    hann,
		filters: melFilterbank(cfg.Bins, cfg.Window, cfg.SampleRate),
		fftSize: cfg.Window,
	}, nil
}

// Bins returns the number of mel bands per row.
func (m *MelSpectrogram) Bins() int { return m.cfg.Bins }

// Overlap returns the extra sample history needed ahead of a frame so that
// analysis windows stay continuous across frame boundaries.
func (m *MelSpectrogram) Overlap() int { return m.cfg.Window - m.cfg.Hop }

// RowsPerFrame returns how many mel rows a frame of frameSize samples
// yields when computed with Overlap() samples of history.
func (m *MelSpectrogram) RowsPerFrame(frameSize int) int { return frameSize / m.cfg.Hop }

// Compute turns samples into log-mel rows, one per hop. len(samples) must
// cover at least one full analysis window.
func (m *MelSpectrogram) Compute(samples []float32) ([][]float32, error) {
	if len(samples) < m.cfg.Window {
		return nil, fmt.Errorf("need at least %d samples, got %d", m.cfg.Window, len(samples))
	}

	rows := (len(samples)-m.cfg.Window)/m.cfg.Hop + 1
	out := make([][]float32, 0, rows)
	buf := make([]complex128, m.fftSize)

	for r := 0; r < rows; r++ {
		offset := r * m.cfg.Hop
		for i := 0; i < m.cfg.Window; i++ {
			buf[i] = complex(float64(samples[offset+i])*m.hann[i], 0)
		}
		for i := m.cfg.Window; i < m.fftSize; i++ {
			buf[i] = 0
		}
		fft(buf)

		half := m.fftSize/2 + 1
		power := make([]float64, half)
		for i := 0; i < half; i++ {
			mag := cmplx.Abs(buf[i])
			power[i] = mag * mag
		}

		row := make([]float32, m.cfg.Bins)
		for b, filter := range m.filters {
			var acc float64
			for i, w := range filter {
				if w != 0 {
					acc += w * power[i]
				}
			}
			row[b] = float32(math.Log(acc + logFloor))
		}
		out = append(out, row)
	}
	return out, nil
}

// fft computes an in-place radix-2 Cooley-Tukey FFT. len(buf) must be a
// power of two.
func fft(buf []complex128) {
	n := len(buf)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, angle)
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := 0; j < length/2; j++ {
				u := buf[i+j]
				v := buf[i+j+length/2] * w
				buf[i+j] = u + v
				buf[i+j+length/2] = u - v
				w *= wl
			}
		}
	}
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// melFilterbank builds triangular filters spanning 0 Hz to Nyquist.
func melFilterbank(bins, window, sampleRate int) [][]float64 {
	half := window/2 + 1
	low := hzToMel(0)
	high := hzToMel(float64(sampleRate) / 2)

	points := make([]float64, bins+2)
	for i := range points {
		mel := low + (high-low)*float64(i)/float64(bins+1)
		points[i] = melToHz(mel) * float64(window) / float64(sampleRate)
	}

	filters := make([][]float64, bins)
	for b := 0; b < bins; b++ {
		filter := make([]float64, half)
		left, center, right := points[b], points[b+1], points[b+2]
		for i := 0; i < half; i++ {
			f := float64(i)
			switch {
			case f > left && f < center:
				filter[i] = (f - left) / (center - left)
			case f >= center && f < right:
				filter[i] = (right - f) / (right - center)
			}
		}
		filters[b] = filter
	}
	return filters
}
