package audio

import (
	"errors"
	"time"
)

// mockDevice produces a near-silent synthetic stream paced at the real
// sample rate. It exists so the full pipeline can run on machines without
// capture hardware.
type mockDevice struct {
	cfg     DeviceConfig
	started bool
	seed    uint32
}

// OpenMockDevice opens a synthetic capture device.
func OpenMockDevice(cfg DeviceConfig) (Device, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, errors.New("mock device needs a positive sample rate and frame size")
	}
	return &mockDevice{cfg: cfg, seed: 1}, nil
}

func (d *mockDevice) Start() error {
	d.started = true
	return nil
}

func (d *mockDevice) Read(buf []float32) error {
	if !d.started {
		return errors.New("mock device not started")
	}
	// Pace like real hardware so downstream timers behave.
	time.Sleep(time.Duration(len(buf)) * time.Second / time.Duration(d.cfg.SampleRate))
	for i := range buf {
		// Tiny deterministic dither, far below any VAD threshold.
		d.seed = d.seed*1664525 + 1013904223
		buf[i] = (float32(d.seed>>16)/65535 - 0.5) * 2e-4
	}
	return nil
}

func (d *mockDevice) Stop() error {
	d.started = false
	return nil
}

func (d *mockDevice) Close() error { return nil }
