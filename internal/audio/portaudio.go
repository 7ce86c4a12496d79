package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	paInitOnce sync.Once
	paInitErr  error
)

type portaudioDevice struct {
	stream *portaudio.Stream
	buf    []float32
}

// OpenPortAudioDevice opens the default system microphone as a mono capture
// stream. PortAudio is initialized once per process and never terminated;
// the arbiter opens and closes streams many times over a daemon's lifetime.
func OpenPortAudioDevice(cfg DeviceConfig) (Device, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d, frame size %d", ErrDeviceUnavailable, cfg.SampleRate, cfg.FrameSize)
	}

	paInitOnce.Do(func() {
		paInitErr = portaudio.Initialize()
	})
	if paInitErr != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, paInitErr)
	}

	buf := make([]float32, cfg.FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open default stream: %v", ErrDeviceUnavailable, err)
	}
	return &portaudioDevice{stream: stream, buf: buf}, nil
}

func (d *portaudioDevice) Start() error {
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("%w: start stream: %v", ErrDeviceUnavailable, err)
	}
	return nil
}

func (d *portaudioDevice) Read(buf []float32) error {
	if err := d.stream.Read(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	copy(buf, d.buf)
	return nil
}

func (d *portaudioDevice) Stop() error {
	return d.stream.Stop()
}

func (d *portaudioDevice) Close() error {
	return d.stream.Close()
}
