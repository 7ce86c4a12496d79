// Package audio owns the capture side of the pipeline: the device
// abstraction, the sample ring buffer, and the microphone arbiter that
// grants exclusive capture leases.
package audio

import "errors"

// ErrDeviceUnavailable reports that the capture device could not be opened
// or configured. Callers are expected to retry with backoff rather than
// terminate.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// DeviceConfig describes how the capture device is opened.
type DeviceConfig struct {
	SampleRate  int
	FrameSize   int // samples per frame delivered on a lease
	QueueFrames int // bounded depth of a lease's frame queue
}

// Device is a mono capture stream. Implementations are not required to be
// safe for concurrent use; the arbiter guarantees a single reader.
type Device interface {
	Start() error
	// Read blocks until it has filled buf with len(buf) samples.
	Read(buf []float32) error
	Stop() error
	Close() error
}

// OpenDeviceFunc opens a capture device. Implementations must wrap open
// failures with ErrDeviceUnavailable so callers can detect them.
type OpenDeviceFunc func(cfg DeviceConfig) (Device, error)
