package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDevice struct {
	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
	reads   int
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDevice) Read(buf []float32) error {
	time.Sleep(time.Millisecond)
	d.mu.Lock()
	d.reads++
	n := d.reads
	d.mu.Unlock()
	for i := range buf {
		buf[i] = float32(n)
	}
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) wasClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped && d.closed
}

func testConfig() DeviceConfig {
	return DeviceConfig{SampleRate: 16000, FrameSize: 4, QueueFrames: 8}
}

func TestAcquireDeliversFrames(t *testing.T) {
	dev := &fakeDevice{}
	a := NewArbiter(testConfig(), func(DeviceConfig) (Device, error) { return dev, nil }, newLogger())
	t.Cleanup(a.Close)

	lease, err := a.Acquire("wake")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !lease.Valid() {
		t.Fatal("expected valid lease")
	}
	if owner, ok := a.CurrentOwner(); !ok || owner != "wake" {
		t.Fatalf("expected owner wake, got %q (%v)", owner, ok)
	}

	select {
	case frame := <-lease.Frames():
		if len(frame) != 4 {
			t.Fatalf("expected frame of 4 samples, got %d", len(frame))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
	}
}

func TestIdempotentReacquire(t *testing.T) {
	opens := 0
	a := NewArbiter(testConfig(), func(DeviceConfig) (Device, error) {
		opens++
		return &fakeDevice{}, nil
	}, newLogger())
	t.Cleanup(a.Close)

	first, err := a.Acquire("wake")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := a.Acquire("wake")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if first != second {
		t.Fatal("expected the same lease on re-acquire")
	}
	if opens != 1 {
		t.Fatalf("expected a single device open, got %d", opens)
	}
}

func TestPreemptionInvalidatesPreviousLease(t *testing.T) {
	var devices []*fakeDevice
	a := NewArbiter(testConfig(), func(DeviceConfig) (Device, error) {
		dev := &fakeDevice{}
		devices = append(devices, dev)
		return dev, nil
	}, newLogger())
	t.Cleanup(a.Close)

	wakeLease, err := a.Acquire("wake")
	if err != nil {
		t.Fatalf("acquire wake: %v", err)
	}
	asrLease, err := a.Acquire("asr")
	if err != nil {
		t.Fatalf("acquire asr: %v", err)
	}

	if wakeLease.Valid() {
		t.Fatal("expected wake lease to be invalidated by preemption")
	}
	if !asrLease.Valid() {
		t.Fatal("expected asr lease to be valid")
	}
	if owner, _ := a.CurrentOwner(); owner != "asr" {
		t.Fatalf("expected owner asr, got %q", owner)
	}
	if len(devices) != 2 {
		t.Fatalf("expected two device opens, got %d", len(devices))
	}
	if !devices[0].wasClosed() {
		t.Fatal("expected the first device to be stopped and closed before the new lease")
	}

	// The preempted owner's queue is drained and closed, never replayed.
	for range wakeLease.Frames() {
	}
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	a := NewArbiter(testConfig(), func(DeviceConfig) (Device, error) { return &fakeDevice{}, nil }, newLogger())
	t.Cleanup(a.Close)

	lease, err := a.Acquire("wake")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	a.Release("asr")
	if !lease.Valid() {
		t.Fatal("release by a non-owner must not invalidate the lease")
	}
	a.Release("wake")
	if lease.Valid() {
		t.Fatal("expected lease invalid after owner release")
	}
	if _, ok := a.CurrentOwner(); ok {
		t.Fatal("expected no owner after release")
	}
}

func TestAcquireDeviceUnavailable(t *testing.T) {
	a := NewArbiter(testConfig(), func(DeviceConfig) (Device, error) {
		return nil, fmt.Errorf("%w: denied by OS", ErrDeviceUnavailable)
	}, newLogger())

	if _, err := a.Acquire("wake"); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if _, ok := a.CurrentOwner(); ok {
		t.Fatal("expected no lease outstanding after a failed open")
	}
}

func TestConcurrentAcquiresLeaveSingleLease(t *testing.T) {
	a := NewArbiter(testConfig(), func(DeviceConfig) (Device, error) { return &fakeDevice{}, nil }, newLogger())
	t.Cleanup(a.Close)

	const n = 8
	leases := make([]*Lease, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := a.Acquire(fmt.Sprintf("owner-%d", i))
			if err != nil {
				t.Errorf("acquire owner-%d: %v", i, err)
				return
			}
			leases[i] = lease
		}(i)
	}
	wg.Wait()

	valid := 0
	for _, lease := range leases {
		if lease != nil && lease.Valid() {
			valid++
		}
	}
	if valid != 1 {
		t.Fatalf("expected exactly one valid lease, got %d", valid)
	}
}
