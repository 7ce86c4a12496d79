package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Lease is the exclusive right to consume frames from the capture device.
// At most one valid lease exists per arbiter. A preempted holder observes
// Valid() == false and its frame channel closing.
type Lease struct {
	owner      string
	acquiredAt time.Time
	frames     chan []float32
	valid      atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Owner returns the id the lease was granted to.
func (l *Lease) Owner() string { return l.owner }

// AcquiredAt returns when the lease was granted.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Valid reports whether the lease still grants capture access.
func (l *Lease) Valid() bool { return l.valid.Load() }

// Frames returns the bounded frame queue. The channel is closed when the
// lease is revoked or the device fails.
func (l *Lease) Frames() <-chan []float32 { return l.frames }

// Arbiter owns the single physical capture device and grants exclusive
// leases to named owners. Acquiring while another owner holds the device
// force-releases that owner first; the hardware supports only one open
// stream.
type Arbiter struct {
	cfg  DeviceConfig
	open OpenDeviceFunc
	log  *slog.Logger

	mu     sync.Mutex
	lease  *Lease
	device Device
}

// NewArbiter creates an arbiter that opens devices through open.
func NewArbiter(cfg DeviceConfig, open OpenDeviceFunc, log *slog.Logger) *Arbiter {
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 16
	}
	return &Arbiter{
		cfg:  cfg,
		open: open,
		log:  log.With(slog.String("component", "mic-arbiter")),
	}
}

// Acquire grants owner an exclusive capture lease, preempting any current
// holder. Re-acquiring under the same owner while the lease is still valid
// returns the existing lease without reopening the device. A device open
// failure leaves no lease outstanding and wraps ErrDeviceUnavailable.
func (a *Arbiter) Acquire(owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lease != nil && a.lease.owner == owner && a.lease.Valid() {
		return a.lease, nil
	}
	if a.lease != nil {
		a.revokeLocked()
	}

	dev, err := a.open(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("open capture device for %q: %w", owner, err)
	}
	if err := dev.Start(); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("start capture device for %q: %w", owner, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	lease := &Lease{
		owner:      owner,
		acquiredAt: time.Now(),
		frames:     make(chan []float32, a.cfg.QueueFrames),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	lease.valid.Store(true)
	a.lease = lease
	a.device = dev

	go a.readLoop(ctx, dev, lease)

	a.log.Info("capture lease granted", slog.String("owner", owner))
	return lease, nil
}

// Release relinquishes the lease if owner is the current holder. Calls from
// stale or preempted owners are no-ops.
func (a *Arbiter) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease == nil || a.lease.owner != owner {
		return
	}
	a.revokeLocked()
	a.log.Info("capture lease released", slog.String("owner", owner))
}

// CurrentOwner returns the holder of the live lease, if any.
func (a *Arbiter) CurrentOwner() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease == nil || !a.lease.Valid() {
		return "", false
	}
	return a.lease.owner, true
}

// Close revokes any outstanding lease and releases the device.
func (a *Arbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease != nil {
		a.revokeLocked()
	}
}

// revokeLocked stops the reader, invalidates the lease and closes the
// device. The previous owner's queued frames are dropped, never replayed to
// the next owner. Must be called with a.mu held.
func (a *Arbiter) revokeLocked() {
	lease := a.lease
	lease.valid.Store(false)
	lease.cancel()
	<-lease.done

	if a.device != nil {
		if err := a.device.Stop(); err != nil {
			a.log.Warn("failed to stop capture device", slog.String("error", err.Error()))
		}
		if err := a.device.Close(); err != nil {
			a.log.Warn("failed to close capture device", slog.String("error", err.Error()))
		}
	}
	a.lease = nil
	a.device = nil
}

// readLoop is the only code path that touches the device handle. It pushes
// fixed-size frames into the lease queue, dropping frames when the consumer
// falls behind rather than stalling the hardware.
func (a *Arbiter) readLoop(ctx context.Context, dev Device, lease *Lease) {
	defer close(lease.done)
	defer close(lease.frames)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame := make([]float32, a.cfg.FrameSize)
		if err := dev.Read(frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("capture read failed",
				slog.String("owner", lease.owner),
				slog.String("error", err.Error()))
			lease.valid.Store(false)
			return
		}

		select {
		case lease.frames <- frame:
		case <-ctx.Done():
			return
		default:
			// Queue full. Drop the frame; frame production is paced by the
			// hardware and must not block.
		}
	}
}
