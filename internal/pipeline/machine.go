// Package pipeline drives the always-on listening loop: wake-word
// listening, utterance capture, recognition, and back. It owns the lease
// handoff between the wake and recognition stages and fails safe to wake
// listening on any stage error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"

	"github.com/openear/listend/internal/audio"
	"github.com/openear/listend/internal/capture"
	"github.com/openear/listend/internal/history"
	"github.com/openear/listend/internal/protocol"
	"github.com/openear/listend/internal/recognize"
	"github.com/openear/listend/internal/wake"
)

// State is the pipeline phase. Transitions form a cycle; any failure path
// leads back to StateWakeListening.
type State int32

const (
	StateWakeListening State = iota
	StateWakeDetected
	StateAsrCapturing
	StateAsrRecognizing
)

func (s State) String() string {
	switch s {
	case StateWakeListening:
		return "wake_listening"
	case StateWakeDetected:
		return "wake_detected"
	case StateAsrCapturing:
		return "asr_capturing"
	case StateAsrRecognizing:
		return "asr_recognizing"
	}
	return "unknown"
}

// Lease owner names. The arbiter preempts whichever owner holds the
// device when the other acquires, which is exactly the handoff we want.
const (
	ownerWake = "wake"
	ownerASR  = "asr"
)

// Publisher sends JSON messages to the bus. Satisfied by *bus.Client; nil
// disables publishing.
type Publisher interface {
	PublishJSON(subject string, payload any)
}

// Recorder persists the utterance timeline. Satisfied by *history.Store;
// nil disables recording.
type Recorder interface {
	BeginSession(ctx context.Context, sessionID string) error
	Append(ctx context.Context, e history.Entry) error
}

// Config tunes the pipeline loop.
type Config struct {
	SampleRate     int
	InitialBackoff time.Duration // first retry delay after a device failure
	MaxBackoff     time.Duration // backoff cap
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Params collects the pipeline's collaborators. Engine may be nil, which
// skips wake detection and opens a capture session immediately.
type Params struct {
	Config   Config
	Arbiter  *audio.Arbiter
	Engine   *wake.Engine
	Capture  *capture.Capture
	Fusion   recognize.Config
	Fast     recognize.Recognizer
	Accurate recognize.Recognizer
	Health   *recognize.Health
	Bus      Publisher
	History  Recorder
	Log      *slog.Logger

	// WakeStatus overrides the reported wake engine status on the state
	// observable. Empty derives "active" or "disabled" from Engine.
	WakeStatus string
}

// Machine runs the listening cycle. One goroutine calls Run; Snapshot is
// safe to call from anywhere.
type Machine struct {
	cfg        Config
	arbiter    *audio.Arbiter
	engine     *wake.Engine
	capture    *capture.Capture
	fusion     *recognize.Coordinator
	bus        Publisher
	hist       Recorder
	log        *slog.Logger
	wakeStatus string

	state       atomic.Int32
	transitions atomic.Uint64

	mu          sync.Mutex
	sessionID   string
	lastWake    wake.Score
	lastWakeAt  time.Time
	cycleCount  uint64
	deviceFails uint64
}

// Snapshot is the observable pipeline status served by /statez.
type Snapshot struct {
	State         string    `json:"state"`
	Wake          string    `json:"wake"`
	SessionID     string    `json:"session_id,omitempty"`
	Transitions   uint64    `json:"transitions"`
	Cycles        uint64    `json:"cycles"`
	DeviceFails   uint64    `json:"device_failures"`
	LastWakeScore float64   `json:"last_wake_score"`
	LastWakeAt    time.Time `json:"last_wake_at,omitempty"`
}

// New wires a pipeline machine, building the fusion coordinator around the
// machine's own event handler so transcript events carry the session id.
func New(p Params) (*Machine, error) {
	if p.Arbiter == nil || p.Capture == nil {
		return nil, errors.New("pipeline requires an arbiter and a capturer")
	}
	status := p.WakeStatus
	if status == "" {
		if p.Engine != nil {
			status = "active"
		} else {
			status = "disabled"
		}
	}
	m := &Machine{
		cfg:        p.Config.withDefaults(),
		arbiter:    p.Arbiter,
		engine:     p.Engine,
		capture:    p.Capture,
		bus:        p.Bus,
		hist:       p.History,
		log:        p.Log.With(slog.String("component", "pipeline")),
		wakeStatus: status,
	}
	fusion, err := recognize.NewCoordinator(p.Fusion, p.Fast, p.Accurate, p.Health, m.handleEvent, p.Log)
	if err != nil {
		return nil, err
	}
	m.fusion = fusion
	return m, nil
}

// Run executes listening cycles until ctx is cancelled. Device failures
// retry with exponential backoff; any other cycle error logs and restarts
// the cycle from wake listening.
func (m *Machine) Run(ctx context.Context) error {
	defer m.fusion.Close()
	defer m.arbiter.Close()

	backoff := m.cfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := m.cycle(ctx)
		if err == nil {
			backoff = m.cfg.InitialBackoff
			m.mu.Lock()
			m.cycleCount++
			m.mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, audio.ErrDeviceUnavailable) {
			m.mu.Lock()
			m.deviceFails++
			m.mu.Unlock()
			m.log.Warn("capture device unavailable, backing off",
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
			continue
		}

		m.log.Error("pipeline cycle failed, returning to wake listening",
			slog.String("error", err.Error()))
		if !sleep(ctx, m.cfg.InitialBackoff) {
			return ctx.Err()
		}
	}
}

// cycle runs one wake -> capture -> recognize pass.
func (m *Machine) cycle(ctx context.Context) error {
	m.setSession("")
	m.setState(StateWakeListening, "")

	var score wake.Score
	if m.engine != nil {
		s, err := m.listenForWake(ctx)
		if err != nil {
			return err
		}
		score = s
	}

	sessionID := "sess-" + nuid.Next()
	m.setSession(sessionID)
	m.setState(StateWakeDetected, sessionID)

	if m.engine != nil {
		m.noteWake(score)
		m.publish(protocol.SubjectWakeDetected, protocol.WakeDetection{
			SessionID:  sessionID,
			Score:      float64(score.Value),
			Threshold:  float64(score.Threshold),
			FrameIndex: score.FrameIndex,
			Timestamp:  time.Now().UTC(),
		})
	}
	m.record(sessionID, func() error {
		if err := m.hist.BeginSession(ctx, sessionID); err != nil {
			return err
		}
		if m.engine == nil {
			return nil
		}
		return m.hist.Append(ctx, history.Entry{
			SessionID: sessionID,
			Kind:      "wake",
			WakeScore: float64(score.Value),
		})
	})

	return m.captureAndRecognize(ctx, sessionID)
}

// listenForWake holds the wake lease and feeds frames to the engine until
// a detection fires. The lease is intentionally not released on detection;
// the asr acquire preempts it, which keeps the device open across the
// handoff.
func (m *Machine) listenForWake(ctx context.Context) (wake.Score, error) {
	lease, err := m.arbiter.Acquire(ownerWake)
	if err != nil {
		return wake.Score{}, err
	}

	for {
		select {
		case <-ctx.Done():
			m.arbiter.Release(ownerWake)
			return wake.Score{}, ctx.Err()
		case frame, ok := <-lease.Frames():
			if !ok {
				return wake.Score{}, fmt.Errorf("wake lease lost: %w", audio.ErrDeviceUnavailable)
			}
			score, err := m.engine.ProcessFrame(frame)
			if err != nil {
				m.arbiter.Release(ownerWake)
				return wake.Score{}, fmt.Errorf("wake engine: %w", err)
			}
			m.noteWake(score)
			if score.Detected {
				return score, nil
			}
		}
	}
}

// captureAndRecognize switches the lease to the recognition owner, streams
// frames into both the capturer and the fusion session, and finalizes when
// the capturer closes the utterance.
func (m *Machine) captureAndRecognize(ctx context.Context, sessionID string) error {
	session := m.fusion.StartSession(ctx)

	lease, err := m.arbiter.Acquire(ownerASR)
	if err != nil {
		return err
	}
	m.capture.Reset()
	m.setState(StateAsrCapturing, sessionID)

	for {
		select {
		case <-ctx.Done():
			m.arbiter.Release(ownerASR)
			return ctx.Err()
		case frame, ok := <-lease.Frames():
			if !ok {
				return fmt.Errorf("asr lease lost: %w", audio.ErrDeviceUnavailable)
			}

			session.PushAudio(frame)
			utt, done := m.capture.Push(frame)
			if !done {
				continue
			}
			m.arbiter.Release(ownerASR)

			if utt == nil {
				// Too short to be speech. Close the session without running
				// recognition over the discarded audio.
				session.EmitNoSpeech()
				return nil
			}

			m.setState(StateAsrRecognizing, sessionID)
			if _, err := session.Finalize(utt.Samples); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// The failure event has already been emitted; the cycle
				// itself completed.
				m.log.Warn("recognition failed", slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return nil
		}
	}
}

// handleEvent fans recognition events out to the bus and the history
// store. Runs on coordinator goroutines.
func (m *Machine) handleEvent(evt recognize.Event) {
	sessionID := m.currentSession()
	now := time.Now().UTC()

	switch evt.Kind {
	case recognize.EventPartial:
		m.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
			SessionID:  sessionID,
			Text:       evt.Text,
			Partial:    true,
			Pass:       string(evt.Pass),
			Confidence: evt.Confidence,
			Timestamp:  now,
		})
	case recognize.EventFinal:
		m.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
			SessionID:  sessionID,
			Text:       evt.Text,
			Pass:       string(evt.Pass),
			Confidence: evt.Confidence,
			Timestamp:  now,
		})
		m.record(sessionID, func() error {
			return m.hist.Append(context.Background(), history.Entry{
				SessionID:  sessionID,
				Kind:       "final",
				Text:       evt.Text,
				Confidence: evt.Confidence,
				Pass:       string(evt.Pass),
			})
		})
	case recognize.EventNone:
		m.publish(protocol.SubjectSessionOutcome, protocol.SessionOutcome{
			SessionID: sessionID,
			Reason:    "no_speech",
			Timestamp: now,
		})
		m.record(sessionID, func() error {
			return m.hist.Append(context.Background(), history.Entry{SessionID: sessionID, Kind: "no_speech"})
		})
	case recognize.EventError:
		m.publish(protocol.SubjectSessionOutcome, protocol.SessionOutcome{
			SessionID: sessionID,
			Reason:    "error",
			Detail:    evt.Text,
			Timestamp: now,
		})
		m.record(sessionID, func() error {
			return m.hist.Append(context.Background(), history.Entry{SessionID: sessionID, Kind: "error"})
		})
	}
}

// Snapshot returns the observable pipeline status.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:         State(m.state.Load()).String(),
		Wake:          m.wakeStatus,
		SessionID:     m.sessionID,
		Transitions:   m.transitions.Load(),
		Cycles:        m.cycleCount,
		DeviceFails:   m.deviceFails,
		LastWakeScore: float64(m.lastWake.Value),
		LastWakeAt:    m.lastWakeAt,
	}
}

func (m *Machine) setState(next State, sessionID string) {
	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return
	}
	m.transitions.Add(1)
	m.log.Debug("pipeline state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.String("session_id", sessionID))
	m.publish(protocol.SubjectPipelineState, protocol.StateChange{
		SessionID: sessionID,
		From:      prev.String(),
		To:        next.String(),
		Timestamp: time.Now().UTC(),
	})
}

func (m *Machine) setSession(id string) {
	m.mu.Lock()
	m.sessionID = id
	m.mu.Unlock()
}

func (m *Machine) currentSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Machine) noteWake(score wake.Score) {
	m.mu.Lock()
	m.lastWake = score
	if score.Detected {
		m.lastWakeAt = time.Now()
	}
	m.mu.Unlock()
}

func (m *Machine) publish(subject string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.PublishJSON(subject, payload)
}

func (m *Machine) record(sessionID string, fn func() error) {
	if m.hist == nil || sessionID == "" {
		return
	}
	if err := fn(); err != nil {
		m.log.Warn("history write failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
