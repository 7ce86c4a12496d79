package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config tunes the two-pass fusion coordinator.
type Config struct {
	SampleRate      int
	PartialEvery    time.Duration // minimum spacing between streaming partials
	MinAccurate     time.Duration // utterances shorter than this skip the accurate pass
	AccurateTimeout time.Duration // race deadline for the accurate pass
	ConfidenceBump  float64       // added to fast confidence when accurate text differs
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.PartialEvery <= 0 || c.AccurateTimeout <= 0 {
		return fmt.Errorf("partial interval %v and accurate timeout %v must be positive",
			c.PartialEvery, c.AccurateTimeout)
	}
	if c.MinAccurate < 0 {
		return fmt.Errorf("minimum accurate duration must be >= 0, got %v", c.MinAccurate)
	}
	if c.ConfidenceBump < 0 || c.ConfidenceBump > 1 {
		return fmt.Errorf("confidence bump must be in [0,1], got %v", c.ConfidenceBump)
	}
	return nil
}

// Coordinator orchestrates the fast pass (always, streaming) and the
// accurate pass (opportunistic, raced against a timeout and gated on
// backend health). One session is live at a time; starting a new session
// cancels the previous session's in-flight work.
type Coordinator struct {
	cfg      Config
	fast     Recognizer
	accurate Recognizer // nil disables the accurate pass
	health   *Health
	emit     Emitter
	log      *slog.Logger

	mu         sync.Mutex
	generation uint64
	current    *Session
	wg         sync.WaitGroup
}

// NewCoordinator wires the two passes together. accurate may be nil.
func NewCoordinator(cfg Config, fast, accurate Recognizer, health *Health, emit Emitter, log *slog.Logger) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("fusion config: %w", err)
	}
	if fast == nil {
		return nil, fmt.Errorf("fast recognizer is required")
	}
	if cfg.ConfidenceBump == 0 {
		cfg.ConfidenceBump = 0.1
	}
	return &Coordinator{
		cfg:      cfg,
		fast:     fast,
		accurate: accurate,
		health:   health,
		emit:     emit,
		log:      log.With(slog.String("component", "fusion")),
	}, nil
}

// StartSession opens a session for a new utterance, cancelling any
// in-flight work of the previous session. The stale session's accurate
// pass cannot emit a result afterwards.
func (c *Coordinator) StartSession(ctx context.Context) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.cancel()
	}
	c.generation++
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		c:      c,
		gen:    c.generation,
		ctx:    sctx,
		cancel: cancel,
	}
	c.current = s
	return s
}

// Close cancels any live session and waits for background work.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.current != nil {
		c.current.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Session tracks one utterance through both passes.
type Session struct {
	c      *Coordinator
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	buf         []float32
	lastPartial time.Time
	inflight    bool
	best        Result
	hasBest     bool
	finalized   bool

	emitted atomic.Bool
}

// PushAudio appends streaming audio and opportunistically schedules a
// fast-pass partial. Partials are throttled to PartialEvery and never more
// than one is in flight; they are emitted to the listener immediately and
// never wait on the accurate pass.
func (s *Session) PushAudio(samples []float32) {
	s.mu.Lock()
	if s.finalized || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, samples...)

	schedule := false
	if !s.inflight {
		if s.lastPartial.IsZero() || time.Since(s.lastPartial) >= s.c.cfg.PartialEvery {
			s.inflight = true
			s.lastPartial = time.Now()
			schedule = true
		}
	}
	var pcm []float32
	if schedule {
		pcm = append([]float32(nil), s.buf...)
	}
	s.mu.Unlock()

	if !schedule {
		return
	}

	s.c.wg.Add(1)
	go func() {
		defer s.c.wg.Done()
		res, err := s.c.fast.Transcribe(s.ctx, pcm, s.c.cfg.SampleRate, false)

		s.mu.Lock()
		s.inflight = false
		if err == nil {
			res.Pass = PassFast
			s.best = res
			s.hasBest = true
		}
		stale := s.finalized
		s.mu.Unlock()

		if err != nil {
			if s.ctx.Err() == nil {
				s.c.log.Warn("fast partial failed", slog.String("error", err.Error()))
			}
			return
		}
		if !stale && s.ctx.Err() == nil && res.Text != "" {
			s.c.emit(Event{Kind: EventPartial, Text: res.Text, Confidence: res.Confidence, Pass: PassFast})
		}
	}()
}

// Finalize runs the fast pass over the complete utterance, then races the
// accurate pass against the configured timeout. The fast result is always
// a safe fallback; a late accurate result never overwrites an emitted one.
func (s *Session) Finalize(samples []float32) (Result, error) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("session already finalized")
	}
	s.finalized = true
	s.mu.Unlock()

	duration := time.Duration(len(samples)) * time.Second / time.Duration(s.c.cfg.SampleRate)

	fastRes, err := s.c.fast.Transcribe(s.ctx, samples, s.c.cfg.SampleRate, true)
	s.mu.Lock()
	if err == nil {
		fastRes.Pass = PassFast
		s.best = fastRes
		s.hasBest = true
	}
	best := s.best
	hasBest := s.hasBest
	s.mu.Unlock()

	if err != nil {
		if s.ctx.Err() != nil {
			return Result{}, s.ctx.Err()
		}
		s.c.log.Warn("fast final failed", slog.String("error", err.Error()))
		if !hasBest {
			s.emitFinal(Event{Kind: EventError})
			return Result{}, fmt.Errorf("fast recognition failed: %w", err)
		}
	}
	best.Pass = PassFast

	if s.c.accurate == nil || duration < s.c.cfg.MinAccurate || !s.c.health.Available() || s.ctx.Err() != nil {
		s.emitFinal(Event{Kind: EventFinal, Text: best.Text, Confidence: best.Confidence, Pass: best.Pass})
		return best, nil
	}

	accCtx, accCancel := context.WithCancel(s.ctx)
	defer accCancel()

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	s.c.wg.Add(1)
	go func() {
		defer s.c.wg.Done()
		res, err := s.c.accurate.Transcribe(accCtx, samples, s.c.cfg.SampleRate, true)
		ch <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(s.c.cfg.AccurateTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			if s.ctx.Err() != nil {
				// Cancelled by a newer session; no health record, no emit.
				return best, s.ctx.Err()
			}
			s.c.health.RecordFailure()
			s.c.log.Warn("accurate pass failed", slog.String("error", out.err.Error()))
			s.emitFinal(Event{Kind: EventFinal, Text: best.Text, Confidence: best.Confidence, Pass: best.Pass})
			return best, nil
		}
		s.c.health.RecordSuccess()
		merged := best
		if out.res.Text != "" && out.res.Text != best.Text {
			conf := best.Confidence + s.c.cfg.ConfidenceBump
			if conf > 1 {
				conf = 1
			}
			merged = Result{Text: out.res.Text, Confidence: conf, Pass: PassAccurate}
		}
		s.emitFinal(Event{Kind: EventFinal, Text: merged.Text, Confidence: merged.Confidence, Pass: merged.Pass})
		return merged, nil

	case <-timer.C:
		// A hung backend counts toward the cooldown like a failure. The
		// in-flight call keeps running but its result lands in a buffered
		// channel nobody reads, and emitFinal has already been claimed.
		s.c.health.RecordFailure()
		s.c.log.Warn("accurate pass timed out", slog.Duration("timeout", s.c.cfg.AccurateTimeout))
		s.emitFinal(Event{Kind: EventFinal, Text: best.Text, Confidence: best.Confidence, Pass: best.Pass})
		return best, nil

	case <-s.ctx.Done():
		return best, s.ctx.Err()
	}
}

// EmitNoSpeech reports a cycle that produced no usable speech.
func (s *Session) EmitNoSpeech() {
	s.emitFinal(Event{Kind: EventNone})
}

// emitFinal delivers at most one terminal event per session and suppresses
// emission for cancelled sessions.
func (s *Session) emitFinal(evt Event) {
	if !s.emitted.CompareAndSwap(false, true) {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.c.emit(evt)
}
