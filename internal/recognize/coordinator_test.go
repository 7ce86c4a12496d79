package recognize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubRecognizer struct {
	result Result
	err    error
	block  chan struct{} // when non-nil, Transcribe waits for close or ctx
	calls  atomic.Int64
}

func (s *stubRecognizer) Transcribe(ctx context.Context, _ []float32, _ int, _ bool) (Result, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Result{}, s.err
	}
	return s.result, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func testFusionConfig() Config {
	return Config{
		SampleRate:      16000,
		PartialEvery:    50 * time.Millisecond,
		MinAccurate:     500 * time.Millisecond,
		AccurateTimeout: time.Second,
		ConfidenceBump:  0.1,
	}
}

// oneSecond is comfortably above the accurate-pass minimum duration.
func oneSecond() []float32 { return make([]float32, 16000) }

func newTestCoordinator(t *testing.T, cfg Config, fast, accurate Recognizer, log *eventLog) (*Coordinator, *Health) {
	t.Helper()
	health := NewHealth("accurate", 3, time.Minute, testLogger())
	c, err := NewCoordinator(cfg, fast, accurate, health, log.add, testLogger())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c, health
}

func waitForCalls(t *testing.T, r *stubRecognizer, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("recognizer calls = %d, want %d", r.calls.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFusionMergesAccurateResult(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "turn on lamp", Confidence: 0.6}}
	accurate := &stubRecognizer{result: Result{Text: "turn on the lamp", Confidence: 0.95}}
	log := &eventLog{}
	c, _ := newTestCoordinator(t, testFusionConfig(), fast, accurate, log)

	s := c.StartSession(context.Background())
	res, err := s.Finalize(oneSecond())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Text != "turn on the lamp" {
		t.Fatalf("text = %q, want accurate transcript", res.Text)
	}
	if res.Confidence != 0.7 {
		t.Fatalf("confidence = %v, want fast confidence bumped to 0.7", res.Confidence)
	}
	if res.Pass != PassAccurate {
		t.Fatalf("pass = %q, want %q", res.Pass, PassAccurate)
	}

	events := log.all()
	if len(events) != 1 || events[0].Kind != EventFinal {
		t.Fatalf("events = %+v, want exactly one final", events)
	}
	if events[0].Text != "turn on the lamp" {
		t.Fatalf("final event text = %q", events[0].Text)
	}
}

func TestFusionIdenticalTextKeepsFastResult(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "stop", Confidence: 0.8}}
	accurate := &stubRecognizer{result: Result{Text: "stop", Confidence: 0.99}}
	log := &eventLog{}
	c, _ := newTestCoordinator(t, testFusionConfig(), fast, accurate, log)

	s := c.StartSession(context.Background())
	res, err := s.Finalize(oneSecond())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Confidence != 0.8 || res.Pass != PassFast {
		t.Fatalf("agreeing transcripts should keep the fast result, got %+v", res)
	}
}

func TestFusionConfidenceBumpCapped(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "open door", Confidence: 0.97}}
	accurate := &stubRecognizer{result: Result{Text: "open the door", Confidence: 0.99}}
	log := &eventLog{}
	c, _ := newTestCoordinator(t, testFusionConfig(), fast, accurate, log)

	s := c.StartSession(context.Background())
	res, err := s.Finalize(oneSecond())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Confidence != 1 {
		t.Fatalf("confidence = %v, want capped at 1", res.Confidence)
	}
}

func TestFusionAccurateFailureFallsBackToFast(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "lights off", Confidence: 0.55}}
	accurate := &stubRecognizer{err: errors.New("backend down")}
	log := &eventLog{}
	c, health := newTestCoordinator(t, testFusionConfig(), fast, accurate, log)

	for i := 0; i < 3; i++ {
		s := c.StartSession(context.Background())
		res, err := s.Finalize(oneSecond())
		if err != nil {
			t.Fatalf("Finalize %d: %v", i, err)
		}
		if res.Text != "lights off" || res.Confidence != 0.55 || res.Pass != PassFast {
			t.Fatalf("Finalize %d should return the unchanged fast result, got %+v", i, res)
		}
	}

	if health.Available() {
		t.Fatal("three consecutive accurate failures should trigger the cooldown")
	}

	// During cooldown the accurate backend must not be called at all.
	before := accurate.calls.Load()
	s := c.StartSession(context.Background())
	if _, err := s.Finalize(oneSecond()); err != nil {
		t.Fatalf("Finalize during cooldown: %v", err)
	}
	if accurate.calls.Load() != before {
		t.Fatal("accurate backend was called while in cooldown")
	}
}

func TestFusionSkipsAccurateForShortUtterance(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "hm", Confidence: 0.4}}
	accurate := &stubRecognizer{result: Result{Text: "hmm", Confidence: 0.9}}
	log := &eventLog{}
	c, _ := newTestCoordinator(t, testFusionConfig(), fast, accurate, log)

	s := c.StartSession(context.Background())
	// 200ms of audio, below the 500ms accurate-pass minimum.
	res, err := s.Finalize(make([]float32, 3200))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Pass != PassFast {
		t.Fatalf("short utterance should stay on the fast pass, got %+v", res)
	}
	if accurate.calls.Load() != 0 {
		t.Fatal("accurate backend should not run for short utterances")
	}
}

func TestFusionAccurateTimeoutKeepsFastResult(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "play music", Confidence: 0.6}}
	accurate := &stubRecognizer{
		result: Result{Text: "play some music", Confidence: 0.95},
		block:  make(chan struct{}),
	}
	cfg := testFusionConfig()
	cfg.AccurateTimeout = 20 * time.Millisecond
	log := &eventLog{}
	c, health := newTestCoordinator(t, cfg, fast, accurate, log)

	s := c.StartSession(context.Background())
	res, err := s.Finalize(oneSecond())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Text != "play music" || res.Pass != PassFast {
		t.Fatalf("timeout should return the fast result, got %+v", res)
	}
	failures, _ := health.Snapshot()
	if failures != 1 {
		t.Fatalf("timeout should count as one failure, got %d", failures)
	}

	// Release the hung backend; its late result must not produce a second
	// final event or alter what was already delivered.
	close(accurate.block)
	c.Close()

	events := log.all()
	if len(events) != 1 || events[0].Kind != EventFinal || events[0].Text != "play music" {
		t.Fatalf("events = %+v, want the single fast final", events)
	}
}

func TestStartSessionCancelsPrevious(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "first", Confidence: 0.5}}
	accurate := &stubRecognizer{
		result: Result{Text: "first utterance", Confidence: 0.9},
		block:  make(chan struct{}),
	}
	log := &eventLog{}
	c, health := newTestCoordinator(t, testFusionConfig(), fast, accurate, log)

	s1 := c.StartSession(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s1.Finalize(oneSecond())
		done <- err
	}()
	waitForCalls(t, accurate, 1)

	s2 := c.StartSession(context.Background())
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("superseded Finalize error = %v, want context.Canceled", err)
	}

	// The cancelled pass is not a backend fault.
	if failures, _ := health.Snapshot(); failures != 0 {
		t.Fatalf("cancellation recorded %d failures, want 0", failures)
	}
	for _, evt := range log.all() {
		if evt.Kind == EventFinal {
			t.Fatalf("cancelled session emitted a final event: %+v", evt)
		}
	}

	s2.EmitNoSpeech()
}

func TestPartialsAreThrottled(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "partial text", Confidence: 0.5}}
	cfg := testFusionConfig()
	cfg.PartialEvery = time.Hour
	log := &eventLog{}
	c, _ := newTestCoordinator(t, cfg, fast, nil, log)

	s := c.StartSession(context.Background())
	for i := 0; i < 10; i++ {
		s.PushAudio(make([]float32, 1280))
	}

	// Wait for the partial event so Finalize cannot race ahead of it.
	deadline := time.Now().Add(2 * time.Second)
	for len(log.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no partial event emitted")
		}
		time.Sleep(time.Millisecond)
	}

	if got := fast.calls.Load(); got != 1 {
		t.Fatalf("fast pass ran %d times for 10 pushes, want 1", got)
	}

	res, err := s.Finalize(oneSecond())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Pass != PassFast {
		t.Fatalf("pass = %q, want %q", res.Pass, PassFast)
	}
	c.Close()

	var partials, finals int
	for _, evt := range log.all() {
		switch evt.Kind {
		case EventPartial:
			partials++
		case EventFinal:
			finals++
		}
	}
	if partials != 1 || finals != 1 {
		t.Fatalf("partials = %d, finals = %d, want 1 and 1", partials, finals)
	}
}

func TestFinalizeTwiceFails(t *testing.T) {
	fast := &stubRecognizer{result: Result{Text: "once", Confidence: 0.5}}
	log := &eventLog{}
	c, _ := newTestCoordinator(t, testFusionConfig(), fast, nil, log)

	s := c.StartSession(context.Background())
	if _, err := s.Finalize(oneSecond()); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if _, err := s.Finalize(oneSecond()); err == nil {
		t.Fatal("second Finalize should fail")
	}
}

func TestFastFinalFailureWithNoPartialIsAnError(t *testing.T) {
	fast := &stubRecognizer{err: errors.New("decoder crashed")}
	log := &eventLog{}
	c, _ := newTestCoordinator(t, testFusionConfig(), fast, nil, log)

	s := c.StartSession(context.Background())
	if _, err := s.Finalize(oneSecond()); err == nil {
		t.Fatal("Finalize should fail when no transcript exists at all")
	}
	events := log.all()
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("events = %+v, want a single error event", events)
	}
}
