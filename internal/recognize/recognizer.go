// Package recognize holds the transcription backends and the two-pass
// fusion coordinator: a fast streaming pass for immediate feedback and an
// opportunistic accurate pass that refines the final transcript.
package recognize

import "context"

// Pass identifies which recognizer produced a result.
type Pass string

const (
	PassFast     Pass = "fast"
	PassAccurate Pass = "accurate"
)

// Result is a transcription outcome.
type Result struct {
	Text       string
	Confidence float64
	Pass       Pass
}

// Recognizer abstracts a transcription backend. samples are mono float32
// in [-1, 1]. final distinguishes end-of-utterance calls from streaming
// partial calls; backends may use cheaper settings for partials.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, final bool) (Result, error)
}

// EventKind classifies events emitted to the external listener.
type EventKind string

const (
	EventPartial EventKind = "partial"
	EventFinal   EventKind = "final"
	EventNone    EventKind = "none"
	EventError   EventKind = "error"
)

// Event is the unit handed to the registered listener: live partials,
// the merged final transcript, a no-speech outcome, or a failure.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	Pass       Pass
}

// Emitter receives events. Must be safe for concurrent use; the
// coordinator calls it from multiple goroutines.
type Emitter func(Event)
