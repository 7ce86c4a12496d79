package recognize

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	pass Pass
}

// NewMockRecognizer returns a backend that reports buffer sizes instead of
// transcripts. Used in development and wiring tests.
func NewMockRecognizer(pass Pass) Recognizer {
	return &mockRecognizer{pass: pass}
}

func (m *mockRecognizer) Transcribe(_ context.Context, samples []float32, _ int, final bool) (Result, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	return Result{
		Text:       fmt.Sprintf("[%s %s transcript samples=%d]", m.pass, mode, len(samples)),
		Confidence: 0.5,
		Pass:       m.pass,
	}, nil
}
