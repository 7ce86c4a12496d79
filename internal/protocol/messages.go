// Package protocol defines the JSON messages listend publishes on the
// bus and the subjects they travel on.
package protocol

import "time"

// WakeDetection announces a wake-word hit and the start of a capture cycle.
type WakeDetection struct {
	SessionID  string    `json:"session_id"`
	Score      float64   `json:"score"`
	Threshold  float64   `json:"threshold"`
	FrameIndex uint64    `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transcript carries recognition output: streaming partials while the
// user is speaking and exactly one final per session.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Pass       string    `json:"pass,omitempty"` // "fast" or "accurate"
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionOutcome closes a session that ended without a usable transcript.
type SessionOutcome struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"` // "no_speech" or "error"
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChange reports a pipeline state transition for observers.
type StateChange struct {
	SessionID string    `json:"session_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectWakeDetected      = "wake.detected"
	SubjectTranscriptPartial = "transcript.partial"
	SubjectTranscriptFinal   = "transcript.final"
	SubjectSessionOutcome    = "session.outcome"
	SubjectPipelineState     = "pipeline.state"
)
