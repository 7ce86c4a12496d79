package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/openear/listend/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralIsNoop(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	hs, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	if err := hs.Append(ctx, Entry{SessionID: "s", Kind: "final", Text: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := hs.ListSession(ctx, "s", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ephemeral store returned %d entries", len(entries))
	}
}

func TestAppendAndQueryTimeline(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	sessionID := "session-123"
	if err := hs.BeginSession(context.Background(), sessionID); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := hs.Append(context.Background(), Entry{SessionID: sessionID, Kind: "wake", WakeScore: 0.82}); err != nil {
		t.Fatalf("append wake: %v", err)
	}
	if err := hs.Append(context.Background(), Entry{
		SessionID:  sessionID,
		Kind:       "final",
		Text:       "turn on the lamp",
		Confidence: 0.7,
		Pass:       "accurate",
	}); err != nil {
		t.Fatalf("append final: %v", err)
	}

	entries, err := hs.ListSession(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != "wake" || entries[0].WakeScore != 0.82 {
		t.Fatalf("unexpected wake entry: %+v", entries[0])
	}
	if entries[1].Text != "turn on the lamp" || entries[1].Pass != "accurate" {
		t.Fatalf("unexpected final entry: %+v", entries[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{
		Path:          filepath.Join(tmp, "history.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxUtterances: 1,
	}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	hs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := hs.BeginSession(context.Background(), "old-session"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := hs.Append(context.Background(), Entry{SessionID: "old-session", Kind: "final", Text: "stale"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	hs.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := hs.BeginSession(context.Background(), "new-session"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := hs.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := hs.ListSession(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
