package vad

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loudFrame(n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		frame[i] = float32(0.3 * math.Sin(2*math.Pi*200*float64(i)/16000))
	}
	return frame
}

func TestEnergyDetectorHysteresis(t *testing.T) {
	d, err := NewEnergyDetector(Config{SpeechFrames: 2, SilenceFrames: 3})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	quiet := make([]float32, 320)
	loud := loudFrame(320)

	if d.Accept(quiet) {
		t.Fatal("silence must not register as speech")
	}
	// Needs two consecutive loud frames to enter speech.
	if d.Accept(loud) {
		t.Fatal("a single loud frame must not trigger speech")
	}
	if !d.Accept(loud) {
		t.Fatal("expected speech after two loud frames")
	}
	// Needs three consecutive quiet frames to leave speech.
	if !d.Accept(quiet) || !d.Accept(quiet) {
		t.Fatal("speech must persist through short silence")
	}
	if d.Accept(quiet) {
		t.Fatal("expected silence after three quiet frames")
	}
}

func TestEnergyDetectorReset(t *testing.T) {
	d, err := NewEnergyDetector(Config{SpeechFrames: 1})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	if !d.Accept(loudFrame(320)) {
		t.Fatal("expected speech")
	}
	d.Reset()
	if d.Accept(make([]float32, 320)) {
		t.Fatal("expected silence after reset")
	}
}

func TestEnergyDetectorRejectsInvertedThresholds(t *testing.T) {
	if _, err := NewEnergyDetector(Config{SpeechThreshold: 0.01, SilenceThreshold: 0.02}); err == nil {
		t.Fatal("expected error when silence threshold exceeds speech threshold")
	}
}

func writeVADModel(t *testing.T, path string, weights [4]float32, bias float32) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create model: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(modelMagic[:]); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	for _, v := range []any{[2]uint32{4, 1}, weights, [1]float32{bias}} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatalf("write model: %v", err)
		}
	}
}

func TestModelDetectorSmoothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vad.oew")
	// Heavy weight on RMS so loud frames score near 1 and quiet near 0.
	writeVADModel(t, path, [4]float32{100, 0, 0, 0}, -1)

	d, err := NewModelDetector(Config{ModelPath: path, MinSpeechFrames: 2, MinSilenceFrames: 2})
	if err != nil {
		t.Fatalf("new model detector: %v", err)
	}

	loud := loudFrame(320)
	quiet := make([]float32, 320)

	if d.Accept(loud) {
		t.Fatal("one loud frame must not satisfy the minimum speech duration")
	}
	if !d.Accept(loud) {
		t.Fatal("expected speech after the minimum speech duration")
	}
	if !d.Accept(quiet) {
		t.Fatal("one quiet frame must not satisfy the minimum silence duration")
	}
	if d.Accept(quiet) {
		t.Fatal("expected silence after the minimum silence duration")
	}
}

func TestNewFallsBackToEnergy(t *testing.T) {
	d, err := New(Config{Mode: "model", ModelPath: filepath.Join(t.TempDir(), "missing.oew")}, testLogger())
	if err != nil {
		t.Fatalf("fallback must not fail: %v", err)
	}
	if _, ok := d.(*EnergyDetector); !ok {
		t.Fatalf("expected energy fallback, got %T", d)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(Config{Mode: "quantum"}, testLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
