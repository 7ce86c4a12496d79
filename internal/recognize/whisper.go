package recognize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperConfig configures the in-process whisper.cpp backend.
type WhisperConfig struct {
	ModelPath string
	Language  string // "" means auto-detect
	Threads   int    // <=0 uses NumCPU
	Pass      Pass
}

// whisperRecognizer runs whisper.cpp through the cgo bindings. The model
// is loaded once; contexts are created per call. Used as the accurate
// backend: high quality, non-trivial latency.
type whisperRecognizer struct {
	model whisper.Model
	cfg   WhisperConfig
	mu    sync.Mutex
}

// NewWhisperRecognizer loads the model at cfg.ModelPath.
func NewWhisperRecognizer(cfg WhisperConfig) (Recognizer, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper model path is empty")
	}
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", cfg.ModelPath, err)
	}
	return &whisperRecognizer{model: model, cfg: cfg}, nil
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int, final bool) (Result, error) {
	if len(samples) == 0 {
		return Result{}, errors.New("no audio samples provided")
	}
	if sampleRate != whisper.SampleRate {
		return Result{}, fmt.Errorf("whisper requires %d Hz input, got %d", whisper.SampleRate, sampleRate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wctx, err := r.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("new whisper context: %w", err)
	}

	lang := r.cfg.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Result{}, fmt.Errorf("set whisper language: %w", err)
	}
	threads := r.cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("whisper segment: %w", err)
		}
		parts = append(parts, strings.TrimSpace(seg.Text))
	}

	return Result{
		Text:       strings.Join(parts, " "),
		Confidence: 0.9, // the bindings expose no calibrated confidence
		Pass:       r.cfg.Pass,
	}, nil
}

// Close releases the loaded model.
func (r *whisperRecognizer) Close() error {
	if r.model == nil {
		return nil
	}
	return r.model.Close()
}
