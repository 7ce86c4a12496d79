// Package wake implements the streaming wake-word engine: a three-stage
// feature pipeline (mel spectrogram, embedding, classifier) over sliding
// windows, with detection thresholding and cooldown.
package wake

import (
	"fmt"
	"log/slog"

	"github.com/openear/listend/internal/audio"
)

// ShapeError reports a frame whose length violates the fixed-size contract.
// It is a programming error in the caller, not a runtime condition.
type ShapeError struct {
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("audio frame must be exactly %d samples, got %d", e.Want, e.Got)
}

// Score is the engine output for one frame. FrameIndex increases
// monotonically and is used for detection cooldown.
type Score struct {
	Value      float32
	Threshold  float32
	FrameIndex uint64
	Detected   bool
}

// Config holds the engine's window geometry and detection policy.
type Config struct {
	FrameSize        int     // samples per ProcessFrame call
	Threshold        float32 // detection threshold on the classifier score
	CooldownFrames   int     // minimum frames between detections
	MelMaxLen        int     // mel window row cap
	EmbedWindow      int     // mel rows per embedding window (W)
	EmbedStride      int     // mel rows between embedding windows (S)
	EmbedMaxLen      int     // embedding window row cap
	ClassifierFrames int     // embedding rows fed to the classifier (K)
	RingCapacity     int     // raw-sample history, in samples
}

func (c Config) validate() error {
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("threshold must be in (0,1), got %v", c.Threshold)
	}
	if c.CooldownFrames < 0 {
		return fmt.Errorf("cooldown frames must be >= 0, got %d", c.CooldownFrames)
	}
	if c.EmbedWindow <= 0 || c.EmbedStride <= 0 {
		return fmt.Errorf("embedding window %d and stride %d must be positive", c.EmbedWindow, c.EmbedStride)
	}
	if c.MelMaxLen < c.EmbedWindow+c.EmbedStride {
		return fmt.Errorf("mel window cap %d must cover window %d plus stride %d",
			c.MelMaxLen, c.EmbedWindow, c.EmbedStride)
	}
	if c.ClassifierFrames <= 0 || c.ClassifierFrames > c.EmbedMaxLen {
		return fmt.Errorf("classifier frames %d must be in [1,%d]", c.ClassifierFrames, c.EmbedMaxLen)
	}
	if c.RingCapacity < c.FrameSize {
		return fmt.Errorf("ring capacity %d must hold at least one frame of %d samples",
			c.RingCapacity, c.FrameSize)
	}
	return nil
}

// overlapper is implemented by spectrogram stages that need extra sample
// history ahead of each frame for spectral continuity.
type overlapper interface {
	Overlap() int
}

// Engine runs the three-stage pipeline. Stateful across frames: it owns the
// raw-sample ring, the mel window and the embedding window. Not safe for
// concurrent use; one goroutine drives it.
type Engine struct {
	cfg     Config
	spec    Spectrogram
	emb     Embedder
	clf     Classifier
	overlap int
	log     *slog.Logger

	ring *audio.RingSampleBuffer

	mel           [][]float32
	melAbs        int // total mel rows ever appended, including seed rows
	nextWindowEnd int // absolute mel row index where the next embedding window ends

	embWin [][]float32

	frameIndex uint64
	lastDetect uint64
	haveDetect bool
}

// NewEngine wires the three stages together. The mel and embedding windows
// are pre-seeded so the classifier always sees a full-shape window; early
// frames score near zero instead of failing.
func NewEngine(cfg Config, spec Spectrogram, emb Embedder, clf Classifier, log *slog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("wake engine config: %w", err)
	}

	e := &Engine{
		cfg:  cfg,
		spec: spec,
		emb:  emb,
		clf:  clf,
		log:  log.With(slog.String("component", "wake-engine")),
		ring: audio.NewRingSampleBuffer(cfg.RingCapacity),
	}
	if o, ok := spec.(overlapper); ok {
		e.overlap = o.Overlap()
	}

	// Seed the sample history so the first frame already spans a full
	// analysis window.
	if e.overlap > 0 {
		seed := make([]float32, e.overlap)
		for i := range seed {
			if i%2 == 0 {
				seed[i] = 1e-4
			} else {
				seed[i] = -1e-4
			}
		}
		e.ring.Write(seed)
	}

	// Seed the embedding window with silence rows so the classifier window
	// is full-shape from the first real embedding.
	features := emb.Features()
	for i := 0; i < cfg.ClassifierFrames-1; i++ {
		e.embWin = append(e.embWin, make([]float32, features))
	}

	e.nextWindowEnd = cfg.EmbedWindow
	return e, nil
}

// ProcessFrame pushes one fixed-size frame through the pipeline and returns
// the detection score. A frame of the wrong length returns a ShapeError.
// Stage failures are logged and reported as a neutral no-detection score so
// the capture loop keeps running.
func (e *Engine) ProcessFrame(frame []float32) (Score, error) {
	if len(frame) != e.cfg.FrameSize {
		return Score{}, &ShapeError{Want: e.cfg.FrameSize, Got: len(frame)}
	}

	e.frameIndex++
	score := Score{Threshold: e.cfg.Threshold, FrameIndex: e.frameIndex}

	e.ring.Write(frame)

	span := e.cfg.FrameSize + e.overlap
	hist := make([]float32, span)
	n := e.ring.Tail(span, hist)
	rows, err := e.spec.Compute(hist[:n])
	if err != nil {
		e.log.Warn("spectrogram stage failed", slog.String("error", err.Error()))
		return score, nil
	}
	if len(rows) == 0 {
		return score, nil
	}

	// First real rows: backfill quiet history so the first embedding window
	// completes after one stride instead of one full window.
	if e.melAbs == 0 {
		seedRows := e.cfg.EmbedWindow - e.cfg.EmbedStride
		quiet := rows[0]
		for i := 0; i < seedRows; i++ {
			row := make([]float32, len(quiet))
			copy(row, quiet)
			e.mel = append(e.mel, row)
		}
		e.melAbs += seedRows
	}
	e.mel = append(e.mel, rows...)
	e.melAbs += len(rows)
	// Trim before the embedding stage so the window stays bounded even when
	// the embedder fails persistently. Windows whose start falls off the
	// trimmed end are skipped in runEmbedding.
	if len(e.mel) > e.cfg.MelMaxLen {
		e.mel = e.mel[len(e.mel)-e.cfg.MelMaxLen:]
	}

	if err := e.runEmbedding(); err != nil {
		e.log.Warn("embedding stage failed", slog.String("error", err.Error()))
		return score, nil
	}

	if len(e.embWin) < e.cfg.ClassifierFrames {
		return score, nil
	}
	window := e.embWin[len(e.embWin)-e.cfg.ClassifierFrames:]
	value, err := e.clf.Score(window)
	if err != nil {
		e.log.Warn("classifier stage failed", slog.String("error", err.Error()))
		return score, nil
	}
	if value < 0 {
		value = 0
	} else if value > 1 {
		value = 1
	}
	score.Value = value

	if value > e.cfg.Threshold && e.cooldownPassed() {
		score.Detected = true
		e.lastDetect = e.frameIndex
		e.haveDetect = true
	}
	return score, nil
}

// runEmbedding consumes every complete mel window available since the last
// call, appending one embedding row per window.
func (e *Engine) runEmbedding() error {
	for e.melAbs >= e.nextWindowEnd {
		base := e.melAbs - len(e.mel)
		startAbs := e.nextWindowEnd - e.cfg.EmbedWindow
		if startAbs < base {
			// Window start already trimmed; cannot recover those rows.
			e.nextWindowEnd += e.cfg.EmbedStride
			continue
		}
		win := e.mel[startAbs-base : e.nextWindowEnd-base]
		vec, err := e.emb.Embed(win)
		if err != nil {
			e.nextWindowEnd += e.cfg.EmbedStride
			return err
		}
		e.embWin = append(e.embWin, vec)
		if len(e.embWin) > e.cfg.EmbedMaxLen {
			e.embWin = e.embWin[len(e.embWin)-e.cfg.EmbedMaxLen:]
		}
		e.nextWindowEnd += e.cfg.EmbedStride
	}
	return nil
}

func (e *Engine) cooldownPassed() bool {
	if !e.haveDetect {
		return true
	}
	return e.frameIndex-e.lastDetect >= uint64(e.cfg.CooldownFrames)
}
