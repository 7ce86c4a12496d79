package wake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// Spectrogram turns raw samples into mel feature rows.
type Spectrogram interface {
	Compute(samples []float32) ([][]float32, error)
}

// Embedder turns a window of mel rows into a fixed-size feature vector.
type Embedder interface {
	Embed(window [][]float32) ([]float32, error)
	Features() int
}

// Classifier scores a window of embedding rows as a wake-word probability.
type Classifier interface {
	Score(window [][]float32) (float32, error)
}

// ModelLoadError reports a missing or corrupt model asset. It is a typed
// load failure, not a crash; callers surface it as an unavailable status.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// weightsMagic identifies the dense weight file format: magic, uint32 input
// dim, uint32 output dim, input*output float32 weights (row-major), output
// float32 biases. All little-endian.
var weightsMagic = [4]byte{'O', 'E', 'W', '1'}

type denseModel struct {
	in      int
	out     int
	weights []float32
	bias    []float32
}

func loadDenseModel(path string) (*denseModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return nil, &ModelLoadError{Path: path, Err: fmt.Errorf("read magic: %w", err)}
	}
	if magic != weightsMagic {
		return nil, &ModelLoadError{Path: path, Err: errors.New("bad magic, not a weight file")}
	}

	var dims [2]uint32
	if err := binary.Read(f, binary.LittleEndian, &dims); err != nil {
		return nil, &ModelLoadError{Path: path, Err: fmt.Errorf("read dimensions: %w", err)}
	}
	in, out := int(dims[0]), int(dims[1])
	if in <= 0 || out <= 0 || in*out > 1<<26 {
		return nil, &ModelLoadError{Path: path, Err: fmt.Errorf("implausible dimensions %dx%d", in, out)}
	}

	m := &denseModel{
		in:      in,
		out:     out,
		weights: make([]float32, in*out),
		bias:    make([]float32, out),
	}
	if err := binary.Read(f, binary.LittleEndian, m.weights); err != nil {
		return nil, &ModelLoadError{Path: path, Err: fmt.Errorf("read weights: %w", err)}
	}
	if err := binary.Read(f, binary.LittleEndian, m.bias); err != nil {
		return nil, &ModelLoadError{Path: path, Err: fmt.Errorf("read bias: %w", err)}
	}
	return m, nil
}

// forward computes out = weights^T * in + bias. input length must equal the
// model's input dimension.
func (m *denseModel) forward(input []float32) ([]float32, error) {
	if len(input) != m.in {
		return nil, fmt.Errorf("model expects %d inputs, got %d", m.in, len(input))
	}
	out := make([]float32, m.out)
	copy(out, m.bias)
	for i, x := range input {
		if x == 0 {
			continue
		}
		row := m.weights[i*m.out : (i+1)*m.out]
		for o, w := range row {
			out[o] += x * w
		}
	}
	return out, nil
}

func flatten(window [][]float32) []float32 {
	if len(window) == 0 {
		return nil
	}
	flat := make([]float32, 0, len(window)*len(window[0]))
	for _, row := range window {
		flat = append(flat, row...)
	}
	return flat
}

// modelEmbedder is a dense projection with tanh activation loaded from a
// weight file.
type modelEmbedder struct {
	model *denseModel
}

// NewModelEmbedder loads an embedding model from path.
func NewModelEmbedder(path string) (Embedder, error) {
	m, err := loadDenseModel(path)
	if err != nil {
		return nil, err
	}
	return &modelEmbedder{model: m}, nil
}

func (e *modelEmbedder) Features() int { return e.model.out }

func (e *modelEmbedder) Embed(window [][]float32) ([]float32, error) {
	out, err := e.model.forward(flatten(window))
	if err != nil {
		return nil, err
	}
	for i, v := range out {
		out[i] = float32(math.Tanh(float64(v)))
	}
	return out, nil
}

// modelClassifier is a dense layer with sigmoid output loaded from a weight
// file.
type modelClassifier struct {
	model *denseModel
}

// NewModelClassifier loads a classifier model from path.
func NewModelClassifier(path string) (Classifier, error) {
	m, err := loadDenseModel(path)
	if err != nil {
		return nil, err
	}
	if m.out != 1 {
		return nil, &ModelLoadError{Path: path, Err: fmt.Errorf("classifier must have one output, has %d", m.out)}
	}
	return &modelClassifier{model: m}, nil
}

func (c *modelClassifier) Score(window [][]float32) (float32, error) {
	out, err := c.model.forward(flatten(window))
	if err != nil {
		return 0, err
	}
	return sigmoid(out[0]), nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// meanEmbedder pools a mel window down to a fixed feature size without any
// learned weights. It keeps the pipeline runnable when no embedding model is
// configured.
type meanEmbedder struct {
	features int
}

// NewMeanEmbedder creates the builtin pooling embedder.
func NewMeanEmbedder(features int) Embedder {
	if features <= 0 {
		features = 96
	}
	return &meanEmbedder{features: features}
}

func (e *meanEmbedder) Features() int { return e.features }

func (e *meanEmbedder) Embed(window [][]float32) ([]float32, error) {
	if len(window) == 0 || len(window[0]) == 0 {
		return nil, errors.New("empty mel window")
	}
	bins := len(window[0])
	pooled := make([]float64, bins)
	for _, row := range window {
		if len(row) != bins {
			return nil, fmt.Errorf("ragged mel window: %d vs %d bins", len(row), bins)
		}
		for i, v := range row {
			pooled[i] += float64(v)
		}
	}
	for i := range pooled {
		pooled[i] /= float64(len(window))
	}

	// Linear resample of the pooled band energies to the feature size.
	out := make([]float32, e.features)
	for i := range out {
		pos := float64(i) * float64(bins-1) / float64(e.features-1)
		lo := int(pos)
		hi := lo + 1
		if hi >= bins {
			hi = bins - 1
		}
		frac := pos - float64(lo)
		out[i] = float32(pooled[lo]*(1-frac) + pooled[hi]*frac)
	}
	return out, nil
}

// energyClassifier maps mean embedding energy through a logistic curve. The
// builtin fallback when no classifier model is configured; it reacts to
// sustained loudness, which is enough for bring-up and tests but is no
// substitute for a trained model.
type energyClassifier struct {
	gain float32
	bias float32
}

// NewEnergyClassifier creates the builtin classifier. gain and bias shape
// the logistic response; zero values pick defaults.
func NewEnergyClassifier(gain, bias float32) Classifier {
	if gain == 0 {
		gain = 0.8
	}
	if bias == 0 {
		bias = -4
	}
	return &energyClassifier{gain: gain, bias: bias}
}

func (c *energyClassifier) Score(window [][]float32) (float32, error) {
	if len(window) == 0 {
		return 0, errors.New("empty embedding window")
	}
	var acc float64
	var n int
	for _, row := range window {
		for _, v := range row {
			acc += float64(v)
			n++
		}
	}
	if n == 0 {
		return 0, errors.New("empty embedding rows")
	}
	mean := float32(acc / float64(n))
	return sigmoid(c.gain * (mean - c.bias)), nil
}
