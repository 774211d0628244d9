package semantic

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/convergehq/converge/pkg/model"
)

const (
	// DefaultDimension is the vector size of the deterministic provider.
	DefaultDimension = 64
	// DefaultModel names the deterministic provider's output space.
	DefaultModel = "deterministic-v1"
)

// EmbeddingResult is the output of embedding a single text.
type EmbeddingResult struct {
	Vector      []float64
	Model       string
	Dimension   int
	GeneratedAt string
}

// Provider turns text into a vector. Implementations must be
// deterministic per model name: same text, same vector.
type Provider interface {
	ModelName() string
	Dimension() int
	Embed(text string) (EmbeddingResult, error)
}

// DeterministicProvider is a hash-based provider with no external
// dependencies. Identical text yields an identical unit vector, so it
// detects exact-duplicate intents; it cannot judge paraphrases. Real
// semantic similarity needs an ML-backed Provider.
type DeterministicProvider struct {
	dim int
}

// NewDeterministicProvider builds a provider with the given dimension.
func NewDeterministicProvider(dim int) *DeterministicProvider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &DeterministicProvider{dim: dim}
}

func (p *DeterministicProvider) ModelName() string { return DefaultModel }
func (p *DeterministicProvider) Dimension() int    { return p.dim }

// Embed expands SHA-256 over the text to fill the dimension, maps each
// 4-byte word into [-1, 1], and L2-normalizes.
func (p *DeterministicProvider) Embed(text string) (EmbeddingResult, error) {
	raw := make([]byte, 0, p.dim*4+sha256.Size)
	for i := 0; len(raw) < p.dim*4; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", text, i)))
		raw = append(raw, sum[:]...)
	}

	vector := make([]float64, p.dim)
	normSq := 0.0
	for j := 0; j < p.dim; j++ {
		val := binary.BigEndian.Uint32(raw[j*4:])
		vector[j] = (float64(val)/float64(1<<32))*2.0 - 1.0
		normSq += vector[j] * vector[j]
	}
	if normSq > 0 {
		n := math.Sqrt(normSq)
		for j := range vector {
			vector[j] /= n
		}
	}

	return EmbeddingResult{
		Vector:      vector,
		Model:       p.ModelName(),
		Dimension:   p.dim,
		GeneratedAt: model.NowISO(),
	}, nil
}

// CosineSimilarity computes the cosine of the angle between vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	dot, normA, normB := 0.0, 0.0, 0.0
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
