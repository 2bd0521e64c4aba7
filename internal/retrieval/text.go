package retrieval

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// DefaultTextDimension is the fault-text embedding length used when none is configured.
const DefaultTextDimension = 48

// TextEmbedder maps fault and solution descriptions to unit vectors by
// signed feature hashing of lower-cased word tokens. It is the only scheme
// used on both sides of solution retrieval, so solution vectors and fault
// queries are always comparable.
type TextEmbedder struct {
	dim      int
	fallback []float32
}

// NewTextEmbedder creates a TextEmbedder. dim <= 0 selects DefaultTextDimension.
func NewTextEmbedder(dim int) *TextEmbedder {
	if dim <= 0 {
		dim = DefaultTextDimension
	}
	return &TextEmbedder{dim: dim, fallback: fallbackVector(dim, fallbackSeed+1)}
}

// Dimension returns the embedding length.
func (e *TextEmbedder) Dimension() int { return e.dim }

// Embed returns the unit-norm embedding of the given text fragments.
func (e *TextEmbedder) Embed(parts ...string) []float32 {
	acc := make([]float64, e.dim)
	for _, tok := range tokenize(strings.Join(parts, " ")) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dim))
		if sum&(1<<63) != 0 {
			acc[idx]--
		} else {
			acc[idx]++
		}
	}
	if !normalize(acc) {
		out := make([]float32, len(e.fallback))
		copy(out, e.fallback)
		return out
	}
	return toFloat32(acc)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
