package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/apollo-nexus/nexus/internal/domain"
)

const (
	// DefaultDimension is the snapshot embedding length used when none is configured.
	DefaultDimension = 64

	// extraSlots is the value-index space for sensors outside the catalog.
	extraSlots = 1024

	fallbackSeed = 20240611
)

// Embedder projects sensor snapshots into fixed-length unit vectors.
//
// Each reading is log-compressed, weighted by a sinusoidal basis of
// (value index × dimension index), summed per dimension, squashed with
// tanh and the whole vector is L2-normalized. Catalog sensors keep a fixed
// value index so an absent sensor is an absent feature. Embed is pure and
// deterministic; it carries no learned notion of fault similarity.
type Embedder struct {
	dim      int
	fallback []float32
}

// NewEmbedder creates an Embedder of the given dimension.
// dim <= 0 selects DefaultDimension.
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Embedder{dim: dim, fallback: fallbackVector(dim, fallbackSeed)}
}

// Dimension returns the embedding length.
func (e *Embedder) Dimension() int { return e.dim }

// Embed returns the unit-norm embedding of s. A snapshot with no finite
// readings gets the fixed fallback vector.
func (e *Embedder) Embed(s domain.Snapshot) []float32 {
	acc := make([]float64, e.dim)
	n := 0
	for _, name := range s.SortedNames() {
		v := s.Readings[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		x := compress(v)
		idx := float64(valueIndex(name) + 1)
		for d := range acc {
			acc[d] += x * math.Sin(idx*float64(d+1))
		}
		n++
	}
	if n == 0 {
		return e.Fallback()
	}

	scale := math.Sqrt(float64(n))
	for d := range acc {
		acc[d] = math.Tanh(acc[d] / scale)
	}
	if !normalize(acc) {
		return e.Fallback()
	}
	return toFloat32(acc)
}

// Fallback returns a copy of the degenerate-case vector.
func (e *Embedder) Fallback() []float32 {
	out := make([]float32, len(e.fallback))
	copy(out, e.fallback)
	return out
}

// EmbedBatch embeds snapshots concurrently. Returns nil (not error) for
// empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, snapshots []domain.Snapshot) ([][]float32, error) {
	if len(snapshots) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(snapshots))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, s := range snapshots {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return fmt.Errorf("embedding snapshot %d: %w", i, err)
			}
			results[i] = e.Embed(s)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// valueIndex maps a sensor name to its basis index.
func valueIndex(name string) int {
	if i, ok := domain.SensorIndex(name); ok {
		return i
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return len(domain.ExpectedSensors) + int(h.Sum32()%extraSlots)
}

// compress keeps large-magnitude readings (watts, CFM) from drowning out
// small ones (inches of water column).
func compress(v float64) float64 {
	if v < 0 {
		return -math.Log1p(-v)
	}
	return math.Log1p(v)
}

func fallbackVector(dim int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	v := make([]float64, dim)
	for i := range v {
		v[i] = r.NormFloat64()
	}
	if !normalize(v) {
		v[0] = 1
	}
	return toFloat32(v)
}
