package retrieval

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing its
// storage. Returns an error if the length is not a multiple of 4.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// squaredNorm returns the squared L2 norm of v in float64.
func squaredNorm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return sum
}

// CosineDistance returns 1 - cosine similarity of a and b, in [0, 2].
// ok is false when the dimensions differ or either vector is zero.
func CosineDistance(a, b []float32) (dist float64, ok bool) {
	return cosineDistance(a, b, squaredNorm(a))
}

// cosineDistance uses a precomputed squared norm for a. Identical vectors
// produce exactly 0: the dot product and both squared norms are the same
// sum, and sqrt(x*x) == x.
func cosineDistance(a, b []float32, aNormSq float64) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if aNormSq == 0 || bNormSq == 0 {
		return 0, false
	}
	d := 1 - dot/math.Sqrt(aNormSq*bNormSq)
	switch {
	case d < 0:
		d = 0
	case d > 2:
		d = 2
	}
	return d, true
}

// normalize scales v to unit L2 norm in place and reports whether it could.
func normalize(v []float64) bool {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return false
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] /= n
	}
	return true
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// topK keeps the best k items seen so far under less ("a ranks before b").
// The heap root is the worst kept item so it can be evicted in O(log k).
type topK[T any] struct {
	k     int
	items []T
	less  func(a, b T) bool
}

func newTopK[T any](k int, less func(a, b T) bool) *topK[T] {
	return &topK[T]{k: k, less: less}
}

func (h *topK[T]) Len() int           { return len(h.items) }
func (h *topK[T]) Less(i, j int) bool { return h.less(h.items[j], h.items[i]) }
func (h *topK[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *topK[T]) Push(x any)         { h.items = append(h.items, x.(T)) }
func (h *topK[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// offer considers x for inclusion.
func (h *topK[T]) offer(x T) {
	if h.k <= 0 {
		return
	}
	if len(h.items) < h.k {
		heap.Push(h, x)
		return
	}
	if h.less(x, h.items[0]) {
		h.items[0] = x
		heap.Fix(h, 0)
	}
}

// sorted returns the kept items best-first.
func (h *topK[T]) sorted() []T {
	out := make([]T, len(h.items))
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool { return h.less(out[i], out[j]) })
	return out
}
