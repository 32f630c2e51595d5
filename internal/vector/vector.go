// Package vector provides the embedding blob codec and the similarity math
// shared by the storage backends.
package vector

import (
	"encoding/binary"
	"math"
)

// Encode serializes a float32 vector as a little-endian blob, 4 bytes per
// component. The layout is the on-disk embedding format; changing it would
// invalidate existing databases.
func Encode(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}

	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode deserializes a little-endian blob back into a float32 vector.
// Trailing bytes that do not form a full component are dropped.
func Decode(buf []byte) []float32 {
	n := len(buf) / 4
	if n == 0 {
		return nil
	}

	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// Cosine computes the cosine similarity dot(a,b) / (||a||·||b||) using
// float64 accumulators. It returns 0 when the lengths differ, either vector
// has zero norm, or the result is not finite; the value is otherwise in
// [-1, 1].
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 || !isFinite(denom) {
		return 0
	}

	sim := dot / denom
	if !isFinite(sim) {
		return 0
	}

	// Guard against float drift just outside the mathematical range.
	return math.Max(-1, math.Min(1, sim))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
