package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vector is a fixed-length face embedding. Vectors handed to the rest of
// the engine are always unit-norm so cosine similarity reduces to a dot
// product and stays numerically consistent with the stored index.
type Vector []float32

// Dim is the embedding dimensionality produced by the deployed model.
const Dim = 512

// Normalize returns an L2-normalized copy of v. A zero vector is
// returned unchanged.
func Normalize(v Vector) Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Cosine returns the cosine similarity of two vectors. For unit vectors
// this is their dot product; for safety it divides by the norms.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Encode serializes a vector to little-endian float32 bytes for storage.
func Encode(v Vector) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// Decode deserializes a vector previously written by Encode.
func Decode(data []byte) (Vector, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(data))
	}
	v := make(Vector, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
