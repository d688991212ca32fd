package memory

import (
	"encoding/binary"
	"math"
)

// Embeddings persist as raw little-endian float32 buffers, 4 bytes per
// component. The compact encoding keeps large corpora an order of magnitude
// smaller than JSON arrays.

// EncodeVector serializes an embedding; nil encodes as nil.
func EncodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes an embedding buffer. Truncated buffers drop the
// trailing partial component.
func DecodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
