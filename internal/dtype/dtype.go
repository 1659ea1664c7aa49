// Package dtype emulates reduced-precision activation storage on top of
// float32 buffers and encodes/decodes half-precision tensor payloads.
package dtype

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

const (
	Float32  = "float32"
	BFloat16 = "bfloat16"
	Float16  = "float16"
)

// Round rounds every element of x in place to the precision of name.
// Float32 (and the empty name) is a no-op.
func Round(name string, x []float32) {
	switch name {
	case BFloat16:
		copy(x, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(roundingBias(x))))
	case Float16:
		for i, v := range x {
			x[i] = float16.Fromfloat32(v).Float32()
		}
	}
}

// roundingBias returns a copy of x whose bit patterns carry the
// round-to-nearest-even increment, so that dropping the low 16 bits (what the
// bfloat16 encoder does) rounds instead of truncating. NaNs pass through.
func roundingBias(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		if v != v {
			out[i] = v
			continue
		}
		b := math.Float32bits(v)
		b += 0x7FFF + ((b >> 16) & 1)
		out[i] = math.Float32frombits(b)
	}
	return out
}

// Bytes is the storage width of one element.
func Bytes(name string) int {
	switch name {
	case BFloat16, Float16:
		return 2
	default:
		return 4
	}
}

// Encode serializes x little-endian in the given dtype.
func Encode(name string, x []float32) ([]byte, error) {
	switch name {
	case Float32, "":
		out := make([]byte, 4*len(x))
		for i, v := range x {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	case BFloat16:
		return bfloat16.EncodeFloat32(roundingBias(x)), nil
	case Float16:
		out := make([]byte, 2*len(x))
		for i, v := range x {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype: %q", name)
	}
}

// Decode reads n elements of the given dtype from data.
func Decode(name string, data []byte, n int) ([]float32, error) {
	need := n * Bytes(name)
	if len(data) < need {
		return nil, fmt.Errorf("decode %s: need %d bytes, have %d", name, need, len(data))
	}
	switch name {
	case Float32, "":
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
		return out, nil
	case BFloat16:
		return bfloat16.DecodeFloat32(data[:need]), nil
	case Float16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype: %q", name)
	}
}
