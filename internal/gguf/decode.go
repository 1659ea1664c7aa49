package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-ut5/internal/dtype"
)

// Block sizes
const (
	BlockSizeQ8_0 = 32
	BlockSizeQK   = 256
)

// Float32 decodes the tensor payload into a row-major float32 slice.
func (t *TensorInfo) Float32() ([]float32, error) {
	n := int(t.NumElements())
	if size := t.SizeBytes(); size == 0 {
		return nil, fmt.Errorf("tensor %s: unsupported type %s", t.Name, t.Type)
	} else if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("tensor %s: have %d bytes, want %d", t.Name, len(t.Data), size)
	}
	if bs := t.Type.BlockSize(); bs > 1 && uint64(n)%bs != 0 {
		return nil, fmt.Errorf("tensor %s: %d elements not a multiple of block size %d", t.Name, n, bs)
	}

	switch t.Type {
	case GGMLTypeF32:
		return dtype.Decode(dtype.Float32, t.Data, n)
	case GGMLTypeF16:
		return dtype.Decode(dtype.Float16, t.Data, n)
	case GGMLTypeBF16:
		return dtype.Decode(dtype.BFloat16, t.Data, n)
	case GGMLTypeQ8_0:
		return DequantizeQ8_0(t.Data, n), nil
	case GGMLTypeQ4_K:
		return DequantizeQ4K(t.Data, n), nil
	case GGMLTypeQ6_K:
		return DequantizeQ6K(t.Data, n), nil
	default:
		return nil, fmt.Errorf("tensor %s: decoding %s is not supported", t.Name, t.Type)
	}
}

func halfAt(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// DequantizeQ8_0 decodes blocks of an f16 scale followed by 32 int8 quants.
func DequantizeQ8_0(data []byte, numElements int) []float32 {
	const blockBytes = 34
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQ8_0; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		d := halfAt(block)
		for j := 0; j < BlockSizeQ8_0; j++ {
			out[b*BlockSizeQ8_0+j] = d * float32(int8(block[2+j]))
		}
	}
	return out
}

// QuantizeQ8_0 is the inverse of DequantizeQ8_0. len(x) must be a multiple
// of 32.
func QuantizeQ8_0(x []float32) []byte {
	const blockBytes = 34
	out := make([]byte, len(x)/BlockSizeQ8_0*blockBytes)
	for b := 0; b < len(x)/BlockSizeQ8_0; b++ {
		src := x[b*BlockSizeQ8_0 : (b+1)*BlockSizeQ8_0]
		var amax float32
		for _, v := range src {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		block := out[b*blockBytes : (b+1)*blockBytes]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(d).Bits())
		for j, v := range src {
			block[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out
}

// scaleMinK4 unpacks the j-th 6-bit scale and min of a Q4_K block.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	d := (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return d, m
}

// DequantizeQ4K converts Q4_K super-blocks of 256 weights.
// Layout:
// - d (f16): super-block scale
// - dmin (f16): super-block min
// - scales (12 bytes): packed 6-bit scales and mins
// - qs (128 bytes): 4-bit quants
func DequantizeQ4K(data []byte, numElements int) []float32 {
	const blockBytes = 144
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQK; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		d := halfAt(block[0:])
		dmin := halfAt(block[2:])
		scales := block[4:16]
		q := block[16:144]
		y := out[b*BlockSizeQK:]

		is := 0
		for j := 0; j < BlockSizeQK; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0xF) - m1
			}
			for l := 0; l < 32; l++ {
				y[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			q = q[32:]
			is += 2
		}
	}
	return out
}

// DequantizeQ6K converts Q6_K super-blocks of 256 weights.
// Layout:
// - ql (128 bytes): low 4 bits
// - qh (64 bytes): high 2 bits
// - scales (16 bytes): int8 sub-block scales
// - d (f16): super-block scale
func DequantizeQ6K(data []byte, numElements int) []float32 {
	const blockBytes = 210
	out := make([]float32, numElements)
	for b := 0; b < numElements/BlockSizeQK; b++ {
		block := data[b*blockBytes : (b+1)*blockBytes]
		ql := block[0:128]
		qh := block[128:192]
		sc := block[192:208]
		d := halfAt(block[208:])
		y := out[b*BlockSizeQK:]

		for n := 0; n < BlockSizeQK; n += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((ql[l]&0xF)|((qh[l]>>0)&3)<<4) - 32
				q2 := int8((ql[l+32]&0xF)|((qh[l]>>2)&3)<<4) - 32
				q3 := int8((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
				q4 := int8((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
				y[n+l] = d * float32(int8(sc[is])) * float32(q1)
				y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	}
	return out
}
