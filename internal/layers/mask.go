package layers

import (
	"fmt"

	"github.com/23skdu/longbow-ut5/internal/cpu"
)

// Masks are float tensors of shape [batch, 1, queryLen, keyLen] holding 1
// where attention is allowed and 0 elsewhere.

// Pairwise compares a query element with a key element.
type Pairwise func(q, k int) float32

var (
	Multiply     Pairwise = func(q, k int) float32 { return float32(q * k) }
	Equal        Pairwise = func(q, k int) float32 { return boolf(q == k) }
	GreaterEqual Pairwise = func(q, k int) float32 { return boolf(q >= k) }
	LogicalAnd   Pairwise = func(q, k int) float32 { return boolf(q != 0 && k != 0) }
)

func boolf(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

// MaskNegInf is the bias applied where a mask is zero.
const MaskNegInf = -1e10

// MakeAttentionMask builds a [batch, 1, len(query[b]), len(key[b])] mask
// from fn applied to every query/key pair.
func MakeAttentionMask(query, key [][]int, fn Pairwise) *cpu.Tensor {
	batch := len(query)
	if len(key) != batch {
		panic(fmt.Sprintf("layers: mask batch mismatch %d vs %d", batch, len(key)))
	}
	ql, kl := 0, 0
	if batch > 0 {
		ql, kl = len(query[0]), len(key[0])
	}
	mask := cpu.NewTensor(batch, 1, ql, kl)
	data := mask.Data()
	for b := 0; b < batch; b++ {
		for i := 0; i < ql; i++ {
			row := data[(b*ql+i)*kl : (b*ql+i+1)*kl]
			for j := 0; j < kl; j++ {
				row[j] = fn(query[b][i], key[b][j])
			}
		}
	}
	return mask
}

// MakeCausalMask allows position i to attend to positions j <= i.
func MakeCausalMask(batch, length int) *cpu.Tensor {
	idx := make([][]int, batch)
	for b := range idx {
		idx[b] = Arange(length)
	}
	return MakeAttentionMask(idx, idx, GreaterEqual)
}

// MakeDecoderMask combines a causal mask with the padding mask of
// decoderTarget and, if given, a segment mask. Positions set in
// causalAttention (nil to skip) may attend bidirectionally among
// themselves, as for inputs of a prefix LM.
func MakeDecoderMask(decoderTarget, causalAttention, segmentIDs [][]int) *cpu.Tensor {
	batch := len(decoderTarget)
	length := 0
	if batch > 0 {
		length = len(decoderTarget[0])
	}

	causal := MakeCausalMask(batch, length)
	if causalAttention != nil {
		inputs := MakeAttentionMask(causalAttention, causalAttention, LogicalAnd)
		or := causal.Data()
		for i, v := range inputs.Data() {
			if v != 0 {
				or[i] = 1
			}
		}
	}

	masks := []*cpu.Tensor{causal, MakeAttentionMask(Positive(decoderTarget), Positive(decoderTarget), Multiply)}
	if segmentIDs != nil {
		masks = append(masks, MakeAttentionMask(segmentIDs, segmentIDs, Equal))
	}
	return CombineMasks(masks...)
}

// CombineMasks ANDs masks of equal shape, skipping nil entries. It returns
// nil when every entry is nil.
func CombineMasks(masks ...*cpu.Tensor) *cpu.Tensor {
	var out *cpu.Tensor
	for _, m := range masks {
		if m == nil {
			continue
		}
		if out == nil {
			out = m.Clone()
			for i, v := range out.Data() {
				out.Data()[i] = boolf(v != 0)
			}
			continue
		}
		if !out.SameShape(m) {
			panic(fmt.Sprintf("layers: combining masks of shapes %v and %v", out.Shape(), m.Shape()))
		}
		od := out.Data()
		for i, v := range m.Data() {
			if v == 0 {
				od[i] = 0
			}
		}
	}
	return out
}

// CombineBiases sums rank-4 biases, broadcasting axes of size 1. Nil
// entries are skipped; nil is returned when every entry is nil.
func CombineBiases(biases ...*cpu.Tensor) *cpu.Tensor {
	var present []*cpu.Tensor
	for _, b := range biases {
		if b != nil {
			present = append(present, b)
		}
	}
	if len(present) == 0 {
		return nil
	}

	shape := make([]int, 4)
	for i := range shape {
		shape[i] = 1
	}
	for _, b := range present {
		if b.Rank() != 4 {
			panic(fmt.Sprintf("layers: bias must be rank 4, got %v", b.Shape()))
		}
		for d := 0; d < 4; d++ {
			n := b.Dim(d)
			switch {
			case n == shape[d] || n == 1:
			case shape[d] == 1:
				shape[d] = n
			default:
				panic(fmt.Sprintf("layers: cannot broadcast bias %v to %v", b.Shape(), shape))
			}
		}
	}

	out := cpu.NewTensor(shape...)
	od := out.Data()
	for _, b := range present {
		bs := b.Shape()
		i := 0
		for n := 0; n < shape[0]; n++ {
			for h := 0; h < shape[1]; h++ {
				for q := 0; q < shape[2]; q++ {
					for k := 0; k < shape[3]; k++ {
						od[i] += b.At(n%bs[0], h%bs[1], q%bs[2], k%bs[3])
						i++
					}
				}
			}
		}
	}
	return out
}

// MaskToBias maps allowed positions to 0 and masked positions to MaskNegInf.
func MaskToBias(mask *cpu.Tensor) *cpu.Tensor {
	if mask == nil {
		return nil
	}
	bias := cpu.NewTensor(mask.Shape()...)
	bd := bias.Data()
	for i, v := range mask.Data() {
		if v <= 0 {
			bd[i] = MaskNegInf
		}
	}
	return bias
}

// Positive maps ids to 1 where they are > 0 (non-padding) and 0 elsewhere.
func Positive(ids [][]int) [][]int {
	out := make([][]int, len(ids))
	for b, row := range ids {
		out[b] = make([]int, len(row))
		for i, v := range row {
			if v > 0 {
				out[b][i] = 1
			}
		}
	}
	return out
}

// OnesLike returns a [len(ids)][len(ids[b])] batch of ones.
func OnesLike(ids [][]int) [][]int {
	out := make([][]int, len(ids))
	for b, row := range ids {
		out[b] = make([]int, len(row))
		for i := range row {
			out[b][i] = 1
		}
	}
	return out
}

func Arange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
