package layers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
)

var (
	// ErrCacheShape is returned when a decode step does not match its cache.
	ErrCacheShape = errors.New("decode cache shape mismatch")
	// ErrCacheFull is returned when a decode step runs past the cache length.
	ErrCacheFull = errors.New("decode cache is full")
	// ErrShape is returned for inputs whose shapes cannot be combined.
	ErrShape = errors.New("incompatible tensor shapes")
)

// KVCache holds the projected keys and values of an autoregressive
// self-attention. Index is the position the next step writes to.
type KVCache struct {
	Key   *cpu.Tensor // [batch, length, heads*headDim]
	Value *cpu.Tensor
	Index int
}

func NewKVCache(batch, length, width int) *KVCache {
	return &KVCache{
		Key:   cpu.NewTensor(batch, length, width),
		Value: cpu.NewTensor(batch, length, width),
	}
}

func (c *KVCache) Batch() int  { return c.Key.Dim(0) }
func (c *KVCache) Length() int { return c.Key.Dim(1) }
func (c *KVCache) Bytes() int64 {
	return c.Key.Bytes() + c.Value.Bytes()
}

// MultiHeadDotProductAttention projects queries, keys and values into
// NumHeads heads of HeadDim features, attends, and projects back.
// The 1/sqrt(HeadDim) query scaling lives in the query kernel.
type MultiHeadDotProductAttention struct {
	NumHeads      int
	HeadDim       int
	DropoutRate   float64
	Float32Logits bool
	DType         string

	Query *Dense
	Key   *Dense
	Value *Dense
	Out   *Dense
}

func NewMultiHeadDotProductAttention(rng *rand.Rand, features, numHeads, headDim int, dropout float64, float32Logits bool, dt string) *MultiHeadDotProductAttention {
	width := numHeads * headDim
	a := &MultiHeadDotProductAttention{
		NumHeads:      numHeads,
		HeadDim:       headDim,
		DropoutRate:   dropout,
		Float32Logits: float32Logits,
		DType:         dt,
		Query:         NewDense(rng, features, width, DefaultKernelInit, dt),
		Key:           NewDense(rng, features, width, DefaultKernelInit, dt),
		Value:         NewDense(rng, features, width, DefaultKernelInit, dt),
		Out:           NewDense(rng, width, features, DefaultKernelInit, dt),
	}
	cpu.Scale(a.Query.Kernel, float32(1/math.Sqrt(float64(headDim))))
	return a
}

// Forward attends from xq [batch, qlen, features] to xkv [batch, klen,
// features]. mask is [batch|1, 1, qlen, klen] and bias is
// [batch|1, heads|1, qlen, klen]; either may be nil.
func (a *MultiHeadDotProductAttention) Forward(ctx context.Context, c *cpu.Context, xq, xkv, mask, bias *cpu.Tensor, mode Mode) (*cpu.Tensor, error) {
	q := a.Query.Forward(c, xq)
	k, v := a.ProjectKV(c, xkv)
	return a.Attend(ctx, c, q, k, v, mask, bias, mode)
}

// ProjectKV computes keys and values for memory, for reuse across steps.
func (a *MultiHeadDotProductAttention) ProjectKV(c *cpu.Context, memory *cpu.Tensor) (*cpu.Tensor, *cpu.Tensor) {
	return a.Key.Forward(c, memory), a.Value.Forward(c, memory)
}

// DecodeStep runs self-attention for one new position per example. The
// projected key and value are written to cache at cache.Index, the query
// attends to positions [0, cache.Index], and the index advances. bias is
// the [batch|1, heads, 1, cache.Length()] row for the current position.
func (a *MultiHeadDotProductAttention) DecodeStep(ctx context.Context, c *cpu.Context, x *cpu.Tensor, cache *KVCache, bias *cpu.Tensor, mode Mode) (*cpu.Tensor, error) {
	if x.Rank() != 3 || x.Dim(1) != 1 {
		return nil, fmt.Errorf("%w: decode step expects [batch, 1, features], got %v", ErrCacheShape, x.Shape())
	}
	batch, length, width := cache.Batch(), cache.Length(), a.NumHeads*a.HeadDim
	if x.Dim(0) != batch || cache.Key.Dim(2) != width {
		return nil, fmt.Errorf("%w: input %v against cache %v", ErrCacheShape, x.Shape(), cache.Key.Shape())
	}
	if cache.Index >= length {
		return nil, fmt.Errorf("%w: index %d of %d", ErrCacheFull, cache.Index, length)
	}

	q := a.Query.Forward(c, x)
	k, v := a.ProjectKV(c, x)
	kd, vd := cache.Key.Data(), cache.Value.Data()
	for b := 0; b < batch; b++ {
		off := (b*length + cache.Index) * width
		copy(kd[off:off+width], k.Data()[b*width:(b+1)*width])
		copy(vd[off:off+width], v.Data()[b*width:(b+1)*width])
	}

	mask := cpu.NewTensor(batch, 1, 1, length)
	md := mask.Data()
	for b := 0; b < batch; b++ {
		for j := 0; j <= cache.Index; j++ {
			md[b*length+j] = 1
		}
	}

	out, err := a.Attend(ctx, c, q, cache.Key, cache.Value, mask, bias, mode)
	if err != nil {
		return nil, err
	}
	cache.Index++
	return out, nil
}

// Attend runs dot-product attention over already projected q [batch, qlen,
// width], k and v [batch, klen, width], then applies the output projection.
func (a *MultiHeadDotProductAttention) Attend(ctx context.Context, c *cpu.Context, q, k, v, mask, bias *cpu.Tensor, mode Mode) (*cpu.Tensor, error) {
	heads, dh := a.NumHeads, a.HeadDim
	width := heads * dh
	batch, qlen, klen := q.Dim(0), q.Dim(1), k.Dim(1)
	if q.Dim(2) != width || k.Dim(2) != width || !k.SameShape(v) || k.Dim(0) != batch {
		return nil, fmt.Errorf("%w: q %v k %v v %v for %d heads of %d", ErrShape, q.Shape(), k.Shape(), v.Shape(), heads, dh)
	}
	if err := checkBias(mask, batch, 1, qlen, klen); err != nil {
		return nil, fmt.Errorf("mask: %w", err)
	}
	if err := checkBias(bias, batch, heads, qlen, klen); err != nil {
		return nil, fmt.Errorf("bias: %w", err)
	}
	maskBias := MaskToBias(mask)
	if maskBias != nil {
		dtype.Round(a.DType, maskBias.Data())
	}

	// Attention-weight dropout shares its mask across query positions.
	var keep []float32
	if !mode.Deterministic && a.DropoutRate > 0 {
		keep = sampleKeep(mode, []int{batch, heads, klen}, a.DropoutRate)
	}

	out := c.NewTensor(batch, qlen, width)
	qd, kd, vd, od := q.Data(), k.Data(), v.Data(), out.Data()
	err := c.ParallelFor(ctx, batch*heads, func(i int) error {
		b, h := i/heads, i%heads
		qh := gatherHead(qd, b, h, qlen, width, dh)
		kh := gatherHead(kd, b, h, klen, width, dh)
		vh := gatherHead(vd, b, h, klen, width, dh)

		logits := make([]float32, qlen*klen)
		cpu.MatMulT(qh, kh, qlen, klen, dh, logits)
		if !a.Float32Logits {
			dtype.Round(a.DType, logits)
		}
		addPlane(logits, bias, b, h, qlen, klen)
		addPlane(logits, maskBias, b, 0, qlen, klen)

		for r := 0; r < qlen; r++ {
			row := logits[r*klen : (r+1)*klen]
			cpu.Softmax(row)
			if keep != nil {
				mk := keep[(b*heads+h)*klen : (b*heads+h+1)*klen]
				for j := range row {
					row[j] *= mk[j]
				}
			}
		}
		dtype.Round(a.DType, logits)

		oh := make([]float32, qlen*dh)
		cpu.MatMul(logits, vh, qlen, dh, klen, oh)
		for r := 0; r < qlen; r++ {
			copy(od[(b*qlen+r)*width+h*dh:(b*qlen+r)*width+(h+1)*dh], oh[r*dh:(r+1)*dh])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	dtype.Round(a.DType, od)
	return a.Out.Forward(c, out), nil
}

func gatherHead(src []float32, b, h, length, width, dh int) []float32 {
	out := make([]float32, length*dh)
	for r := 0; r < length; r++ {
		off := (b*length+r)*width + h*dh
		copy(out[r*dh:(r+1)*dh], src[off:off+dh])
	}
	return out
}

// addPlane adds the [q, k] plane of t selected by (b, h), broadcasting
// size-1 batch and head axes.
func addPlane(dst []float32, t *cpu.Tensor, b, h, qlen, klen int) {
	if t == nil {
		return
	}
	if t.Dim(0) == 1 {
		b = 0
	}
	if t.Dim(1) == 1 {
		h = 0
	}
	off := (b*t.Dim(1) + h) * qlen * klen
	src := t.Data()[off : off+qlen*klen]
	for i, v := range src {
		dst[i] += v
	}
}

func checkBias(t *cpu.Tensor, batch, heads, qlen, klen int) error {
	if t == nil {
		return nil
	}
	if t.Rank() != 4 ||
		(t.Dim(0) != batch && t.Dim(0) != 1) ||
		(t.Dim(1) != heads && t.Dim(1) != 1) ||
		t.Dim(2) != qlen || t.Dim(3) != klen {
		return fmt.Errorf("%w: %v does not broadcast to [%d %d %d %d]", ErrShape, t.Shape(), batch, heads, qlen, klen)
	}
	return nil
}

func (a *MultiHeadDotProductAttention) Params(prefix string, visit Visit) {
	a.Query.Params(join(prefix, "query"), visit)
	a.Key.Params(join(prefix, "key"), visit)
	a.Value.Params(join(prefix, "value"), visit)
	a.Out.Params(join(prefix, "out"), visit)
}
