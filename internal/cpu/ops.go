package cpu

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMulT computes out[m,n] = a[m,k] · b[n,k]ᵀ.
func MatMulT(a, b []float32, m, n, k int, out []float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		clear(out[:m*n])
		return
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: n, Cols: k, Stride: k, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out})
}

// MatMul computes out[m,n] = a[m,k] · b[k,n].
func MatMul(a, b []float32, m, n, k int, out []float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		clear(out[:m*n])
		return
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out})
}

// Linear applies x · wᵀ over the last axis of x. w is [out, in].
func (c *Context) Linear(x, w *Tensor) *Tensor {
	in := x.Dim(-1)
	if w.Rank() != 2 || w.Dim(1) != in {
		panic(fmt.Sprintf("cpu: linear weight %v does not accept input %v", w.shape, x.shape))
	}
	outDim := w.Dim(0)
	shape := x.Shape()
	shape[len(shape)-1] = outDim
	out := c.NewTensor(shape...)
	MatMulT(x.data, w.data, x.Rows(), outDim, in, out.data)
	return out
}

// RMSNorm scales every row of x by weight / rms(row). No mean is subtracted.
func (c *Context) RMSNorm(x *Tensor, weight []float32, eps float32) *Tensor {
	size := x.Dim(-1)
	if len(weight) != size {
		panic(fmt.Sprintf("cpu: rmsnorm weight of %d for rows of %d", len(weight), size))
	}
	out := c.NewTensor(x.shape...)
	for row := 0; row < x.Rows(); row++ {
		in := x.data[row*size : (row+1)*size]
		o := out.data[row*size : (row+1)*size]
		var sum float64
		for _, v := range in {
			sum += float64(v) * float64(v)
		}
		inv := float32(1.0 / math.Sqrt(sum/float64(size)+float64(eps)))
		for j, v := range in {
			o[j] = v * inv * weight[j]
		}
	}
	return out
}

// Softmax normalizes x in place. A row of all -Inf becomes uniform.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := x[0]
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		u := 1 / float32(len(x))
		for i := range x {
			x[i] = u
		}
		return
	}
	var sum float64
	for i := range x {
		e := math.Exp(float64(x[i] - maxVal))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Activation resolves an activation name to its elementwise function.
func Activation(name string) (func(float32) float32, error) {
	switch strings.ToLower(name) {
	case "relu":
		return relu, nil
	case "gelu", "gelu_new":
		return gelu, nil
	case "silu", "swish":
		return silu, nil
	case "tanh":
		return func(x float32) float32 { return float32(math.Tanh(float64(x))) }, nil
	case "sigmoid":
		return sigmoid, nil
	case "linear":
		return func(x float32) float32 { return x }, nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

func relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

// gelu is the tanh approximation.
func gelu(x float32) float32 {
	inner := 0.7978845608028654 * (float64(x) + 0.044715*float64(x)*float64(x)*float64(x))
	return float32(0.5 * float64(x) * (1 + math.Tanh(inner)))
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func silu(x float32) float32 {
	return x * sigmoid(x)
}

// Apply runs fn over every element of x in place.
func Apply(x *Tensor, fn func(float32) float32) {
	for i, v := range x.data {
		x.data[i] = fn(v)
	}
}

// Add accumulates b into a.
func Add(a, b *Tensor) {
	if len(a.data) != len(b.data) {
		panic(fmt.Sprintf("cpu: add %v and %v", a.shape, b.shape))
	}
	for i, v := range b.data {
		a.data[i] += v
	}
}

// Mul multiplies a by b elementwise in place.
func Mul(a, b *Tensor) {
	if len(a.data) != len(b.data) {
		panic(fmt.Sprintf("cpu: mul %v and %v", a.shape, b.shape))
	}
	for i, v := range b.data {
		a.data[i] *= v
	}
}

func Scale(a *Tensor, s float32) {
	for i := range a.data {
		a.data[i] *= s
	}
}

// Embedding gathers rows of table [vocab, dim] for ids laid out as shape.
// Ids outside [0, vocab) produce zero rows, matching a one-hot lookup.
func (c *Context) Embedding(table *Tensor, ids []int, shape ...int) *Tensor {
	vocab, dim := table.Dim(0), table.Dim(1)
	out := c.NewTensor(append(append([]int(nil), shape...), dim)...)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			continue
		}
		copy(out.data[i*dim:(i+1)*dim], table.data[id*dim:(id+1)*dim])
	}
	return out
}
