package cpu

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	data  []float32
	shape []int
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("cpu: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// NewTensor allocates a zeroed tensor. Allocation through a Context is
// preferred on hot paths so the bytes are accounted for.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float32, numElements(shape)),
		shape: append([]int(nil), shape...),
	}
}

// FromSlice wraps data without copying.
func FromSlice(data []float32, shape ...int) *Tensor {
	if n := numElements(shape); n != len(data) {
		panic(fmt.Sprintf("cpu: %d elements cannot have shape %v", len(data), shape))
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...)}
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Len() int {
	return len(t.data)
}

func (t *Tensor) Bytes() int64 {
	return int64(4 * len(t.data))
}

func (t *Tensor) Strides() []int {
	return stridesOf(t.shape)
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("cpu: index %v does not match rank %d", idx, len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("cpu: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

// Reshape returns a view over the same data.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	return FromSlice(t.data, shape...)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		data:  append([]float32(nil), t.data...),
		shape: append([]int(nil), t.shape...),
	}
}

// Rows views the tensor as [rows, lastDim] and returns rows.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 1
	}
	last := t.shape[len(t.shape)-1]
	if last == 0 {
		return 0
	}
	return len(t.data) / last
}

// Row returns the i-th row of the [rows, lastDim] view, sharing storage.
func (t *Tensor) Row(i int) []float32 {
	d := t.Dim(-1)
	return t.data[i*d : (i+1)*d]
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// CountNonFinite returns the number of NaN and Inf elements.
func (t *Tensor) CountNonFinite() (nans, infs int) {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) {
			nans++
		} else if math.IsInf(f, 0) {
			infs++
		}
	}
	return nans, infs
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}
