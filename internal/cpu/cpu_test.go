package cpu

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestTensorIndexing(t *testing.T) {
	x := NewTensor(2, 3, 4)
	if x.Len() != 24 || x.Rank() != 3 {
		t.Fatalf("unexpected len/rank %d/%d", x.Len(), x.Rank())
	}
	x.Set(7, 1, 2, 3)
	if got := x.Data()[23]; got != 7 {
		t.Errorf("row-major offset wrong: got %v at 23", got)
	}
	if x.At(1, 2, 3) != 7 {
		t.Error("At did not read back Set value")
	}
	if x.Dim(-1) != 4 || x.Dim(0) != 2 {
		t.Errorf("Dim: got %d,%d", x.Dim(-1), x.Dim(0))
	}
	if diff := cmp.Diff([]int{12, 4, 1}, x.Strides()); diff != "" {
		t.Errorf("strides mismatch (-want +got):\n%s", diff)
	}
	if x.Rows() != 6 || len(x.Row(5)) != 4 {
		t.Errorf("rows view wrong: %d rows", x.Rows())
	}

	v := x.Reshape(6, 4)
	v.Set(1, 0, 0)
	if x.At(0, 0, 0) != 1 {
		t.Error("Reshape should share storage")
	}
	c := x.Clone()
	c.Set(9, 0, 0, 0)
	if x.At(0, 0, 0) == 9 {
		t.Error("Clone should not share storage")
	}
}

func TestTensorPanics(t *testing.T) {
	assertPanics(t, "bad FromSlice", func() { FromSlice(make([]float32, 5), 2, 3) })
	assertPanics(t, "out of range", func() { NewTensor(2, 2).At(2, 0) })
	assertPanics(t, "wrong rank", func() { NewTensor(2, 2).At(1) })
}

func assertPanics(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestMatMulT(t *testing.T) {
	// a = [[1,2],[3,4]], b = [[1,0],[0,1],[1,1]] -> a·bᵀ
	a := []float32{1, 2, 3, 4}
	b := []float32{1, 0, 0, 1, 1, 1}
	out := make([]float32, 6)
	MatMulT(a, b, 2, 3, 2, out)
	want := []float32{1, 2, 3, 3, 4, 7}
	if diff := cmp.Diff(want, out, approx); diff != "" {
		t.Errorf("MatMulT mismatch (-want +got):\n%s", diff)
	}
}

func TestMatMul(t *testing.T) {
	a := []float32{1, 2, 3, 4}       // 2x2
	b := []float32{5, 6, 7, 8, 9, 10} // 2x3
	out := make([]float32, 6)
	MatMul(a, b, 2, 3, 2, out)
	want := []float32{21, 24, 27, 47, 54, 61}
	if diff := cmp.Diff(want, out, approx); diff != "" {
		t.Errorf("MatMul mismatch (-want +got):\n%s", diff)
	}
}

func TestLinear(t *testing.T) {
	ctx := NewContext()
	defer ctx.Free()

	x := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	w := FromSlice([]float32{1, 0, 0, 0, 1, 0, 0, 0, 1, 1, 1, 1}, 4, 3)
	out := ctx.Linear(x, w)

	if diff := cmp.Diff([]int{1, 2, 4}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch:\n%s", diff)
	}
	want := []float32{1, 2, 3, 6, 4, 5, 6, 15}
	if diff := cmp.Diff(want, out.Data(), approx); diff != "" {
		t.Errorf("Linear mismatch (-want +got):\n%s", diff)
	}

	assertPanics(t, "mismatched weight", func() { ctx.Linear(x, NewTensor(4, 2)) })
}

func TestRMSNorm(t *testing.T) {
	ctx := NewContext()
	defer ctx.Free()

	x := FromSlice([]float32{3, 4, 0, 0}, 2, 2)
	out := ctx.RMSNorm(x, []float32{1, 2}, 0)

	// rms([3,4]) = sqrt(12.5)
	r := float32(math.Sqrt(12.5))
	want := []float32{3 / r, 8 / r, 0, 0}
	got := out.Data()
	if diff := cmp.Diff(want[:2], got[:2], approx); diff != "" {
		t.Errorf("RMSNorm mismatch (-want +got):\n%s", diff)
	}
	for _, v := range got[2:] {
		if !math.IsNaN(float64(v)) && v != 0 {
			t.Errorf("zero row should stay zero, got %v", v)
		}
	}

	withEps := ctx.RMSNorm(FromSlice([]float32{0, 0}, 1, 2), []float32{1, 1}, 1e-6)
	for _, v := range withEps.Data() {
		if v != 0 {
			t.Errorf("epsilon-guarded zero row should be 0, got %v", v)
		}
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := make([]float32, 10)
	for i := range x {
		x[i] = float32(1000 + i)
	}
	Softmax(x)

	var sum float32
	for _, v := range x {
		if v < 0 || v > 1 || math.IsNaN(float64(v)) {
			t.Fatalf("softmax value out of range: %v", v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax sum = %v", sum)
	}
	if x[9] <= x[0] {
		t.Error("softmax should preserve ordering")
	}
}

func TestSoftmaxMasked(t *testing.T) {
	x := []float32{0, -1e10, 0}
	Softmax(x)
	if diff := cmp.Diff([]float32{0.5, 0, 0.5}, x, approx); diff != "" {
		t.Errorf("masked softmax mismatch:\n%s", diff)
	}

	allMasked := []float32{float32(math.Inf(-1)), float32(math.Inf(-1))}
	Softmax(allMasked)
	if diff := cmp.Diff([]float32{0.5, 0.5}, allMasked, approx); diff != "" {
		t.Errorf("fully masked row should be uniform:\n%s", diff)
	}
}

func TestActivations(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want float32
	}{
		{"relu", -2, 0},
		{"relu", 2, 2},
		{"gelu", 0, 0},
		{"gelu", 1, 0.841192},
		{"gelu_new", -1, -0.158808},
		{"silu", 0, 0},
		{"swish", 1, 0.731059},
		{"sigmoid", 0, 0.5},
		{"tanh", 0, 0},
		{"linear", -3.5, -3.5},
		{"RELU", 1, 1},
	}
	for _, tt := range tests {
		fn, err := Activation(tt.name)
		if err != nil {
			t.Fatalf("Activation(%q): %v", tt.name, err)
		}
		if got := fn(tt.in); math.Abs(float64(got-tt.want)) > 1e-4 {
			t.Errorf("%s(%v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
	if _, err := Activation("softplus"); err == nil {
		t.Error("expected error for unknown activation")
	}
}

func TestElementwise(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3}, 3)
	b := FromSlice([]float32{4, 5, 6}, 3)
	Add(a, b)
	Mul(a, b)
	Scale(a, 0.5)
	want := []float32{10, 17.5, 27}
	if diff := cmp.Diff(want, a.Data(), approx); diff != "" {
		t.Errorf("elementwise mismatch:\n%s", diff)
	}
	Apply(a, func(x float32) float32 { return -x })
	if a.Data()[0] != -10 {
		t.Errorf("Apply failed: %v", a.Data())
	}
	assertPanics(t, "add size mismatch", func() { Add(a, NewTensor(2)) })
}

func TestEmbedding(t *testing.T) {
	ctx := NewContext()
	defer ctx.Free()

	table := FromSlice([]float32{
		0, 0,
		1, 1,
		2, 2,
	}, 3, 2)
	out := ctx.Embedding(table, []int{2, 1, 7, -1}, 2, 2)

	if diff := cmp.Diff([]int{2, 2, 2}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch:\n%s", diff)
	}
	want := []float32{2, 2, 1, 1, 0, 0, 0, 0}
	if diff := cmp.Diff(want, out.Data()); diff != "" {
		t.Errorf("embedding mismatch (-want +got):\n%s", diff)
	}
}

func TestContextAccounting(t *testing.T) {
	ctx := NewContext()
	before := AllocatedBytes()
	ctx.NewTensor(16, 16)
	if got := AllocatedBytes() - before; got != 16*16*4 {
		t.Errorf("expected %d bytes accounted, got %d", 16*16*4, got)
	}
	ctx.Free()
	if AllocatedBytes() != before {
		t.Errorf("Free should release accounting: %d != %d", AllocatedBytes(), before)
	}
}

func TestParallelFor(t *testing.T) {
	ctx := NewContext()
	ctx.SetNumThreads(4)

	var count int64
	err := ctx.ParallelFor(context.Background(), 100, func(i int) error {
		atomic.AddInt64(&count, int64(i))
		return nil
	})
	if err != nil {
		t.Fatalf("ParallelFor: %v", err)
	}
	if count != 4950 {
		t.Errorf("expected sum 4950, got %d", count)
	}

	boom := errors.New("boom")
	err = ctx.ParallelFor(context.Background(), 10, func(i int) error {
		if i == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	ctx.SetNumThreads(1)
	if err := ctx.ParallelFor(cancelled, 3, func(int) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
