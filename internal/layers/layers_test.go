package layers

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
)

func randTensor(rng *rand.Rand, shape ...int) *cpu.Tensor {
	t := cpu.NewTensor(shape...)
	for i := range t.Data() {
		t.Data()[i] = float32(rng.NormFloat64())
	}
	return t
}

func assertClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		if math.Abs(float64(want[i]-got[i])) > tol {
			t.Fatalf("index %d: want %v, got %v", i, want[i], got[i])
		}
	}
}

func TestRelativePositionBucket(t *testing.T) {
	tests := []struct {
		rel           int
		bidirectional bool
		want          int
	}{
		{0, true, 0},
		{-1, true, 1},
		{1, true, 17},
		{-8, true, 8},
		{8, true, 24},
		{-127, true, 15},
		{-1000, true, 15},
		{1000, true, 31},
		{5, false, 0},
		{-5, false, 5},
		{-16, false, 16},
		{-20, false, 17},
		{-127, false, 31},
		{-1000, false, 31},
	}
	for _, tt := range tests {
		got := RelativePositionBucket(tt.rel, tt.bidirectional, 32, 128)
		assert.Equal(t, tt.want, got, "rel=%d bidirectional=%v", tt.rel, tt.bidirectional)
	}
}

func TestRelativePositionBucketRange(t *testing.T) {
	for _, bidi := range []bool{true, false} {
		for rel := -300; rel <= 300; rel++ {
			b := RelativePositionBucket(rel, bidi, 32, 128)
			require.GreaterOrEqual(t, b, 0)
			require.Less(t, b, 32)
		}
	}
}

func TestRelativePositionBiases(t *testing.T) {
	r := NewRelativePositionBiases(rand.New(rand.NewSource(1)), 32, 128, 3, dtype.Float32)
	for b := 0; b < 32; b++ {
		for h := 0; h < 3; h++ {
			r.Table.Set(float32(b*10+h), b, h)
		}
	}

	full := r.Forward(5, 7, true)
	require.Equal(t, []int{1, 3, 5, 7}, full.Shape())
	for h := 0; h < 3; h++ {
		for i := 0; i < 5; i++ {
			for j := 0; j < 7; j++ {
				want := float32(RelativePositionBucket(j-i, true, 32, 128)*10 + h)
				assert.Equal(t, want, full.At(0, h, i, j))
			}
		}
	}

	sq := r.Forward(6, 6, false)
	for pos := 0; pos < 6; pos++ {
		row := r.Row(pos, 6, false)
		require.Equal(t, []int{1, 3, 1, 6}, row.Shape())
		for h := 0; h < 3; h++ {
			for j := 0; j < 6; j++ {
				assert.Equal(t, sq.At(0, h, pos, j), row.At(0, h, 0, j))
			}
		}
	}
}

func TestMasks(t *testing.T) {
	causal := MakeCausalMask(1, 3)
	assert.Equal(t, []float32{1, 0, 0, 1, 1, 0, 1, 1, 1}, causal.Data())

	target := [][]int{{5, 6, 0}}
	dec := MakeDecoderMask(target, nil, nil)
	assert.Equal(t, []float32{1, 0, 0, 1, 1, 0, 0, 0, 0}, dec.Data())

	segs := [][]int{{1, 1, 2, 2}}
	packed := MakeDecoderMask([][]int{{3, 4, 5, 6}}, nil, segs)
	assert.Equal(t, []float32{
		1, 0, 0, 0,
		1, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 1, 1,
	}, packed.Data())

	// Prefix positions see each other bidirectionally.
	prefix := MakeDecoderMask([][]int{{3, 4, 5}}, [][]int{{1, 1, 0}}, nil)
	assert.Equal(t, []float32{1, 1, 0, 1, 1, 0, 1, 1, 1}, prefix.Data())

	pad := MakeAttentionMask(Positive([][]int{{7, 0}}), Positive([][]int{{1, 2, 0}}), Multiply)
	require.Equal(t, []int{1, 1, 2, 3}, pad.Shape())
	assert.Equal(t, []float32{1, 1, 0, 0, 0, 0}, pad.Data())
}

func TestCombineMasks(t *testing.T) {
	assert.Nil(t, CombineMasks(nil, nil))

	a := cpu.FromSlice([]float32{1, 1, 0, 1}, 1, 1, 2, 2)
	b := cpu.FromSlice([]float32{1, 0, 1, 1}, 1, 1, 2, 2)
	got := CombineMasks(a, nil, b)
	assert.Equal(t, []float32{1, 0, 0, 1}, got.Data())
	// Inputs are not modified.
	assert.Equal(t, []float32{1, 1, 0, 1}, a.Data())

	assert.Panics(t, func() { CombineMasks(a, cpu.NewTensor(1, 1, 2, 3)) })
}

func TestCombineBiases(t *testing.T) {
	assert.Nil(t, CombineBiases())

	mask := cpu.FromSlice([]float32{0, -1, 0, -1}, 2, 1, 1, 2)
	rel := cpu.FromSlice([]float32{1, 2, 3, 4, 5, 6}, 1, 3, 1, 2)
	got := CombineBiases(mask, rel)
	require.Equal(t, []int{2, 3, 1, 2}, got.Shape())
	assert.Equal(t, float32(1), got.At(0, 0, 0, 0))
	assert.Equal(t, float32(1), got.At(1, 0, 0, 0))
	assert.Equal(t, float32(5), got.At(1, 2, 0, 1))
}

func TestMaskToBias(t *testing.T) {
	bias := MaskToBias(cpu.FromSlice([]float32{1, 0}, 1, 1, 1, 2))
	assert.Equal(t, []float32{0, MaskNegInf}, bias.Data())
	assert.Nil(t, MaskToBias(nil))
}

func TestDropout(t *testing.T) {
	x := cpu.FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	Dropout(x, 0.5, nil, Mode{Deterministic: true})
	assert.Equal(t, []float32{1, 2, 3, 4}, x.Data())

	Dropout(x, 0, nil, Mode{RNG: rand.New(rand.NewSource(1))})
	assert.Equal(t, []float32{1, 2, 3, 4}, x.Data())

	Dropout(x, 1, nil, Mode{RNG: rand.New(rand.NewSource(1))})
	assert.Equal(t, []float32{0, 0, 0, 0}, x.Data())
}

func TestDropoutBroadcast(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := cpu.NewTensor(4, 6, 8)
	Ones(nil, x, 0, 0)
	Dropout(x, 0.5, []int{-2}, Mode{RNG: rng})

	for b := 0; b < 4; b++ {
		for d := 0; d < 8; d++ {
			first := x.At(b, 0, d)
			assert.Contains(t, []float32{0, 2}, first)
			for l := 1; l < 6; l++ {
				assert.Equal(t, first, x.At(b, l, d), "mask must be shared along length")
			}
		}
	}
}

func TestDropoutPreservesMean(t *testing.T) {
	x := cpu.NewTensor(200000)
	Ones(nil, x, 0, 0)
	Dropout(x, 0.3, nil, Mode{RNG: rand.New(rand.NewSource(3))})
	var sum float64
	for _, v := range x.Data() {
		sum += float64(v)
	}
	assert.InDelta(t, 1.0, sum/float64(x.Len()), 0.02)
}

func TestStochasticDepth(t *testing.T) {
	x := cpu.NewTensor(64, 3, 4)
	Ones(nil, x, 0, 0)
	_, dropped := StochasticDepth(x, 0.5, Mode{RNG: rand.New(rand.NewSource(11))})

	per := 12
	zeros := 0
	for b := 0; b < 64; b++ {
		row := x.Data()[b*per : (b+1)*per]
		for _, v := range row {
			assert.Equal(t, row[0], v, "example %d must be dropped or kept as a whole", b)
		}
		switch row[0] {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("example %d scaled to %v", b, row[0])
		}
	}
	assert.Equal(t, zeros, dropped)
	assert.Greater(t, dropped, 0)
	assert.Less(t, dropped, 64)

	y := cpu.NewTensor(2, 2)
	Ones(nil, y, 0, 0)
	_, n := StochasticDepth(y, 0.9, Mode{Deterministic: true})
	assert.Zero(t, n)
	assert.Equal(t, []float32{1, 1, 1, 1}, y.Data())
}

func TestStochasticDepthRate(t *testing.T) {
	assert.Equal(t, 0.0, StochasticDepthRate(0.3, 0, 6))
	assert.InDelta(t, 0.15, StochasticDepthRate(0.3, 3, 6), 1e-12)
	assert.Equal(t, 0.0, StochasticDepthRate(0.3, 1, 0))
}

func TestInitializers(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	k := cpu.NewTensor(64, 100)
	DefaultKernelInit(rng, k, 100, 64)
	limit := 2 * math.Sqrt(1.0/100) / truncatedNormalStd
	var sq float64
	for _, v := range k.Data() {
		require.LessOrEqual(t, math.Abs(float64(v)), limit+1e-6)
		sq += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0/100, sq/float64(k.Len()), 0.002)

	u := cpu.NewTensor(32, 8)
	RelPosInit(rng, u, 8, 32)
	ulimit := math.Sqrt(3 * 1.0 / 20)
	for _, v := range u.Data() {
		require.LessOrEqual(t, math.Abs(float64(v)), ulimit)
	}

	e := cpu.NewTensor(1000)
	NormalInit(1.0)(rng, e, 0, 0)
	var mean float64
	for _, v := range e.Data() {
		mean += float64(v)
	}
	assert.InDelta(t, 0, mean/1000, 0.15)

	n := NewLayerNorm(4, 1e-6, dtype.Float32)
	assert.Equal(t, []float32{1, 1, 1, 1}, n.Scale.Data())
}

func TestDenseAndNorm(t *testing.T) {
	c := cpu.NewContext()
	d := NewDense(nil, 2, 3, nil, dtype.Float32)
	copy(d.Kernel.Data(), []float32{1, 0, 0, 1, 1, 1})
	out := d.Forward(c, cpu.FromSlice([]float32{2, 3}, 1, 1, 2))
	assert.Equal(t, []int{1, 1, 3}, out.Shape())
	assert.Equal(t, []float32{2, 3, 5}, out.Data())
	assert.Equal(t, 2, d.In())
	assert.Equal(t, 3, d.Out())

	n := NewLayerNorm(2, 0, dtype.Float32)
	got := n.Forward(c, cpu.FromSlice([]float32{3, 4}, 1, 2))
	rms := math.Sqrt((9 + 16) / 2.0)
	assertClose(t, []float32{float32(3 / rms), float32(4 / rms)}, got.Data(), 1e-6)

	bf := NewLayerNorm(2, 0, dtype.BFloat16)
	rounded := bf.Forward(c, cpu.FromSlice([]float32{3, 4}, 1, 2)).Data()
	want := []float32{float32(3 / rms), float32(4 / rms)}
	dtype.Round(dtype.BFloat16, want)
	assert.Equal(t, want, rounded)
}

func TestEmbed(t *testing.T) {
	c := cpu.NewContext()
	e := NewEmbed(nil, 3, 2, nil, dtype.Float32)
	copy(e.Table.Data(), []float32{1, 2, 3, 4, 5, 6})

	out := e.Lookup(c, [][]int{{2, 0}, {9, 1}})
	require.Equal(t, []int{2, 2, 2}, out.Shape())
	assert.Equal(t, []float32{5, 6, 1, 2, 0, 0, 3, 4}, out.Data())

	logits := e.Attend(c, cpu.FromSlice([]float32{1, 1}, 1, 2))
	assert.Equal(t, []float32{3, 7, 11}, logits.Data())
	assert.Equal(t, 3, e.NumEmbeddings())
	assert.Equal(t, 2, e.Features())
}

func TestMlpBlock(t *testing.T) {
	c := cpu.NewContext()
	rng := rand.New(rand.NewSource(2))

	m, err := NewMlpBlock(rng, 2, 2, []string{"relu"}, 0, dtype.Float32)
	require.NoError(t, err)
	copy(m.Wi[0].Kernel.Data(), []float32{1, 0, 0, -1})
	copy(m.Wo.Kernel.Data(), []float32{1, 1, 0, 1})
	out, err := m.Forward(c, cpu.FromSlice([]float32{2, 3}, 1, 1, 2), Mode{Deterministic: true})
	require.NoError(t, err)
	// relu([2, -3]) = [2, 0]; wo gives [2, 0].
	assert.Equal(t, []float32{2, 0}, out.Data())

	g, err := NewMlpBlock(rng, 2, 2, []string{"linear", "linear"}, 0, dtype.Float32)
	require.NoError(t, err)
	copy(g.Wi[0].Kernel.Data(), []float32{1, 0, 0, 1})
	copy(g.Wi[1].Kernel.Data(), []float32{2, 0, 0, 2})
	copy(g.Wo.Kernel.Data(), []float32{1, 0, 0, 1})
	out, err = g.Forward(c, cpu.FromSlice([]float32{2, 3}, 1, 1, 2), Mode{Deterministic: true})
	require.NoError(t, err)
	assert.Equal(t, []float32{8, 18}, out.Data())

	var names []string
	g.Params("mlp", func(name string, _ *cpu.Tensor) { names = append(names, name) })
	assert.Equal(t, []string{"mlp/wi_0/kernel", "mlp/wi_1/kernel", "mlp/wo/kernel"}, names)

	names = nil
	m.Params("mlp", func(name string, _ *cpu.Tensor) { names = append(names, name) })
	assert.Equal(t, []string{"mlp/wi/kernel", "mlp/wo/kernel"}, names)

	_, err = NewMlpBlock(rng, 2, 2, []string{"bogus"}, 0, dtype.Float32)
	assert.Error(t, err)
}

func identity(d *Dense) {
	data := d.Kernel.Data()
	for i := range data {
		data[i] = 0
	}
	for i := 0; i < d.Out() && i < d.In(); i++ {
		d.Kernel.Set(1, i, i)
	}
}

func TestAttentionSingleKey(t *testing.T) {
	c := cpu.NewContext()
	a := NewMultiHeadDotProductAttention(rand.New(rand.NewSource(3)), 4, 2, 2, 0, true, dtype.Float32)
	for _, d := range []*Dense{a.Query, a.Key, a.Value, a.Out} {
		identity(d)
	}
	xq := cpu.FromSlice([]float32{1, 2, 3, 4}, 1, 1, 4)
	xkv := cpu.FromSlice([]float32{5, 6, 7, 8}, 1, 1, 4)
	out, err := a.Forward(context.Background(), c, xq, xkv, nil, nil, Mode{Deterministic: true})
	require.NoError(t, err)
	// With one key every head's weight is 1, so the output is the value.
	assertClose(t, xkv.Data(), out.Data(), 1e-6)
}

func TestAttentionMaskedKeyIgnored(t *testing.T) {
	c := cpu.NewContext()
	rng := rand.New(rand.NewSource(4))
	a := NewMultiHeadDotProductAttention(rng, 8, 2, 4, 0, true, dtype.Float32)

	xq := randTensor(rng, 1, 2, 8)
	xkv := randTensor(rng, 1, 3, 8)
	mask := cpu.FromSlice([]float32{1, 1, 0, 1, 1, 0}, 1, 1, 2, 3)
	got, err := a.Forward(context.Background(), c, xq, xkv, mask, nil, Mode{Deterministic: true})
	require.NoError(t, err)

	short := cpu.FromSlice(append([]float32(nil), xkv.Data()[:16]...), 1, 2, 8)
	want, err := a.Forward(context.Background(), c, xq, short, nil, nil, Mode{Deterministic: true})
	require.NoError(t, err)
	assertClose(t, want.Data(), got.Data(), 1e-5)
}

func TestAttentionShapeErrors(t *testing.T) {
	c := cpu.NewContext()
	rng := rand.New(rand.NewSource(4))
	a := NewMultiHeadDotProductAttention(rng, 8, 2, 4, 0, true, dtype.Float32)
	x := randTensor(rng, 1, 2, 8)

	_, err := a.Forward(context.Background(), c, x, x, cpu.NewTensor(1, 1, 2, 5), nil, Mode{Deterministic: true})
	assert.ErrorIs(t, err, ErrShape)
	_, err = a.Forward(context.Background(), c, x, x, nil, cpu.NewTensor(1, 3, 2, 2), Mode{Deterministic: true})
	assert.ErrorIs(t, err, ErrShape)
}

func TestDecodeStepMatchesCausalForward(t *testing.T) {
	ctx := context.Background()
	c := cpu.NewContext()
	rng := rand.New(rand.NewSource(9))
	const (
		batch    = 2
		length   = 5
		features = 8
	)
	a := NewMultiHeadDotProductAttention(rng, features, 2, 4, 0, false, dtype.Float32)
	rel := NewRelativePositionBiases(rng, 32, 128, 2, dtype.Float32)
	x := randTensor(rng, batch, length, features)

	full, err := a.Forward(ctx, c, x, x, MakeCausalMask(batch, length), rel.Forward(length, length, false), Mode{Deterministic: true})
	require.NoError(t, err)

	cache := NewKVCache(batch, length, 8)
	for pos := 0; pos < length; pos++ {
		step := cpu.NewTensor(batch, 1, features)
		for b := 0; b < batch; b++ {
			copy(step.Data()[b*features:(b+1)*features], x.Data()[(b*length+pos)*features:(b*length+pos+1)*features])
		}
		out, err := a.DecodeStep(ctx, c, step, cache, rel.Row(pos, length, false), Mode{Deterministic: true})
		require.NoError(t, err)
		assert.Equal(t, pos+1, cache.Index)
		for b := 0; b < batch; b++ {
			want := full.Data()[(b*length+pos)*features : (b*length+pos+1)*features]
			assertClose(t, want, out.Data()[b*features:(b+1)*features], 1e-5)
		}
	}

	_, err = a.DecodeStep(ctx, c, cpu.NewTensor(batch, 1, features), cache, nil, Mode{Deterministic: true})
	assert.ErrorIs(t, err, ErrCacheFull)

	_, err = a.DecodeStep(ctx, c, cpu.NewTensor(batch, 2, features), NewKVCache(batch, length, 8), nil, Mode{Deterministic: true})
	assert.ErrorIs(t, err, ErrCacheShape)

	_, err = a.DecodeStep(ctx, c, cpu.NewTensor(3, 1, features), NewKVCache(batch, length, 8), nil, Mode{Deterministic: true})
	assert.ErrorIs(t, err, ErrCacheShape)
}

func TestAttentionDropoutIsSeeded(t *testing.T) {
	c := cpu.NewContext()
	rng := rand.New(rand.NewSource(12))
	a := NewMultiHeadDotProductAttention(rng, 8, 2, 4, 0.5, true, dtype.Float32)
	x := randTensor(rng, 2, 3, 8)

	det1, err := a.Forward(context.Background(), c, x, x, nil, nil, Mode{Deterministic: true})
	require.NoError(t, err)
	det2, err := a.Forward(context.Background(), c, x, x, nil, nil, Mode{Deterministic: true})
	require.NoError(t, err)
	assert.Equal(t, det1.Data(), det2.Data())

	s1, err := a.Forward(context.Background(), c, x, x, nil, nil, Mode{RNG: rand.New(rand.NewSource(1))})
	require.NoError(t, err)
	s2, err := a.Forward(context.Background(), c, x, x, nil, nil, Mode{RNG: rand.New(rand.NewSource(1))})
	require.NoError(t, err)
	assert.Equal(t, s1.Data(), s2.Data(), "same seed gives the same dropout")
	assert.NotEqual(t, det1.Data(), s1.Data())
}

func TestAttentionParams(t *testing.T) {
	a := NewMultiHeadDotProductAttention(rand.New(rand.NewSource(1)), 4, 2, 2, 0, true, dtype.Float32)
	var names []string
	a.Params("attention", func(name string, _ *cpu.Tensor) { names = append(names, name) })
	assert.Equal(t, []string{
		"attention/query/kernel",
		"attention/key/kernel",
		"attention/value/kernel",
		"attention/out/kernel",
	}, names)
}
