package network

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-ut5/internal/config"
	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/layers"
	"github.com/23skdu/longbow-ut5/internal/metrics"
)

func tinyConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Preset("tiny")
	require.NoError(t, err)
	return cfg
}

func newModel(t *testing.T, cfg config.Config, seed int64) *Transformer {
	t.Helper()
	m, err := New(cfg, seed)
	require.NoError(t, err)
	return m
}

var eval = RunOptions{Threads: 2}

func maxDiff(a, b []float32) float64 {
	var d float64
	for i := range a {
		if v := math.Abs(float64(a[i] - b[i])); v > d {
			d = v
		}
	}
	return d
}

// slice returns rows [from, to) of position axis 1 for one example.
func slice(x *cpu.Tensor, b, from, to int) []float32 {
	length, width := x.Dim(1), x.Dim(2)
	return x.Data()[(b*length+from)*width : (b*length+to)*width]
}

func TestNewIsDeterministic(t *testing.T) {
	cfg := tinyConfig(t)
	a, b, c := newModel(t, cfg, 7), newModel(t, cfg, 7), newModel(t, cfg, 8)

	pa, pb, pc := a.ParamMap(), b.ParamMap(), c.ParamMap()
	require.Equal(t, len(pa), len(pb))
	for name, p := range pa {
		assert.Equal(t, p.Data(), pb[name].Data(), name)
	}
	assert.NotEqual(t, pa["token_embedder/embedding"].Data(), pc["token_embedder/embedding"].Data())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.NumHeads = 0
	_, err := New(cfg, 1)
	assert.Error(t, err)
}

func TestParamNames(t *testing.T) {
	m := newModel(t, tinyConfig(t), 1)
	params := m.ParamMap()

	for _, name := range []string{
		"token_embedder/embedding",
		"encoder/relpos_bias/rel_embedding",
		"encoder/layers_0/pre_attention_layer_norm/scale",
		"encoder/layers_1/attention/query/kernel",
		"encoder/layers_1/mlp/wi_0/kernel",
		"encoder/layers_1/mlp/wi_1/kernel",
		"encoder/layers_1/mlp/wo/kernel",
		"encoder/encoder_norm/scale",
		"decoder/relpos_bias/rel_embedding",
		"decoder/layers_0/pre_self_attention_layer_norm/scale",
		"decoder/layers_0/self_attention/out/kernel",
		"decoder/layers_1/pre_cross_attention_layer_norm/scale",
		"decoder/layers_1/encoder_decoder_attention/key/kernel",
		"decoder/decoder_norm/scale",
		"decoder/logits_dense/kernel",
	} {
		assert.Contains(t, params, name)
	}
	assert.Equal(t, []int{128, 16}, params["decoder/logits_dense/kernel"].Shape())
	assert.Equal(t, []int{32, 2}, params["encoder/relpos_bias/rel_embedding"].Shape())

	var order []string
	m.Params(func(name string, _ *cpu.Tensor) { order = append(order, name) })
	var again []string
	m.Params(func(name string, _ *cpu.Tensor) { again = append(again, name) })
	assert.Equal(t, order, again)
	assert.Equal(t, "token_embedder/embedding", order[0])
}

func expectedParams(cfg config.Config) int {
	d, w, mlp := cfg.EmbDim, cfg.QKVDim(), cfg.MLPDim
	attn := 4 * d * w
	ffn := len(cfg.MLPActivations)*d*mlp + mlp*d
	enc := 2*d + attn + ffn
	dec := 3*d + 2*attn + ffn
	n := cfg.VocabSize*d + 2*cfg.RelativeBuckets*cfg.NumHeads
	n += cfg.NumEncoderParamLayers()*enc + d
	n += cfg.NumDecoderParamLayers()*dec + d
	if !cfg.LogitsViaEmbedding {
		n += d * cfg.VocabSize
	}
	return n
}

func TestNumParams(t *testing.T) {
	cfg := tinyConfig(t)
	assert.Equal(t, expectedParams(cfg), newModel(t, cfg, 1).NumParams())

	cfg.LogitsViaEmbedding = true
	m := newModel(t, cfg, 1)
	assert.Equal(t, expectedParams(cfg), m.NumParams())
	assert.Nil(t, m.Decoder.LogitsDense)
	assert.NotContains(t, m.ParamMap(), "decoder/logits_dense/kernel")
}

func TestLayerReuse(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.NumEncoderLayers, cfg.NumDecoderLayers, cfg.LayerReuse = 5, 4, 2
	m := newModel(t, cfg, 3)

	require.Len(t, m.Encoder.Layers, 3)
	require.Len(t, m.Decoder.Layers, 2)
	assert.Equal(t, []int{0, 2, 4}, []int{m.Encoder.Layers[0].LayerID, m.Encoder.Layers[1].LayerID, m.Encoder.Layers[2].LayerID})
	assert.Same(t, m.Encoder.Layers[0], m.Encoder.layerAt(1))
	assert.Same(t, m.Encoder.Layers[2], m.Encoder.layerAt(4))
	assert.Same(t, m.Decoder.Layers[1], m.Decoder.layerAt(3))

	params := m.ParamMap()
	assert.Contains(t, params, "encoder/layers_2/attention/query/kernel")
	assert.NotContains(t, params, "encoder/layers_1/attention/query/kernel")
	assert.Equal(t, expectedParams(cfg), m.NumParams())
}

func TestEncodeShapeAndPadding(t *testing.T) {
	m := newModel(t, tinyConfig(t), 4)
	ctx := context.Background()

	padded, err := m.Encode(ctx, [][]int{{5, 9, 3, 0, 0}}, nil, eval)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 16}, padded.Shape())

	short, err := m.Encode(ctx, [][]int{{5, 9, 3}}, nil, eval)
	require.NoError(t, err)
	assert.Less(t, maxDiff(slice(short, 0, 0, 3), slice(padded, 0, 0, 3)), 1e-5,
		"padding must not change non-padding positions")
}

func TestEncodeSegmentsIsolatePackedExamples(t *testing.T) {
	m := newModel(t, tinyConfig(t), 5)
	ctx := context.Background()

	packed, err := m.Encode(ctx, [][]int{{4, 8, 15, 16, 23}}, [][]int{{1, 1, 2, 2, 2}}, eval)
	require.NoError(t, err)
	first, err := m.Encode(ctx, [][]int{{4, 8}}, nil, eval)
	require.NoError(t, err)
	second, err := m.Encode(ctx, [][]int{{15, 16, 23}}, nil, eval)
	require.NoError(t, err)

	assert.Less(t, maxDiff(slice(first, 0, 0, 2), slice(packed, 0, 0, 2)), 1e-5)
	assert.Less(t, maxDiff(slice(second, 0, 0, 3), slice(packed, 0, 2, 5)), 1e-5)
}

func TestInputValidation(t *testing.T) {
	m := newModel(t, tinyConfig(t), 1)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.ValidationErrors.WithLabelValues("encode", "ragged_batch"))
	_, err := m.Encode(ctx, [][]int{{1, 2}, {3}}, nil, eval)
	assert.ErrorIs(t, err, ErrRaggedBatch)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ValidationErrors.WithLabelValues("encode", "ragged_batch")))

	_, err = m.Encode(ctx, nil, nil, eval)
	assert.ErrorIs(t, err, ErrRank)

	_, err = m.Encode(ctx, [][]int{{1, 2}}, [][]int{{1}}, eval)
	assert.ErrorIs(t, err, ErrRank)

	enc, err := m.Encode(ctx, [][]int{{1, 2}}, nil, eval)
	require.NoError(t, err)

	_, err = m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: [][]int{{1, 2}, {3, 4}}, DecoderInputs: [][]int{{0, 1}}}, eval)
	assert.ErrorIs(t, err, ErrRank)

	_, err = m.Decode(ctx, DecodeInputs{Encoded: enc.Reshape(1, 2, 8, 2), EncoderTokens: [][]int{{1, 2}}, DecoderInputs: [][]int{{0, 1}}}, eval)
	assert.ErrorIs(t, err, ErrRank)

	_, err = m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: [][]int{{1, 2}}, DecoderInputs: [][]int{{0, 1}, {2}}}, eval)
	assert.ErrorIs(t, err, ErrRaggedBatch)

	_, err = m.Encode(ctx, [][]int{{1, 2}}, nil, RunOptions{EnableDropout: true})
	assert.Error(t, err, "dropout without an RNG")
}

func TestPackedDecodeRejected(t *testing.T) {
	m := newModel(t, tinyConfig(t), 1)
	ctx := context.Background()
	enc, err := m.Encode(ctx, [][]int{{1, 2}}, nil, eval)
	require.NoError(t, err)
	cache, err := m.NewDecodeCache(1, 4)
	require.NoError(t, err)

	_, err = m.Decode(ctx, DecodeInputs{
		Encoded:           enc,
		EncoderTokens:     [][]int{{1, 2}},
		DecoderInputs:     [][]int{{0}},
		EncoderSegmentIDs: [][]int{{1, 1}},
		Cache:             cache,
	}, eval)
	assert.True(t, errors.Is(err, ErrPackedDecode))
	assert.Equal(t, 0, cache.Index())

	_, err = m.Decode(ctx, DecodeInputs{
		Encoded:           enc,
		EncoderTokens:     [][]int{{1, 2}},
		DecoderInputs:     [][]int{{0, 3}},
		EncoderSegmentIDs: [][]int{{1, 1}},
	}, eval)
	assert.ErrorIs(t, err, ErrMissingSegments)
}

func TestPackedDecodeMatchesSeparateExamples(t *testing.T) {
	m := newModel(t, tinyConfig(t), 6)
	ctx := context.Background()

	packed, err := m.Forward(ctx, Batch{
		EncoderTokens:     [][]int{{4, 8, 15, 16}},
		EncoderSegmentIDs: [][]int{{1, 1, 2, 2}},
		DecoderInputs:     [][]int{{0, 7, 0, 9}},
		DecoderTargets:    [][]int{{7, 1, 9, 1}},
		DecoderSegmentIDs: [][]int{{1, 1, 2, 2}},
		DecoderPositions:  [][]int{{0, 1, 0, 1}},
	}, eval)
	require.NoError(t, err)

	second, err := m.Forward(ctx, Batch{
		EncoderTokens:  [][]int{{15, 16}},
		DecoderInputs:  [][]int{{0, 9}},
		DecoderTargets: [][]int{{9, 1}},
	}, eval)
	require.NoError(t, err)
	assert.Less(t, maxDiff(slice(second, 0, 0, 2), slice(packed, 0, 2, 4)), 1e-4)
}

func decodeFull(t *testing.T, m *Transformer, encTokens, inputs, targets [][]int) *cpu.Tensor {
	t.Helper()
	ctx := context.Background()
	enc, err := m.Encode(ctx, encTokens, nil, eval)
	require.NoError(t, err)
	logits, err := m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: inputs, DecoderTargets: targets}, eval)
	require.NoError(t, err)
	return logits
}

func assertStepsMatchFull(t *testing.T, cfg config.Config) {
	t.Helper()
	m := newModel(t, cfg, 11)
	ctx := context.Background()
	encTokens := [][]int{{12, 7, 33, 0}, {5, 6, 7, 8}}
	inputs := [][]int{{0, 21, 22, 23}, {0, 31, 32, 33}}
	targets := [][]int{{21, 22, 23, 1}, {31, 32, 33, 1}}
	full := decodeFull(t, m, encTokens, inputs, targets)

	enc, err := m.Encode(ctx, encTokens, nil, eval)
	require.NoError(t, err)
	cache, err := m.NewDecodeCache(2, 4)
	require.NoError(t, err)

	for pos := 0; pos < 4; pos++ {
		step := [][]int{{inputs[0][pos]}, {inputs[1][pos]}}
		logits, err := m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: step, Cache: cache}, eval)
		require.NoError(t, err)
		require.Equal(t, []int{2, 1, cfg.VocabSize}, logits.Shape())
		assert.Equal(t, pos+1, cache.Index())
		for b := 0; b < 2; b++ {
			assert.Less(t, maxDiff(slice(full, b, pos, pos+1), slice(logits, b, 0, 1)), 1e-4, "example %d position %d", b, pos)
		}
	}
	assert.True(t, cache.Full())
}

func TestDecodeStepsMatchFullDecode(t *testing.T) {
	assertStepsMatchFull(t, tinyConfig(t))
}

func TestDecodeStepsMatchFullDecodeWithLayerReuse(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.NumDecoderLayers, cfg.LayerReuse = 4, 2
	cfg.LogitsViaEmbedding = true
	assertStepsMatchFull(t, cfg)
}

func allFinite(x []float32) bool {
	for _, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func maxAbs(x []float32) float64 {
	var m float64
	for _, v := range x {
		m = math.Max(m, math.Abs(float64(v)))
	}
	return m
}

func TestReducedPrecisionForward(t *testing.T) {
	tests := []struct {
		dtype string
		tol   float64 // relative to the largest logit
	}{
		{config.DTypeFloat32, 1e-4},
		{config.DTypeBFloat16, 5e-2},
		{config.DTypeFloat16, 1e-2},
	}
	// The padded encoder position leaves one query row fully masked, and the
	// mask bias saturates to -Inf in float16.
	encTokens := [][]int{{12, 7, 33, 0}, {5, 6, 7, 8}}
	inputs := [][]int{{0, 21, 22, 23}, {0, 31, 32, 33}}
	targets := [][]int{{21, 22, 23, 1}, {31, 32, 33, 1}}

	for _, tt := range tests {
		t.Run(tt.dtype, func(t *testing.T) {
			cfg := tinyConfig(t)
			cfg.DType = tt.dtype
			m := newModel(t, cfg, 11)
			ctx := context.Background()

			enc, err := m.Encode(ctx, encTokens, nil, eval)
			require.NoError(t, err)
			require.True(t, allFinite(enc.Data()), "encoded values are not finite")

			full := decodeFull(t, m, encTokens, inputs, targets)
			require.True(t, allFinite(full.Data()), "logits are not finite")
			scale := maxAbs(full.Data()) + 1

			cache, err := m.NewDecodeCache(2, 4)
			require.NoError(t, err)
			for pos := 0; pos < 4; pos++ {
				step := [][]int{{inputs[0][pos]}, {inputs[1][pos]}}
				logits, err := m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: step, Cache: cache}, eval)
				require.NoError(t, err)
				require.True(t, allFinite(logits.Data()))
				for b := 0; b < 2; b++ {
					d := maxDiff(slice(full, b, pos, pos+1), slice(logits, b, 0, 1))
					assert.LessOrEqual(t, d/scale, tt.tol, "example %d position %d", b, pos)
				}
			}
		})
	}
}

func TestFloat32AttentionLogits(t *testing.T) {
	encTokens := [][]int{{12, 7, 33, 4}}
	inputs := [][]int{{0, 21, 22}}
	targets := [][]int{{21, 22, 1}}

	run := func(dtype string, float32Logits bool) []float32 {
		cfg := tinyConfig(t)
		cfg.DType = dtype
		cfg.Float32AttentionLogits = float32Logits
		return decodeFull(t, newModel(t, cfg, 4), encTokens, inputs, targets).Data()
	}

	// Float32 activations make the switch a no-op.
	assert.Equal(t, run(config.DTypeFloat32, false), run(config.DTypeFloat32, true))

	rounded, exact := run(config.DTypeBFloat16, false), run(config.DTypeBFloat16, true)
	require.True(t, allFinite(rounded))
	require.True(t, allFinite(exact))
	assert.Positive(t, maxDiff(rounded, exact), "bfloat16 logits ignore Float32AttentionLogits")
}

func TestDecodeCacheErrors(t *testing.T) {
	m := newModel(t, tinyConfig(t), 2)
	ctx := context.Background()
	encTokens := [][]int{{3, 4}}
	enc, err := m.Encode(ctx, encTokens, nil, eval)
	require.NoError(t, err)

	_, err = m.NewDecodeCache(0, 4)
	assert.ErrorIs(t, err, ErrCacheShape)

	cache, err := m.NewDecodeCache(1, 2)
	require.NoError(t, err)

	_, err = m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: [][]int{{0, 5}}, Cache: cache}, eval)
	assert.ErrorIs(t, err, ErrCacheShape)

	other, err := m.NewDecodeCache(2, 2)
	require.NoError(t, err)
	_, err = m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: [][]int{{0}}, Cache: other}, eval)
	assert.ErrorIs(t, err, ErrCacheShape)

	for i := 0; i < 2; i++ {
		_, err = m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: [][]int{{i}}, Cache: cache}, eval)
		require.NoError(t, err)
	}
	_, err = m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: [][]int{{2}}, Cache: cache}, eval)
	assert.ErrorIs(t, err, ErrCacheFull)
	assert.Positive(t, cache.Bytes())

	cache.Reset()
	assert.Equal(t, 0, cache.Index())
	_, err = m.Decode(ctx, DecodeInputs{Encoded: enc, EncoderTokens: encTokens, DecoderInputs: [][]int{{0}}, Cache: cache}, eval)
	assert.NoError(t, err)

	// Cross-attention keys belong to enc until the cache is reset.
	otherTokens := [][]int{{9, 10}}
	otherEnc, err := m.Encode(ctx, otherTokens, nil, eval)
	require.NoError(t, err)
	_, err = m.Decode(ctx, DecodeInputs{Encoded: otherEnc, EncoderTokens: otherTokens, DecoderInputs: [][]int{{1}}, Cache: cache}, eval)
	assert.ErrorIs(t, err, ErrCacheShape)
	assert.Equal(t, 1, cache.Index())

	cache.Reset()
	_, err = m.Decode(ctx, DecodeInputs{Encoded: otherEnc, EncoderTokens: otherTokens, DecoderInputs: [][]int{{0}}, Cache: cache}, eval)
	assert.NoError(t, err)
}

func TestLogitsViaEmbedding(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.LogitsViaEmbedding = true
	m := newModel(t, cfg, 9)
	c := cpu.NewContext()

	y := cpu.NewTensor(1, 1, cfg.EmbDim)
	for i := range y.Data() {
		y.Data()[i] = float32(i%5) - 2
	}
	got := m.Decoder.logits(c, y.Clone(), layers.Mode{Deterministic: true})

	normed := m.Decoder.DecoderNorm.Forward(c, y)
	want := m.TokenEmbedder.Attend(c, normed)
	cpu.Scale(want, float32(1/math.Sqrt(float64(cfg.EmbDim))))
	assert.Less(t, maxDiff(want.Data(), got.Data()), 1e-6)
	assert.Equal(t, []int{1, 1, cfg.VocabSize}, got.Shape())
}

func TestDropoutIsSeeded(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.DropoutRate = 0.3
	m := newModel(t, cfg, 5)
	ctx := context.Background()
	b := Batch{EncoderTokens: [][]int{{3, 4, 5}}, DecoderInputs: [][]int{{0, 6}}, DecoderTargets: [][]int{{6, 1}}}

	det1, err := m.Forward(ctx, b, eval)
	require.NoError(t, err)
	det2, err := m.Forward(ctx, b, eval)
	require.NoError(t, err)
	assert.Equal(t, det1.Data(), det2.Data())

	train := func(seed int64) []float32 {
		out, err := m.Forward(ctx, b, RunOptions{EnableDropout: true, RNG: rand.New(rand.NewSource(seed)), Threads: 2})
		require.NoError(t, err)
		return out.Data()
	}
	assert.Equal(t, train(1), train(1))
	assert.NotEqual(t, det1.Data(), train(1))
}

func TestStochasticDepthOnlyInTraining(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.NumEncoderLayers = 4
	cfg.LayerdropRate = 0.6
	m := newModel(t, cfg, 5)
	ctx := context.Background()
	tokens := [][]int{{3, 4}, {5, 6}, {7, 8}, {9, 10}, {11, 12}, {13, 14}, {15, 16}, {17, 18}}

	counter := metrics.LayersDropped.WithLabelValues("encoder")
	before := testutil.ToFloat64(counter)
	_, err := m.Encode(ctx, tokens, nil, eval)
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(counter))

	_, err = m.Encode(ctx, tokens, nil, RunOptions{EnableDropout: true, RNG: rand.New(rand.NewSource(3))})
	require.NoError(t, err)
	assert.Greater(t, testutil.ToFloat64(counter), before)

	assert.Equal(t, 0.0, m.Encoder.Layers[0].depthRate())
	assert.InDelta(t, 0.45, m.Encoder.Layers[3].depthRate(), 1e-12)
}

func TestDecoderDepthRateUsesDecoderLayerCount(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.NumEncoderLayers, cfg.NumDecoderLayers = 2, 4
	cfg.LayerdropRate = 0.4
	m := newModel(t, cfg, 1)
	assert.InDelta(t, 0.1, m.Decoder.Layers[1].depthRate(), 1e-12)
}

func TestSetParam(t *testing.T) {
	m := newModel(t, tinyConfig(t), 1)
	scale := make([]float32, 16)
	for i := range scale {
		scale[i] = 2
	}
	require.NoError(t, m.SetParam("encoder/encoder_norm/scale", scale))
	assert.Equal(t, scale, m.Encoder.EncoderNorm.Scale.Data())

	err := m.SetParam("encoder/encoder_norm/scale", scale[:3])
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "want 16"))

	assert.Error(t, m.SetParam("nope", scale))
}

func TestCancelledContext(t *testing.T) {
	m := newModel(t, tinyConfig(t), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Encode(ctx, [][]int{{1, 2}}, nil, eval)
	assert.ErrorIs(t, err, context.Canceled)
}
