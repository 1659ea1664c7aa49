package network

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/config"
	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
	"github.com/23skdu/longbow-ut5/internal/layers"
)

// DecoderLayer is one pre-norm decoder block: causal self-attention,
// attention over the encoder output, then the MLP.
type DecoderLayer struct {
	LayerID   int
	NumLayers int
	Config    *config.Config

	PreSelfAttentionNorm    *layers.LayerNorm
	SelfAttention           *layers.MultiHeadDotProductAttention
	PreCrossAttentionNorm   *layers.LayerNorm
	EncoderDecoderAttention *layers.MultiHeadDotProductAttention
	PreMLPNorm              *layers.LayerNorm
	MLP                     *layers.MlpBlock
}

func newDecoderLayer(rng *rand.Rand, cfg *config.Config, layerID int) (*DecoderLayer, error) {
	mlp, err := layers.NewMlpBlock(rng, cfg.EmbDim, cfg.MLPDim, cfg.MLPActivations, cfg.DropoutRate, cfg.DType)
	if err != nil {
		return nil, err
	}
	attn := func() *layers.MultiHeadDotProductAttention {
		return layers.NewMultiHeadDotProductAttention(rng, cfg.EmbDim, cfg.NumHeads, cfg.HeadDim,
			cfg.DropoutRate, cfg.Float32AttentionLogits, cfg.DType)
	}
	return &DecoderLayer{
		LayerID:                 layerID,
		NumLayers:               cfg.NumDecoderLayers,
		Config:                  cfg,
		PreSelfAttentionNorm:    layers.NewLayerNorm(cfg.EmbDim, cfg.LayerNormEpsilon, cfg.DType),
		SelfAttention:           attn(),
		PreCrossAttentionNorm:   layers.NewLayerNorm(cfg.EmbDim, cfg.LayerNormEpsilon, cfg.DType),
		EncoderDecoderAttention: attn(),
		PreMLPNorm:              layers.NewLayerNorm(cfg.EmbDim, cfg.LayerNormEpsilon, cfg.DType),
		MLP:                     mlp,
	}, nil
}

// depthRate uses the decoder's own layer count for all three sublayers.
func (l *DecoderLayer) depthRate() float64 {
	return layers.StochasticDepthRate(l.Config.LayerdropRate, l.LayerID, l.NumLayers)
}

func (l *DecoderLayer) residual(branch, skip *cpu.Tensor, mode layers.Mode) *cpu.Tensor {
	return applyResidual("decoder", branch, skip, l.Config, l.depthRate(), mode)
}

// Forward runs the block over a full target sequence.
func (l *DecoderLayer) Forward(ctx context.Context, c *cpu.Context, inputs, encoded, decoderMask, encoderDecoderMask, bias *cpu.Tensor, mode layers.Mode) (*cpu.Tensor, error) {
	x := l.PreSelfAttentionNorm.Forward(c, inputs)
	x, err := l.SelfAttention.Forward(ctx, c, x, x, decoderMask, bias, mode)
	if err != nil {
		return nil, fmt.Errorf("decoder layer %d self attention: %w", l.LayerID, err)
	}
	x = l.residual(x, inputs, mode)

	y := l.PreCrossAttentionNorm.Forward(c, x)
	y, err = l.EncoderDecoderAttention.Forward(ctx, c, y, encoded, encoderDecoderMask, nil, mode)
	if err != nil {
		return nil, fmt.Errorf("decoder layer %d cross attention: %w", l.LayerID, err)
	}
	return l.mlp(c, l.residual(y, x, mode), mode)
}

// Step runs the block for one new position using the layer's slot in cache.
func (l *DecoderLayer) Step(ctx context.Context, c *cpu.Context, inputs, encoded, encoderDecoderMask, biasRow *cpu.Tensor, slot *layerCache, mode layers.Mode) (*cpu.Tensor, error) {
	x := l.PreSelfAttentionNorm.Forward(c, inputs)
	x, err := l.SelfAttention.DecodeStep(ctx, c, x, slot.self, biasRow, mode)
	if err != nil {
		return nil, fmt.Errorf("decoder layer %d self attention: %w", l.LayerID, err)
	}
	x = l.residual(x, inputs, mode)

	if slot.crossKey == nil {
		slot.crossKey, slot.crossValue = l.EncoderDecoderAttention.ProjectKV(c, encoded)
	}
	y := l.PreCrossAttentionNorm.Forward(c, x)
	q := l.EncoderDecoderAttention.Query.Forward(c, y)
	y, err = l.EncoderDecoderAttention.Attend(ctx, c, q, slot.crossKey, slot.crossValue, encoderDecoderMask, nil, mode)
	if err != nil {
		return nil, fmt.Errorf("decoder layer %d cross attention: %w", l.LayerID, err)
	}
	return l.mlp(c, l.residual(y, x, mode), mode)
}

func (l *DecoderLayer) mlp(c *cpu.Context, y *cpu.Tensor, mode layers.Mode) (*cpu.Tensor, error) {
	z := l.PreMLPNorm.Forward(c, y)
	z, err := l.MLP.Forward(c, z, mode)
	if err != nil {
		return nil, fmt.Errorf("decoder layer %d mlp: %w", l.LayerID, err)
	}
	return l.residual(z, y, mode), nil
}

func (l *DecoderLayer) Params(prefix string, visit layers.Visit) {
	l.PreSelfAttentionNorm.Params(prefix+"/pre_self_attention_layer_norm", visit)
	l.SelfAttention.Params(prefix+"/self_attention", visit)
	l.PreCrossAttentionNorm.Params(prefix+"/pre_cross_attention_layer_norm", visit)
	l.EncoderDecoderAttention.Params(prefix+"/encoder_decoder_attention", visit)
	l.PreMLPNorm.Params(prefix+"/pre_mlp_layer_norm", visit)
	l.MLP.Params(prefix+"/mlp", visit)
}

// Decoder is the decoder stack plus the output projection. LogitsDense is
// nil when logits are computed through the shared embedding.
type Decoder struct {
	Config      *config.Config
	Embedder    *layers.Embed
	RelPosBias  *layers.RelativePositionBiases
	Layers      []*DecoderLayer
	DecoderNorm *layers.LayerNorm
	LogitsDense *layers.Dense
}

func newDecoder(rng *rand.Rand, cfg *config.Config, embedder *layers.Embed) (*Decoder, error) {
	d := &Decoder{
		Config:     cfg,
		Embedder:   embedder,
		RelPosBias: layers.NewRelativePositionBiases(rng, cfg.RelativeBuckets, cfg.RelativeMaxDistance, cfg.NumHeads, cfg.DType),
	}
	for lyr := 0; lyr < cfg.NumDecoderLayers; lyr += cfg.LayerReuse {
		layer, err := newDecoderLayer(rng, cfg, lyr)
		if err != nil {
			return nil, fmt.Errorf("decoder layer %d: %w", lyr, err)
		}
		d.Layers = append(d.Layers, layer)
	}
	d.DecoderNorm = layers.NewLayerNorm(cfg.EmbDim, cfg.LayerNormEpsilon, cfg.DType)
	if !cfg.LogitsViaEmbedding {
		d.LogitsDense = layers.NewDense(rng, cfg.EmbDim, cfg.VocabSize, layers.DefaultKernelInit, dtype.Float32)
	}
	return d, nil
}

func (d *Decoder) layerAt(lyr int) *DecoderLayer {
	return d.Layers[lyr/d.Config.LayerReuse]
}

func (d *Decoder) embed(c *cpu.Context, tokens [][]int, mode layers.Mode) *cpu.Tensor {
	y := d.Embedder.Lookup(c, tokens)
	layers.Dropout(y, d.Config.DropoutRate, []int{-2}, mode)
	dtype.Round(d.Config.DType, y.Data())
	return y
}

// Forward decodes a full target sequence and returns float32 logits
// [batch, length, vocab].
func (d *Decoder) Forward(ctx context.Context, c *cpu.Context, encoded *cpu.Tensor, tokens [][]int, decoderMask, encoderDecoderMask *cpu.Tensor, mode layers.Mode) (*cpu.Tensor, error) {
	y := d.embed(c, tokens, mode)
	length := y.Dim(1)
	bias := d.RelPosBias.Forward(length, length, false)
	for lyr := 0; lyr < d.Config.NumDecoderLayers; lyr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		y, err = d.layerAt(lyr).Forward(ctx, c, y, encoded, decoderMask, encoderDecoderMask, bias, mode)
		if err != nil {
			return nil, err
		}
	}
	return d.logits(c, y, mode), nil
}

// Step decodes one position per example against cache.
func (d *Decoder) Step(ctx context.Context, c *cpu.Context, encoded *cpu.Tensor, tokens [][]int, encoderDecoderMask *cpu.Tensor, cache *DecodeCache, mode layers.Mode) (*cpu.Tensor, error) {
	y := d.embed(c, tokens, mode)
	biasRow := d.RelPosBias.Row(cache.Index(), cache.MaxLength, false)
	for lyr := 0; lyr < d.Config.NumDecoderLayers; lyr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		y, err = d.layerAt(lyr).Step(ctx, c, y, encoded, encoderDecoderMask, biasRow, cache.layers[lyr], mode)
		if err != nil {
			return nil, err
		}
	}
	return d.logits(c, y, mode), nil
}

func (d *Decoder) logits(c *cpu.Context, y *cpu.Tensor, mode layers.Mode) *cpu.Tensor {
	y = d.DecoderNorm.Forward(c, y)
	layers.Dropout(y, d.Config.DropoutRate, []int{-2}, mode)

	if d.Config.LogitsViaEmbedding {
		logits := d.Embedder.Attend(c, y)
		cpu.Scale(logits, float32(1/math.Sqrt(float64(y.Dim(-1)))))
		return logits
	}
	return d.LogitsDense.Forward(c, y)
}

func (d *Decoder) Params(prefix string, visit layers.Visit) {
	d.RelPosBias.Params(prefix+"/relpos_bias", visit)
	for _, l := range d.Layers {
		l.Params(fmt.Sprintf("%s/layers_%d", prefix, l.LayerID), visit)
	}
	d.DecoderNorm.Params(prefix+"/decoder_norm", visit)
	if d.LogitsDense != nil {
		d.LogitsDense.Params(prefix+"/logits_dense", visit)
	}
}
