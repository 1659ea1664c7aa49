package network

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/config"
	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
	"github.com/23skdu/longbow-ut5/internal/layers"
	"github.com/23skdu/longbow-ut5/internal/metrics"
)

// EncoderLayer is one pre-norm Transformer encoder block.
type EncoderLayer struct {
	LayerID   int
	NumLayers int
	Config    *config.Config

	PreAttentionNorm *layers.LayerNorm
	Attention        *layers.MultiHeadDotProductAttention
	PreMLPNorm       *layers.LayerNorm
	MLP              *layers.MlpBlock
}

func newEncoderLayer(rng *rand.Rand, cfg *config.Config, layerID int) (*EncoderLayer, error) {
	mlp, err := layers.NewMlpBlock(rng, cfg.EmbDim, cfg.MLPDim, cfg.MLPActivations, cfg.DropoutRate, cfg.DType)
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{
		LayerID:          layerID,
		NumLayers:        cfg.NumEncoderLayers,
		Config:           cfg,
		PreAttentionNorm: layers.NewLayerNorm(cfg.EmbDim, cfg.LayerNormEpsilon, cfg.DType),
		Attention: layers.NewMultiHeadDotProductAttention(rng, cfg.EmbDim, cfg.NumHeads, cfg.HeadDim,
			cfg.DropoutRate, cfg.Float32AttentionLogits, cfg.DType),
		PreMLPNorm: layers.NewLayerNorm(cfg.EmbDim, cfg.LayerNormEpsilon, cfg.DType),
		MLP:        mlp,
	}, nil
}

func (l *EncoderLayer) depthRate() float64 {
	return layers.StochasticDepthRate(l.Config.LayerdropRate, l.LayerID, l.NumLayers)
}

// Forward applies the block to inputs [batch, length, features]. mask is
// the [batch, 1, length, length] encoder mask and bias the shared relative
// position bias.
func (l *EncoderLayer) Forward(ctx context.Context, c *cpu.Context, inputs, mask, bias *cpu.Tensor, mode layers.Mode) (*cpu.Tensor, error) {
	if inputs.Rank() != 3 {
		return nil, fmt.Errorf("encoder layer %d: %w: inputs %v", l.LayerID, ErrRank, inputs.Shape())
	}
	x := l.PreAttentionNorm.Forward(c, inputs)
	x, err := l.Attention.Forward(ctx, c, x, x, mask, bias, mode)
	if err != nil {
		return nil, fmt.Errorf("encoder layer %d attention: %w", l.LayerID, err)
	}
	x = l.residual(x, inputs, mode)

	y := l.PreMLPNorm.Forward(c, x)
	y, err = l.MLP.Forward(c, y, mode)
	if err != nil {
		return nil, fmt.Errorf("encoder layer %d mlp: %w", l.LayerID, err)
	}
	return l.residual(y, x, mode), nil
}

func (l *EncoderLayer) residual(branch, skip *cpu.Tensor, mode layers.Mode) *cpu.Tensor {
	return applyResidual("encoder", branch, skip, l.Config, l.depthRate(), mode)
}

// applyResidual runs dropout (shared along length) and stochastic depth
// on branch, then adds skip.
func applyResidual(stack string, branch, skip *cpu.Tensor, cfg *config.Config, depthRate float64, mode layers.Mode) *cpu.Tensor {
	layers.Dropout(branch, cfg.DropoutRate, []int{-2}, mode)
	_, dropped := layers.StochasticDepth(branch, depthRate, mode)
	if dropped > 0 {
		metrics.RecordLayerDrop(stack, dropped)
	}
	cpu.Add(branch, skip)
	dtype.Round(cfg.DType, branch.Data())
	return branch
}

func (l *EncoderLayer) Params(prefix string, visit layers.Visit) {
	l.PreAttentionNorm.Params(prefix+"/pre_attention_layer_norm", visit)
	l.Attention.Params(prefix+"/attention", visit)
	l.PreMLPNorm.Params(prefix+"/pre_mlp_layer_norm", visit)
	l.MLP.Params(prefix+"/mlp", visit)
}

// Encoder is the encoder stack. With LayerReuse r, the parameterized layer
// created at index i (i % r == 0) is applied r times in a row.
type Encoder struct {
	Config      *config.Config
	RelPosBias  *layers.RelativePositionBiases
	Layers      []*EncoderLayer
	EncoderNorm *layers.LayerNorm
}

func newEncoder(rng *rand.Rand, cfg *config.Config) (*Encoder, error) {
	e := &Encoder{
		Config:     cfg,
		RelPosBias: layers.NewRelativePositionBiases(rng, cfg.RelativeBuckets, cfg.RelativeMaxDistance, cfg.NumHeads, cfg.DType),
	}
	for lyr := 0; lyr < cfg.NumEncoderLayers; lyr += cfg.LayerReuse {
		layer, err := newEncoderLayer(rng, cfg, lyr)
		if err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", lyr, err)
		}
		e.Layers = append(e.Layers, layer)
	}
	e.EncoderNorm = layers.NewLayerNorm(cfg.EmbDim, cfg.LayerNormEpsilon, cfg.DType)
	return e, nil
}

// layerAt returns the parameterized layer applied at stack index lyr.
func (e *Encoder) layerAt(lyr int) *EncoderLayer {
	return e.Layers[lyr/e.Config.LayerReuse]
}

// Forward encodes embedded [batch, length, features] inputs.
func (e *Encoder) Forward(ctx context.Context, c *cpu.Context, embedded, mask *cpu.Tensor, mode layers.Mode) (*cpu.Tensor, error) {
	cfg := e.Config
	x := layers.Dropout(embedded, cfg.DropoutRate, []int{-2}, mode)
	dtype.Round(cfg.DType, x.Data())

	length := x.Dim(1)
	bias := e.RelPosBias.Forward(length, length, true)
	for lyr := 0; lyr < cfg.NumEncoderLayers; lyr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		x, err = e.layerAt(lyr).Forward(ctx, c, x, mask, bias, mode)
		if err != nil {
			return nil, err
		}
	}

	x = e.EncoderNorm.Forward(c, x)
	return layers.Dropout(x, cfg.DropoutRate, nil, mode), nil
}

func (e *Encoder) Params(prefix string, visit layers.Visit) {
	e.RelPosBias.Params(prefix+"/relpos_bias", visit)
	for _, l := range e.Layers {
		l.Params(fmt.Sprintf("%s/layers_%d", prefix, l.LayerID), visit)
	}
	e.EncoderNorm.Params(prefix+"/encoder_norm", visit)
}
