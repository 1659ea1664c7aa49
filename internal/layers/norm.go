package layers

import (
	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
)

// LayerNorm is the T5 variant: RMS scaling only, no bias and no centering.
// Statistics are computed in float32 and the output is cast to DType.
type LayerNorm struct {
	Scale   *cpu.Tensor // [features]
	Epsilon float32
	DType   string
}

func NewLayerNorm(features int, eps float32, dt string) *LayerNorm {
	scale := cpu.NewTensor(features)
	Ones(nil, scale, features, features)
	return &LayerNorm{Scale: scale, Epsilon: eps, DType: dt}
}

func (n *LayerNorm) Forward(ctx *cpu.Context, x *cpu.Tensor) *cpu.Tensor {
	out := ctx.RMSNorm(x, n.Scale.Data(), n.Epsilon)
	dtype.Round(n.DType, out.Data())
	return out
}

func (n *LayerNorm) Params(prefix string, visit Visit) {
	visit(join(prefix, "scale"), n.Scale)
}
