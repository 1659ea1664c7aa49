package layers

import (
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
)

// Dense is a bias-free projection over the last axis. Kernel is stored
// [out, in].
type Dense struct {
	Kernel *cpu.Tensor
	DType  string
}

func NewDense(rng *rand.Rand, in, out int, init Initializer, dt string) *Dense {
	kernel := cpu.NewTensor(out, in)
	if init != nil {
		init(rng, kernel, in, out)
	}
	return &Dense{Kernel: kernel, DType: dt}
}

func (d *Dense) In() int  { return d.Kernel.Dim(1) }
func (d *Dense) Out() int { return d.Kernel.Dim(0) }

func (d *Dense) Forward(ctx *cpu.Context, x *cpu.Tensor) *cpu.Tensor {
	out := ctx.Linear(x, d.Kernel)
	dtype.Round(d.DType, out.Data())
	return out
}

func (d *Dense) Params(prefix string, visit Visit) {
	visit(join(prefix, "kernel"), d.Kernel)
}
