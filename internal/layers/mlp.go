package layers

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
)

// MlpBlock is the position-wise feed-forward block. Each activation has
// its own input projection; the activated branches are multiplied
// together, so two activations give a gated unit.
type MlpBlock struct {
	Activations []string
	DropoutRate float64
	DType       string

	Wi []*Dense
	Wo *Dense

	fns []func(float32) float32
}

func NewMlpBlock(rng *rand.Rand, features, mlpDim int, activations []string, dropout float64, dt string) (*MlpBlock, error) {
	m := &MlpBlock{
		Activations: append([]string(nil), activations...),
		DropoutRate: dropout,
		DType:       dt,
	}
	for range activations {
		m.Wi = append(m.Wi, NewDense(rng, features, mlpDim, DefaultKernelInit, dt))
	}
	m.Wo = NewDense(rng, mlpDim, features, DefaultKernelInit, dt)
	if err := m.resolve(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MlpBlock) resolve() error {
	if len(m.Activations) == 0 {
		return fmt.Errorf("mlp block needs at least one activation")
	}
	if len(m.Wi) != len(m.Activations) {
		return fmt.Errorf("mlp block has %d input projections for %d activations", len(m.Wi), len(m.Activations))
	}
	m.fns = m.fns[:0]
	for _, name := range m.Activations {
		fn, err := cpu.Activation(name)
		if err != nil {
			return err
		}
		m.fns = append(m.fns, fn)
	}
	return nil
}

func (m *MlpBlock) Forward(c *cpu.Context, x *cpu.Tensor, mode Mode) (*cpu.Tensor, error) {
	if len(m.fns) != len(m.Activations) {
		if err := m.resolve(); err != nil {
			return nil, err
		}
	}
	var h *cpu.Tensor
	for i, wi := range m.Wi {
		branch := wi.Forward(c, x)
		cpu.Apply(branch, m.fns[i])
		if h == nil {
			h = branch
		} else {
			cpu.Mul(h, branch)
		}
	}
	dtype.Round(m.DType, h.Data())
	Dropout(h, m.DropoutRate, []int{-2}, mode)
	return m.Wo.Forward(c, h), nil
}

// WiName is the parameter name of the i-th input projection.
func (m *MlpBlock) WiName(i int) string {
	if len(m.Wi) == 1 {
		return "wi"
	}
	return fmt.Sprintf("wi_%d", i)
}

func (m *MlpBlock) Params(prefix string, visit Visit) {
	for i, wi := range m.Wi {
		wi.Params(join(prefix, m.WiName(i)), visit)
	}
	m.Wo.Params(join(prefix, "wo"), visit)
}
