package network

import (
	"fmt"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/layers"
)

// Params visits every parameter tensor in a stable order. Names follow
// the module tree, e.g. "token_embedder/embedding" or
// "decoder/layers_0/encoder_decoder_attention/query/kernel".
func (t *Transformer) Params(visit layers.Visit) {
	t.TokenEmbedder.Params("token_embedder", visit)
	t.Encoder.Params("encoder", visit)
	t.Decoder.Params("decoder", visit)
}

// ParamMap indexes the parameters by name. Tensors are shared with the model.
func (t *Transformer) ParamMap() map[string]*cpu.Tensor {
	out := make(map[string]*cpu.Tensor)
	t.Params(func(name string, p *cpu.Tensor) { out[name] = p })
	return out
}

// NumParams counts scalar parameters. Reused layers are counted once.
func (t *Transformer) NumParams() int {
	n := 0
	t.Params(func(_ string, p *cpu.Tensor) { n += p.Len() })
	return n
}

// SetParam overwrites the named parameter with data of matching size.
func (t *Transformer) SetParam(name string, data []float32) error {
	var target *cpu.Tensor
	t.Params(func(n string, p *cpu.Tensor) {
		if n == name {
			target = p
		}
	})
	if target == nil {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if len(data) != target.Len() {
		return fmt.Errorf("parameter %q: got %d values, want %d %v", name, len(data), target.Len(), target.Shape())
	}
	copy(target.Data(), data)
	return nil
}
