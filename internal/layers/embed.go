package layers

import (
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
)

// Embed is a token embedding table [vocab, features] that can also be used
// as the output projection through Attend.
type Embed struct {
	Table *cpu.Tensor
	DType string
}

func NewEmbed(rng *rand.Rand, vocab, features int, init Initializer, dt string) *Embed {
	table := cpu.NewTensor(vocab, features)
	if init != nil {
		init(rng, table, vocab, features)
	}
	return &Embed{Table: table, DType: dt}
}

func (e *Embed) NumEmbeddings() int { return e.Table.Dim(0) }
func (e *Embed) Features() int      { return e.Table.Dim(1) }

// Lookup embeds a rectangular [batch][length] id batch into
// [batch, length, features]. Out-of-range ids map to zero vectors.
func (e *Embed) Lookup(ctx *cpu.Context, ids [][]int) *cpu.Tensor {
	batch := len(ids)
	length := 0
	if batch > 0 {
		length = len(ids[0])
	}
	flat := make([]int, 0, batch*length)
	for _, row := range ids {
		flat = append(flat, row...)
	}
	out := ctx.Embedding(e.Table, flat, batch, length)
	dtype.Round(e.DType, out.Data())
	return out
}

// Attend projects query [..., features] onto the vocabulary in float32.
func (e *Embed) Attend(ctx *cpu.Context, query *cpu.Tensor) *cpu.Tensor {
	return ctx.Linear(query, e.Table)
}

func (e *Embed) Params(prefix string, visit Visit) {
	visit(join(prefix, "embedding"), e.Table)
}
