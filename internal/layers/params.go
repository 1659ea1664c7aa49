package layers

import (
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/cpu"
)

// Visit is called once per named parameter tensor. Parameter names are
// slash-separated paths such as "encoder/layers_0/attention/query".
type Visit func(name string, t *cpu.Tensor)

// Mode carries the evaluation/training switches of a forward pass.
type Mode struct {
	// Deterministic disables dropout and stochastic depth.
	Deterministic bool
	// RNG drives dropout masks. Required when Deterministic is false.
	RNG *rand.Rand
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
