package layers

import (
	"github.com/23skdu/longbow-ut5/internal/cpu"
)

// Dropout zeroes elements of x with probability rate and rescales the
// survivors by 1/(1-rate), in place. Axes listed in broadcastDims share a
// single mask value; negative axes count from the end. It is a no-op when
// mode is deterministic or rate is zero.
func Dropout(x *cpu.Tensor, rate float64, broadcastDims []int, mode Mode) *cpu.Tensor {
	if mode.Deterministic || rate <= 0 {
		return x
	}
	data := x.Data()
	if rate >= 1 {
		for i := range data {
			data[i] = 0
		}
		return x
	}

	shape := x.Shape()
	rank := len(shape)
	maskShape := append([]int(nil), shape...)
	for _, d := range broadcastDims {
		if d < 0 {
			d += rank
		}
		if d >= 0 && d < rank {
			maskShape[d] = 1
		}
	}

	keep := sampleKeep(mode, maskShape, rate)

	// Broadcast axes get a zero stride into the mask.
	maskStrides := make([]int, rank)
	stride := 1
	for d := rank - 1; d >= 0; d-- {
		if maskShape[d] != 1 {
			maskStrides[d] = stride
		}
		stride *= maskShape[d]
	}

	idx := make([]int, rank)
	for i := range data {
		off := 0
		for d := 0; d < rank; d++ {
			off += idx[d] * maskStrides[d]
		}
		data[i] *= keep[off]
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return x
}

// sampleKeep draws a Bernoulli(1-rate) mask pre-scaled by 1/(1-rate).
func sampleKeep(mode Mode, shape []int, rate float64) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}
	keepProb := 1 - rate
	scale := float32(1 / keepProb)
	keep := make([]float32, n)
	for i := range keep {
		if mode.RNG.Float64() < keepProb {
			keep[i] = scale
		}
	}
	return keep
}

// StochasticDepth drops whole examples of a [batch, ...] residual branch
// with probability rate and reports how many were dropped. Kept examples
// are rescaled by 1/(1-rate).
func StochasticDepth(x *cpu.Tensor, rate float64, mode Mode) (*cpu.Tensor, int) {
	if mode.Deterministic || rate <= 0 || x.Len() == 0 {
		return x, 0
	}
	batch := x.Dim(0)
	if rate >= 1 {
		Dropout(x, rate, nil, mode)
		return x, batch
	}

	keep := sampleKeep(mode, []int{batch}, rate)
	per := x.Len() / batch
	data := x.Data()
	dropped := 0
	for b, k := range keep {
		if k == 0 {
			dropped++
		}
		row := data[b*per : (b+1)*per]
		for i := range row {
			row[i] *= k
		}
	}
	return x, dropped
}

// StochasticDepthRate is the drop rate of layer layerID in a stack of
// numLayers layers: it grows linearly from zero at the first layer.
func StochasticDepthRate(layerdrop float64, layerID, numLayers int) float64 {
	if numLayers <= 0 {
		return 0
	}
	return layerdrop * float64(layerID) / float64(numLayers)
}
