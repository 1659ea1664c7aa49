package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/cpu"
)

// truncatedNormalStd is the standard deviation of a unit normal truncated
// to [-2, 2]; variance scaling divides it out.
const truncatedNormalStd = 0.87962566103423978

// FanMode selects the fan used by VarianceScaling.
type FanMode int

const (
	FanIn FanMode = iota
	FanOut
	FanAvg
)

type Distribution int

const (
	TruncatedNormal Distribution = iota
	Normal
	Uniform
)

// Initializer fills t. fanIn and fanOut describe the layer the tensor
// belongs to.
type Initializer func(rng *rand.Rand, t *cpu.Tensor, fanIn, fanOut int)

// NormalInit draws N(0, stddev²).
func NormalInit(stddev float64) Initializer {
	return func(rng *rand.Rand, t *cpu.Tensor, _, _ int) {
		for i := range t.Data() {
			t.Data()[i] = float32(rng.NormFloat64() * stddev)
		}
	}
}

// VarianceScaling scales the distribution by scale/fan.
func VarianceScaling(scale float64, mode FanMode, dist Distribution) Initializer {
	return func(rng *rand.Rand, t *cpu.Tensor, fanIn, fanOut int) {
		var fan float64
		switch mode {
		case FanIn:
			fan = float64(fanIn)
		case FanOut:
			fan = float64(fanOut)
		default:
			fan = float64(fanIn+fanOut) / 2
		}
		if fan < 1 {
			fan = 1
		}
		variance := scale / fan
		data := t.Data()

		switch dist {
		case TruncatedNormal:
			std := math.Sqrt(variance) / truncatedNormalStd
			for i := range data {
				data[i] = float32(truncatedNormal(rng) * std)
			}
		case Normal:
			std := math.Sqrt(variance)
			for i := range data {
				data[i] = float32(rng.NormFloat64() * std)
			}
		case Uniform:
			limit := math.Sqrt(3 * variance)
			for i := range data {
				data[i] = float32((rng.Float64()*2 - 1) * limit)
			}
		default:
			panic(fmt.Sprintf("layers: unknown distribution %d", dist))
		}
	}
}

func truncatedNormal(rng *rand.Rand) float64 {
	for {
		if v := rng.NormFloat64(); v >= -2 && v <= 2 {
			return v
		}
	}
}

// Ones sets every element to 1.
func Ones(_ *rand.Rand, t *cpu.Tensor, _, _ int) {
	for i := range t.Data() {
		t.Data()[i] = 1
	}
}

// DefaultKernelInit is variance scaling 1.0, fan_in, truncated normal.
var DefaultKernelInit = VarianceScaling(1.0, FanIn, TruncatedNormal)
