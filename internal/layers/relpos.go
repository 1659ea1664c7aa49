package layers

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/dtype"
)

const float32Eps = 1.1920929e-07

// RelativePositionBucket maps the signed distance memory-context to a
// bucket. Small distances get their own bucket; larger ones share
// logarithmically sized buckets up to maxDistance. Bidirectional buckets
// reserve the upper half for keys after the query.
func RelativePositionBucket(relativePosition int, bidirectional bool, numBuckets, maxDistance int) int {
	ret := 0
	n := -relativePosition
	if bidirectional {
		numBuckets /= 2
		if n < 0 {
			ret += numBuckets
			n = -n
		}
	} else if n < 0 {
		n = 0
	}

	maxExact := numBuckets / 2
	if n < maxExact {
		return ret + n
	}
	if maxExact == 0 || maxDistance <= maxExact {
		return ret + numBuckets - 1
	}
	large := maxExact + int(math.Log(float64(n)/float64(maxExact)+float32Eps)/
		math.Log(float64(maxDistance)/float64(maxExact))*float64(numBuckets-maxExact))
	if large > numBuckets-1 {
		large = numBuckets - 1
	}
	return ret + large
}

// RelativePositionBiases holds one learned scalar per (bucket, head) and
// expands it into an additive attention bias.
type RelativePositionBiases struct {
	Table       *cpu.Tensor // [buckets, heads]
	NumBuckets  int
	MaxDistance int
	NumHeads    int
	DType       string
}

// RelPosInit is variance scaling 1.0, fan_avg, uniform.
var RelPosInit = VarianceScaling(1.0, FanAvg, Uniform)

func NewRelativePositionBiases(rng *rand.Rand, numBuckets, maxDistance, numHeads int, dt string) *RelativePositionBiases {
	table := cpu.NewTensor(numBuckets, numHeads)
	RelPosInit(rng, table, numHeads, numBuckets)
	return &RelativePositionBiases{
		Table:       table,
		NumBuckets:  numBuckets,
		MaxDistance: maxDistance,
		NumHeads:    numHeads,
		DType:       dt,
	}
}

// Forward returns the [1, heads, qlen, klen] bias for queries at positions
// [0, qlen) and keys at [0, klen).
func (r *RelativePositionBiases) Forward(qlen, klen int, bidirectional bool) *cpu.Tensor {
	return r.rows(0, qlen, klen, bidirectional)
}

// Row returns the [1, heads, 1, klen] bias of the single query at position.
func (r *RelativePositionBiases) Row(position, klen int, bidirectional bool) *cpu.Tensor {
	return r.rows(position, 1, klen, bidirectional)
}

func (r *RelativePositionBiases) rows(start, qlen, klen int, bidirectional bool) *cpu.Tensor {
	buckets := make([]int, qlen*klen)
	for i := 0; i < qlen; i++ {
		for j := 0; j < klen; j++ {
			buckets[i*klen+j] = RelativePositionBucket(j-(start+i), bidirectional, r.NumBuckets, r.MaxDistance)
		}
	}

	out := cpu.NewTensor(1, r.NumHeads, qlen, klen)
	od := out.Data()
	table := r.Table.Data()
	for h := 0; h < r.NumHeads; h++ {
		plane := od[h*qlen*klen : (h+1)*qlen*klen]
		for i, b := range buckets {
			plane[i] = table[b*r.NumHeads+h]
		}
	}
	dtype.Round(r.DType, od)
	return out
}

func (r *RelativePositionBiases) Params(prefix string, visit Visit) {
	visit(join(prefix, "rel_embedding"), r.Table)
}
