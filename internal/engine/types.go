package engine

import (
	"github.com/23skdu/longbow-ut5/internal/network"
)

type SamplerConfig struct {
	Temperature float64 // 0 = greedy
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64
	QualityMode bool // Adaptive temperature and frequency-scaled repetition penalty
}

// GenerateOptions controls Generate.
type GenerateOptions struct {
	Sampler SamplerConfig
	// MaxNewTokens bounds the decoded length, EOS included. 0 means
	// DefaultMaxNewTokens.
	MaxNewTokens int
	// Stream, when set, receives the tokens produced at each step, one per
	// batch row. Rows that already finished report the pad id. Returning an
	// error stops generation.
	Stream func(step int, tokens []int) error
	Run    network.RunOptions
}

const DefaultMaxNewTokens = 64

// GenerateResult holds the tokens decoded for each batch row, without the
// decoder start token and with EOS when it was produced.
type GenerateResult struct {
	Tokens   [][]int
	Steps    int
	Finished []bool // row emitted EOS
}
