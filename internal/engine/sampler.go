package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/23skdu/longbow-ut5/internal/logger"
)

// Sampler picks the next token from a row of logits. It is not safe for
// concurrent use.
type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample returns a token id. logits is not modified; history holds the
// tokens generated so far for the repetition penalty.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if !validLogits(logits) {
		return firstValidToken(logits)
	}
	logits = append([]float32(nil), logits...)

	temp := s.Config.Temperature
	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		if s.Config.QualityMode {
			s.applyFrequencyPenalty(logits, history)
		} else {
			s.applyRepetitionPenalty(logits, history)
		}
	}
	if s.Config.QualityMode && temp > 0 {
		temp = s.adaptiveTemperature(logits)
	}
	if temp <= 0 {
		return argMax(logits)
	}

	candidates := filterValidCandidates(softmaxWithTemperature(logits, temp))
	if len(candidates) == 0 {
		return argMax(logits)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].prob == candidates[j].prob {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)
	if len(candidates) == 0 {
		return argMax(logits)
	}
	return s.sampleFromCandidates(candidates)
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return i
		}
	}
	return 0
}

func softmaxWithTemperature(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	maxVal := math.Inf(-1)
	for i, v := range logits {
		probs[i] = float64(v) / temperature
		maxVal = math.Max(maxVal, probs[i])
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func filterValidCandidates(probs []float64) []tokenProb {
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	return candidates
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

// adaptiveTemperature raises the temperature for flat distributions and
// lowers it for peaked ones.
func (s *Sampler) adaptiveTemperature(logits []float32) float64 {
	probs := softmaxWithTemperature(logits, 1)
	entropy := 0.0
	for _, p := range probs {
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}

	base := s.Config.Temperature
	switch {
	case entropy > 2.0:
		return base * 1.5
	case entropy < 0.5:
		return math.Max(base*0.5, 0.1)
	}
	return base
}

// applyFrequencyPenalty penalizes each recent token once per occurrence.
func (s *Sampler) applyFrequencyPenalty(logits []float32, history []int) {
	const window = 32
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	freq := make(map[int]int)
	for _, id := range history[start:] {
		if id >= 0 && id < len(logits) {
			freq[id]++
		}
	}
	for id, n := range freq {
		penalize(logits, id, math.Pow(s.Config.RepPenalty, float64(n)))
	}
}

func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int) {
	const window = 64
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	seen := make(map[int]struct{})
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok || id < 0 || id >= len(logits) {
			continue
		}
		seen[id] = struct{}{}
		penalize(logits, id, s.Config.RepPenalty)
	}
}

func penalize(logits []float32, id int, penalty float64) {
	if logits[id] > 0 {
		logits[id] /= float32(penalty)
	} else {
		logits[id] *= float32(penalty)
	}
}

type tokenProb struct {
	id   int
	prob float64
}

func argMax(logits []float32) int {
	if len(logits) == 0 {
		panic("argMax: empty logits slice")
	}

	maxIdx := -1
	var maxVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if maxIdx < 0 || v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		logger.Log.Warn("all logits are NaN, returning token 0")
		return 0
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix whose probability reaches p and
// renormalizes it.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]
			for j := range selected {
				selected[j].prob /= sum
			}
			return selected
		}
	}
	return candidates
}
