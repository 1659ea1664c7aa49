package network

import (
	"fmt"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/layers"
)

// DecodeCache carries autoregressive state between decode steps: one
// self-attention key/value slot per applied decoder layer plus the
// encoder-decoder keys and values, which are projected on the first step.
// A reused layer gets a slot per application. The encoder projections
// belong to the Encoded tensor of the first step; later steps must pass the
// same tensor until Reset.
type DecodeCache struct {
	MaxLength int
	batch     int
	index     int
	layers    []*layerCache
	encoded   *cpu.Tensor
}

type layerCache struct {
	self       *layers.KVCache
	crossKey   *cpu.Tensor
	crossValue *cpu.Tensor
}

// NewDecodeCache allocates a cache for batch examples of up to maxLength
// decoded positions.
func (t *Transformer) NewDecodeCache(batch, maxLength int) (*DecodeCache, error) {
	if batch <= 0 || maxLength <= 0 {
		return nil, fmt.Errorf("%w: cache of batch %d and length %d", ErrCacheShape, batch, maxLength)
	}
	width := t.Config.QKVDim()
	cache := &DecodeCache{MaxLength: maxLength, batch: batch}
	for i := 0; i < t.Config.NumDecoderLayers; i++ {
		cache.layers = append(cache.layers, &layerCache{self: layers.NewKVCache(batch, maxLength, width)})
	}
	return cache, nil
}

// Index is the position the next step decodes.
func (c *DecodeCache) Index() int { return c.index }

func (c *DecodeCache) Batch() int { return c.batch }

func (c *DecodeCache) Full() bool { return c.index >= c.MaxLength }

// Bytes reports the memory held by cached keys and values.
func (c *DecodeCache) Bytes() int64 {
	var n int64
	for _, l := range c.layers {
		n += l.self.Bytes()
		if l.crossKey != nil {
			n += l.crossKey.Bytes() + l.crossValue.Bytes()
		}
	}
	return n
}

// Reset rewinds the cache and drops the encoder projections so it can be
// reused for a new batch of the same size.
func (c *DecodeCache) Reset() {
	c.index = 0
	c.encoded = nil
	for _, l := range c.layers {
		l.self.Index = 0
		l.crossKey, l.crossValue = nil, nil
	}
}

// sync points every layer slot at the cache index, so a failed step can be
// retried without skipping a position.
func (c *DecodeCache) sync() {
	for _, l := range c.layers {
		l.self.Index = c.index
	}
}
