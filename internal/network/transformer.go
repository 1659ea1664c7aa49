package network

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-ut5/internal/config"
	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/layers"
	"github.com/23skdu/longbow-ut5/internal/logger"
	"github.com/23skdu/longbow-ut5/internal/metrics"
)

// Transformer is an encoder-decoder model sharing one token embedding
// between the encoder input, the decoder input and (optionally) the
// output projection.
type Transformer struct {
	Config        config.Config
	TokenEmbedder *layers.Embed
	Encoder       *Encoder
	Decoder       *Decoder

	log *logger.Logger
}

// RunOptions controls a single forward call.
type RunOptions struct {
	// EnableDropout turns on dropout and stochastic depth. RNG must be set.
	EnableDropout bool
	RNG           *rand.Rand
	// Threads bounds the goroutines used per call; 0 uses every CPU.
	Threads int
}

func (o RunOptions) mode() (layers.Mode, error) {
	if o.EnableDropout && o.RNG == nil {
		return layers.Mode{}, fmt.Errorf("dropout enabled without an RNG")
	}
	return layers.Mode{Deterministic: !o.EnableDropout, RNG: o.RNG}, nil
}

func (o RunOptions) context() *cpu.Context {
	c := cpu.NewContext()
	if o.Threads > 0 {
		c.SetNumThreads(o.Threads)
	}
	return c
}

// New builds a randomly initialized model. The same config and seed always
// produce the same parameters.
func New(cfg config.Config, seed int64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	rng := rand.New(rand.NewSource(seed))
	t := &Transformer{
		Config: cfg,
		log:    logger.Log.With("network"),
	}
	t.TokenEmbedder = layers.NewEmbed(rng, cfg.VocabSize, cfg.EmbDim, layers.NormalInit(1.0), cfg.DType)

	var err error
	if t.Encoder, err = newEncoder(rng, &t.Config); err != nil {
		return nil, err
	}
	if t.Decoder, err = newDecoder(rng, &t.Config, t.TokenEmbedder); err != nil {
		return nil, err
	}
	t.log.Debug("model initialized", "seed", seed, "params", t.NumParams(),
		"encoder_layers", len(t.Encoder.Layers), "decoder_layers", len(t.Decoder.Layers))
	return t, nil
}

// Encode runs the encoder over tokens [batch][length]. Ids <= 0 are padding.
// With segmentIDs, positions attend only within their own segment.
// The result is [batch, length, EmbDim].
func (t *Transformer) Encode(ctx context.Context, tokens, segmentIDs [][]int, opts RunOptions) (*cpu.Tensor, error) {
	batch, length, err := checkBatch("encode", "encoder tokens", tokens)
	if err != nil {
		return nil, err
	}
	if err := checkLike("encode", "encoder segment ids", segmentIDs, batch, length); err != nil {
		return nil, err
	}
	mode, err := opts.mode()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	c := opts.context()
	defer c.Free()

	positive := layers.Positive(tokens)
	mask := layers.MakeAttentionMask(positive, positive, layers.Multiply)
	if segmentIDs != nil {
		mask = layers.CombineMasks(mask, layers.MakeAttentionMask(segmentIDs, segmentIDs, layers.Equal))
	}

	embedded := t.TokenEmbedder.Lookup(c, tokens)
	encoded, err := t.Encoder.Forward(ctx, c, embedded, mask, mode)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	metrics.RecordForward("encode", batch*length, time.Since(start))
	metrics.RecordSequenceLength("encode", length)
	t.checkFinite("encoded", encoded)
	return encoded, nil
}

// DecodeInputs are the decoder-side inputs of Decode.
type DecodeInputs struct {
	// Encoded is the encoder output [batch, encLength, EmbDim].
	Encoded *cpu.Tensor
	// EncoderTokens are only used to mask encoder padding.
	EncoderTokens [][]int
	// DecoderInputs are the shifted targets fed to the decoder.
	DecoderInputs  [][]int
	DecoderTargets [][]int

	EncoderSegmentIDs [][]int
	DecoderSegmentIDs [][]int
	// DecoderPositions is accepted for packed inputs; relative position
	// biases make it unused.
	DecoderPositions [][]int

	// Cache switches to autoregressive mode: DecoderInputs and
	// DecoderTargets hold a single position and Cache advances by one.
	// Every step of a cache must pass the same Encoded tensor; call Reset
	// before decoding against another one.
	Cache *DecodeCache
}

// Decode runs the decoder and returns float32 logits [batch, length, vocab].
func (t *Transformer) Decode(ctx context.Context, in DecodeInputs, opts RunOptions) (*cpu.Tensor, error) {
	decode := in.Cache != nil
	stage := "decode"
	if decode {
		stage = "decode_step"
	}

	batch, length, err := checkBatch(stage, "decoder inputs", in.DecoderInputs)
	if err != nil {
		return nil, err
	}
	targets := in.DecoderTargets
	if targets == nil {
		targets = in.DecoderInputs
	}
	if err := checkLike(stage, "decoder targets", targets, batch, length); err != nil {
		return nil, err
	}
	encBatch, encLength, err := checkBatch(stage, "encoder tokens", in.EncoderTokens)
	if err != nil {
		return nil, err
	}
	if encBatch != batch {
		metrics.RecordValidationError(stage, "shape")
		return nil, fmt.Errorf("%s: %w: %d encoder rows for %d decoder rows", stage, ErrRank, encBatch, batch)
	}
	if in.Encoded == nil || in.Encoded.Rank() != 3 || in.Encoded.Dim(0) != batch ||
		in.Encoded.Dim(1) != encLength || in.Encoded.Dim(2) != t.Config.EmbDim {
		metrics.RecordValidationError(stage, "rank")
		var shape []int
		if in.Encoded != nil {
			shape = in.Encoded.Shape()
		}
		return nil, fmt.Errorf("%s: %w: encoded %v, want [%d %d %d]", stage, ErrRank, shape, batch, encLength, t.Config.EmbDim)
	}
	if err := checkLike(stage, "decoder segment ids", in.DecoderSegmentIDs, batch, length); err != nil {
		return nil, err
	}
	if err := checkLike(stage, "decoder positions", in.DecoderPositions, batch, length); err != nil {
		return nil, err
	}
	if in.EncoderSegmentIDs != nil {
		if decode {
			metrics.RecordValidationError(stage, "packed_decode")
			return nil, ErrPackedDecode
		}
		if err := checkLike(stage, "encoder segment ids", in.EncoderSegmentIDs, batch, encLength); err != nil {
			return nil, err
		}
		if in.DecoderSegmentIDs == nil {
			metrics.RecordValidationError(stage, "missing_segments")
			return nil, ErrMissingSegments
		}
	}
	mode, err := opts.mode()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c := opts.context()
	defer c.Free()

	var logits *cpu.Tensor
	if decode {
		logits, err = t.step(ctx, c, in, targets, length, mode)
	} else {
		decoderMask := layers.MakeDecoderMask(targets, nil, in.DecoderSegmentIDs)
		edMask := layers.MakeAttentionMask(layers.Positive(targets), layers.Positive(in.EncoderTokens), layers.Multiply)
		if in.EncoderSegmentIDs != nil {
			edMask = layers.CombineMasks(edMask,
				layers.MakeAttentionMask(in.DecoderSegmentIDs, in.EncoderSegmentIDs, layers.Equal))
		}
		logits, err = t.Decoder.Forward(ctx, c, in.Encoded, in.DecoderInputs, decoderMask, edMask, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	metrics.RecordForward(stage, batch*length, time.Since(start))
	metrics.RecordLogits(stage, logits.Data())
	t.checkFinite("logits", logits)
	return logits, nil
}

func (t *Transformer) step(ctx context.Context, c *cpu.Context, in DecodeInputs, targets [][]int, length int, mode layers.Mode) (*cpu.Tensor, error) {
	cache := in.Cache
	if length != 1 {
		return nil, fmt.Errorf("%w: decode step got %d positions, want 1", ErrCacheShape, length)
	}
	if len(in.DecoderInputs) != cache.Batch() {
		return nil, fmt.Errorf("%w: batch %d against cache batch %d", ErrCacheShape, len(in.DecoderInputs), cache.Batch())
	}
	if cache.Full() {
		return nil, fmt.Errorf("%w: index %d of %d", ErrCacheFull, cache.index, cache.MaxLength)
	}
	if cache.encoded != nil && cache.encoded != in.Encoded {
		return nil, fmt.Errorf("%w: encoder output changed since the cache was filled; reset it first", ErrCacheShape)
	}

	edMask := layers.MakeAttentionMask(layers.OnesLike(targets), layers.Positive(in.EncoderTokens), layers.Multiply)
	cache.sync()
	cache.encoded = in.Encoded
	logits, err := t.Decoder.Step(ctx, c, in.Encoded, in.DecoderInputs, edMask, cache, mode)
	if err != nil {
		return nil, err
	}
	cache.index++
	metrics.RecordDecodeCache(cache.index, cache.Bytes())
	return logits, nil
}

// Batch is a full training-style example batch for Forward.
type Batch struct {
	EncoderTokens     [][]int
	DecoderInputs     [][]int
	DecoderTargets    [][]int
	EncoderSegmentIDs [][]int
	DecoderSegmentIDs [][]int
	EncoderPositions  [][]int
	DecoderPositions  [][]int
}

// Forward encodes the batch and decodes the full target sequence.
func (t *Transformer) Forward(ctx context.Context, b Batch, opts RunOptions) (*cpu.Tensor, error) {
	encoded, err := t.Encode(ctx, b.EncoderTokens, b.EncoderSegmentIDs, opts)
	if err != nil {
		return nil, err
	}
	return t.Decode(ctx, DecodeInputs{
		Encoded:           encoded,
		EncoderTokens:     b.EncoderTokens,
		DecoderInputs:     b.DecoderInputs,
		DecoderTargets:    b.DecoderTargets,
		EncoderSegmentIDs: b.EncoderSegmentIDs,
		DecoderSegmentIDs: b.DecoderSegmentIDs,
		DecoderPositions:  b.DecoderPositions,
	}, opts)
}

func (t *Transformer) checkFinite(name string, x *cpu.Tensor) {
	nans, infs := x.CountNonFinite()
	if nans == 0 && infs == 0 {
		return
	}
	metrics.RecordNumericalInstability(name, nans, infs)
	t.log.Warn("non-finite values", "tensor", name, "nans", nans, "infs", infs)
}
