// Package engine runs T5 models stored as GGUF: loading and saving,
// autoregressive generation and encoder embeddings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/gguf"
	"github.com/23skdu/longbow-ut5/internal/logger"
	"github.com/23skdu/longbow-ut5/internal/metrics"
	"github.com/23skdu/longbow-ut5/internal/network"
	"github.com/23skdu/longbow-ut5/internal/tokenizer"
)

var (
	ErrEmptyInput  = errors.New("empty input tokens")
	ErrNoTokenizer = errors.New("model has no tokenizer")
)

type Engine struct {
	Model     *network.Transformer
	Tokenizer *tokenizer.Tokenizer // nil when the file carries no vocabulary
	Name      string

	log *logger.Logger
}

// NewEngine wraps an in-memory model. tok may be nil.
func NewEngine(model *network.Transformer, tok *tokenizer.Tokenizer) *Engine {
	return &Engine{
		Model:     model,
		Tokenizer: tok,
		log:       logger.Log.With("engine"),
	}
}

// LoadModel reads a t5 GGUF file. Weights are dequantized to float32, so
// the file is unmapped before LoadModel returns.
func LoadModel(path string) (*Engine, error) {
	start := time.Now()
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load GGUF: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	cfg, err := ConfigFromGGUF(f)
	if err != nil {
		return nil, err
	}
	model, err := network.New(cfg, 0)
	if err != nil {
		return nil, err
	}
	if err := loadParams(f, model); err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	var tok *tokenizer.Tokenizer
	if _, ok := f.KV[gguf.KeyTokens]; ok {
		if tok, err = tokenizer.FromGGUF(f); err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
		if tok.VocabSize() > cfg.VocabSize {
			return nil, fmt.Errorf("tokenizer has %d tokens for a vocabulary of %d", tok.VocabSize(), cfg.VocabSize)
		}
	}

	e := NewEngine(model, tok)
	e.Name, _ = f.GetString(gguf.KeyName)
	metrics.RecordTensorMemory(int64(model.NumParams()) * 4)
	e.log.Info("model loaded", "path", path, "name", e.Name, "params", model.NumParams(),
		"encoder_layers", cfg.NumEncoderLayers, "decoder_layers", cfg.NumDecoderLayers,
		"tokenizer", tok != nil, "elapsed", time.Since(start).String())
	return e, nil
}

// SaveModel writes the model, and the tokenizer when set, as GGUF.
// Matrices are stored as typ; vectors and bias tables stay float32.
func (e *Engine) SaveModel(path string, typ gguf.GGMLType) error {
	w := gguf.NewWriter()
	if e.Tokenizer != nil {
		if err := e.Tokenizer.WriteGGUF(w); err != nil {
			return err
		}
	}
	if err := writeConfig(w, e.Model.Config, e.Name); err != nil {
		return err
	}
	if err := w.Set(gguf.KeyFileType, uint32(typ)); err != nil {
		return err
	}
	for _, b := range tensorBindings(e.Model) {
		shape := b.param.Shape()
		if err := w.AddTensor(b.name, shape, tensorType(b.name, shape, typ), b.param.Data()); err != nil {
			return err
		}
	}
	if err := w.WriteFile(path); err != nil {
		return err
	}
	e.log.Info("model saved", "path", path, "type", typ.String())
	return nil
}

// padBatch right-pads ragged rows with zeros, the padding id.
func padBatch(rows [][]int) ([][]int, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyInput
	}
	width := 0
	for i, r := range rows {
		if len(r) == 0 {
			return nil, fmt.Errorf("%w: row %d", ErrEmptyInput, i)
		}
		if len(r) > width {
			width = len(r)
		}
	}
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = make([]int, width)
		copy(out[i], r)
	}
	return out, nil
}

func (e *Engine) checkVocab(rows [][]int) error {
	vocab := e.Model.Config.VocabSize
	for i, r := range rows {
		for j, id := range r {
			if id < 0 || id >= vocab {
				return fmt.Errorf("input token %d at [%d][%d] is out of vocab range [0, %d)", id, i, j, vocab)
			}
		}
	}
	return nil
}

// Generate encodes inputs once and decodes greedily or by sampling until
// every row emits EOS or MaxNewTokens is reached. Rows may differ in
// length; they are right-padded.
func (e *Engine) Generate(ctx context.Context, inputs [][]int, opts GenerateOptions) (*GenerateResult, error) {
	enc, err := padBatch(inputs)
	if err != nil {
		return nil, err
	}
	if err := e.checkVocab(enc); err != nil {
		return nil, err
	}
	maxNew := opts.MaxNewTokens
	if maxNew <= 0 {
		maxNew = DefaultMaxNewTokens
	}
	cfg := e.Model.Config
	start := time.Now()

	encoded, err := e.Model.Encode(ctx, enc, nil, opts.Run)
	if err != nil {
		return nil, err
	}
	cache, err := e.Model.NewDecodeCache(len(enc), maxNew)
	if err != nil {
		return nil, err
	}

	batch := len(enc)
	sampler := NewSampler(opts.Sampler)
	res := &GenerateResult{
		Tokens:   make([][]int, batch),
		Finished: make([]bool, batch),
	}
	prev := make([][]int, batch)
	for b := range prev {
		prev[b] = []int{cfg.DecoderStartTokenID}
	}

	produced := 0
	for step := 0; step < maxNew; step++ {
		logits, err := e.Model.Decode(ctx, network.DecodeInputs{
			Encoded:       encoded,
			EncoderTokens: enc,
			DecoderInputs: prev,
			Cache:         cache,
		}, opts.Run)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", step, err)
		}

		next := make([]int, batch)
		for b := 0; b < batch; b++ {
			if res.Finished[b] {
				next[b] = cfg.PadTokenID
				continue
			}
			row := logits.Data()[b*cfg.VocabSize : (b+1)*cfg.VocabSize]
			tok := sampler.Sample(row, res.Tokens[b])
			next[b] = tok
			res.Tokens[b] = append(res.Tokens[b], tok)
			produced++
			if tok == cfg.EOSTokenID {
				res.Finished[b] = true
			}
			prev[b][0] = tok
		}
		res.Steps = step + 1

		if opts.Stream != nil {
			if err := opts.Stream(step, next); err != nil {
				return res, err
			}
		}
		if allTrue(res.Finished) {
			break
		}
	}

	metrics.RecordGeneration(produced, time.Since(start))
	e.log.Debug("generation finished", "batch", batch, "steps", res.Steps,
		"tokens", produced, "elapsed", time.Since(start).String())
	return res, nil
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}

// GenerateText tokenizes prompt, generates, and detokenizes the result.
func (e *Engine) GenerateText(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if e.Tokenizer == nil {
		return "", ErrNoTokenizer
	}
	res, err := e.Generate(ctx, [][]int{e.Tokenizer.EncodeWithEOS(prompt)}, opts)
	if err != nil {
		return "", err
	}
	return e.Tokenizer.Decode(res.Tokens[0]), nil
}

// Embed returns one vector per row: the encoder output averaged over the
// non-padding positions.
func (e *Engine) Embed(ctx context.Context, inputs [][]int, run network.RunOptions) ([][]float32, error) {
	enc, err := padBatch(inputs)
	if err != nil {
		return nil, err
	}
	if err := e.checkVocab(enc); err != nil {
		return nil, err
	}
	encoded, err := e.Model.Encode(ctx, enc, nil, run)
	if err != nil {
		return nil, err
	}
	return meanPool(encoded, enc), nil
}

// meanPool averages x [batch, length, features] over positions with a
// positive token id.
func meanPool(x *cpu.Tensor, tokens [][]int) [][]float32 {
	batch, length, features := x.Dim(0), x.Dim(1), x.Dim(2)
	data := x.Data()
	out := make([][]float32, batch)
	for b := 0; b < batch; b++ {
		vec := make([]float32, features)
		n := 0
		for p := 0; p < length; p++ {
			if tokens[b][p] <= 0 {
				continue
			}
			n++
			row := data[(b*length+p)*features : (b*length+p+1)*features]
			for f, v := range row {
				vec[f] += v
			}
		}
		if n > 0 {
			for f := range vec {
				vec[f] /= float32(n)
			}
		}
		out[b] = vec
	}
	return out
}

// EmbedText embeds each text, tokenized with EOS appended.
func (e *Engine) EmbedText(ctx context.Context, texts []string, run network.RunOptions) ([][]float32, error) {
	if e.Tokenizer == nil {
		return nil, ErrNoTokenizer
	}
	rows := make([][]int, len(texts))
	for i, t := range texts {
		rows[i] = e.Tokenizer.EncodeWithEOS(t)
	}
	return e.Embed(ctx, rows, run)
}
