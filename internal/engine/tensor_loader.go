package engine

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-ut5/internal/config"
	"github.com/23skdu/longbow-ut5/internal/cpu"
	"github.com/23skdu/longbow-ut5/internal/gguf"
	"github.com/23skdu/longbow-ut5/internal/layers"
	"github.com/23skdu/longbow-ut5/internal/logger"
	"github.com/23skdu/longbow-ut5/internal/network"
)

// binding ties a GGUF tensor name to a model parameter.
type binding struct {
	name  string
	param *cpu.Tensor
}

// ffnNames follows the llama.cpp T5 layout: a single input projection is
// ffn_up, a gated pair is ffn_gate (activated) and ffn_up (linear).
func ffnNames(n int) []string {
	switch n {
	case 1:
		return []string{"ffn_up"}
	case 2:
		return []string{"ffn_gate", "ffn_up"}
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("ffn_wi_%d", i)
	}
	return names
}

func attnBindings(prefix string, a *layers.MultiHeadDotProductAttention) []binding {
	return []binding{
		{prefix + "_q.weight", a.Query.Kernel},
		{prefix + "_k.weight", a.Key.Kernel},
		{prefix + "_v.weight", a.Value.Kernel},
		{prefix + "_o.weight", a.Out.Kernel},
	}
}

func mlpBindings(prefix string, m *layers.MlpBlock) []binding {
	var out []binding
	for i, name := range ffnNames(len(m.Wi)) {
		out = append(out, binding{prefix + name + ".weight", m.Wi[i].Kernel})
	}
	return append(out, binding{prefix + "ffn_down.weight", m.Wo.Kernel})
}

// tensorBindings lists every parameter of m under its GGUF name. Block
// numbers count parameterized layers, so with layer reuse blk.1 is the
// layer applied at positions reuse..2*reuse-1.
func tensorBindings(m *network.Transformer) []binding {
	out := []binding{{"token_embd.weight", m.TokenEmbedder.Table}}

	out = append(out, binding{"enc.blk.0.attn_rel_b.weight", m.Encoder.RelPosBias.Table})
	for i, l := range m.Encoder.Layers {
		p := fmt.Sprintf("enc.blk.%d.", i)
		out = append(out, binding{p + "attn_norm.weight", l.PreAttentionNorm.Scale})
		out = append(out, attnBindings(p+"attn", l.Attention)...)
		out = append(out, binding{p + "ffn_norm.weight", l.PreMLPNorm.Scale})
		out = append(out, mlpBindings(p, l.MLP)...)
	}
	out = append(out, binding{"enc.output_norm.weight", m.Encoder.EncoderNorm.Scale})

	out = append(out, binding{"dec.blk.0.attn_rel_b.weight", m.Decoder.RelPosBias.Table})
	for i, l := range m.Decoder.Layers {
		p := fmt.Sprintf("dec.blk.%d.", i)
		out = append(out, binding{p + "attn_norm.weight", l.PreSelfAttentionNorm.Scale})
		out = append(out, attnBindings(p+"attn", l.SelfAttention)...)
		out = append(out, binding{p + "cross_attn_norm.weight", l.PreCrossAttentionNorm.Scale})
		out = append(out, attnBindings(p+"cross_attn", l.EncoderDecoderAttention)...)
		out = append(out, binding{p + "ffn_norm.weight", l.PreMLPNorm.Scale})
		out = append(out, mlpBindings(p, l.MLP)...)
	}
	out = append(out, binding{"dec.output_norm.weight", m.Decoder.DecoderNorm.Scale})
	if m.Decoder.LogitsDense != nil {
		out = append(out, binding{"output.weight", m.Decoder.LogitsDense.Kernel})
	}
	return out
}

// ConfigFromGGUF reads the model hyperparameters. Keys this runtime adds
// (layer reuse, activations, dtype) fall back to T5.1.1 defaults when absent.
func ConfigFromGGUF(f *gguf.GGUFFile) (config.Config, error) {
	if arch := f.Architecture(); arch != gguf.ArchitectureT5 {
		return config.Config{}, fmt.Errorf("unsupported architecture %q", arch)
	}
	emb := f.Tensor("token_embd.weight")
	if emb == nil || len(emb.Dimensions) != 2 {
		return config.Config{}, fmt.Errorf("token_embd.weight missing or not 2-D")
	}
	shape := emb.Shape()

	cfg := config.Default()
	cfg.DropoutRate = 0
	cfg.VocabSize = shape[0]
	cfg.EmbDim = shape[1]

	getInt := func(dst *int, keys ...string) {
		for _, k := range keys {
			if v, ok := f.GetUint(k); ok {
				*dst = int(v)
				return
			}
		}
	}
	getInt(&cfg.EmbDim, gguf.KeyEmbeddingLength)
	getInt(&cfg.NumHeads, gguf.KeyHeadCount)
	cfg.HeadDim = cfg.EmbDim / cfg.NumHeads
	getInt(&cfg.HeadDim, gguf.KeyKeyLength)
	getInt(&cfg.MLPDim, gguf.KeyFeedForwardLength)
	getInt(&cfg.NumEncoderLayers, gguf.KeyBlockCount)
	getInt(&cfg.NumDecoderLayers, gguf.KeyDecoderBlockCount, gguf.KeyBlockCount)
	getInt(&cfg.LayerReuse, gguf.KeyLayerReuse)
	getInt(&cfg.RelativeBuckets, gguf.KeyRelativeBuckets)
	getInt(&cfg.RelativeMaxDistance, gguf.KeyRelativeMaxDist)
	getInt(&cfg.PadTokenID, gguf.KeyPadTokenID)
	getInt(&cfg.EOSTokenID, gguf.KeyEOSTokenID)
	cfg.DecoderStartTokenID = cfg.PadTokenID
	getInt(&cfg.DecoderStartTokenID, gguf.KeyDecoderStartToken)

	if v, ok := f.GetFloat(gguf.KeyLayerNormEpsilon); ok {
		cfg.LayerNormEpsilon = float32(v)
	}
	if acts, ok := f.GetStrings(gguf.KeyMLPActivations); ok {
		cfg.MLPActivations = acts
	} else if f.Tensor("enc.blk.0.ffn_gate.weight") != nil {
		cfg.MLPActivations = []string{"gelu", "linear"}
	} else {
		cfg.MLPActivations = []string{"relu"}
	}
	if v, ok := f.GetBool(gguf.KeyLogitsViaEmbedding); ok {
		cfg.LogitsViaEmbedding = v
	} else {
		cfg.LogitsViaEmbedding = f.Tensor("output.weight") == nil
	}
	if v, ok := f.GetBool(gguf.KeyFloat32Logits); ok {
		cfg.Float32AttentionLogits = v
	}
	if v, ok := f.GetString(gguf.KeyActivationDType); ok {
		cfg.DType = strings.ToLower(v)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("gguf config: %w", err)
	}
	return cfg, nil
}

// loadParams copies every bound tensor of f into m, dequantizing as needed.
func loadParams(f *gguf.GGUFFile, m *network.Transformer) error {
	bindings := tensorBindings(m)
	required := make([]string, len(bindings))
	for i, b := range bindings {
		required[i] = b.name
	}
	if missing := gguf.NewMetadataAnalyzer(f).FindMissingTensors(required); len(missing) > 0 {
		return fmt.Errorf("missing %d tensors: %s", len(missing), strings.Join(missing, ", "))
	}

	bound := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		bound[b.name] = true
		t := f.Tensor(b.name)
		if !sameShape(t.Shape(), b.param.Shape()) {
			return fmt.Errorf("tensor %s: shape %v, want %v", b.name, t.Shape(), b.param.Shape())
		}
		data, err := t.Float32()
		if err != nil {
			return err
		}
		copy(b.param.Data(), data)
	}
	for _, t := range f.Tensors {
		if !bound[t.Name] {
			logger.Log.Warn("ignoring unknown tensor", "name", t.Name, "type", t.Type.String())
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tensorType picks the storage type of one parameter: vectors and the
// relative bias table stay float32, matrices use want when their rows fit
// its block size and float16 otherwise.
func tensorType(name string, shape []int, want gguf.GGMLType) gguf.GGMLType {
	if len(shape) < 2 || strings.HasSuffix(name, "attn_rel_b.weight") {
		return gguf.GGMLTypeF32
	}
	if bs := want.BlockSize(); bs > 1 && uint64(shape[len(shape)-1])%bs != 0 {
		logger.Log.Debug("row does not fit block size, storing as F16",
			"name", name, "type", want.String(), "row", shape[len(shape)-1])
		return gguf.GGMLTypeF16
	}
	return want
}

// writeConfig stores cfg under the t5.* keys ConfigFromGGUF reads.
func writeConfig(w *gguf.Writer, cfg config.Config, name string) error {
	kv := []struct {
		key   string
		value interface{}
	}{
		{gguf.KeyArchitecture, gguf.ArchitectureT5},
		{gguf.KeyName, name},
		{gguf.KeyContextLength, uint32(gguf.T5ContextLength)},
		{gguf.KeyVocabSize, uint32(cfg.VocabSize)},
		{gguf.KeyEmbeddingLength, uint32(cfg.EmbDim)},
		{gguf.KeyFeedForwardLength, uint32(cfg.MLPDim)},
		{gguf.KeyBlockCount, uint32(cfg.NumEncoderLayers)},
		{gguf.KeyDecoderBlockCount, uint32(cfg.NumDecoderLayers)},
		{gguf.KeyHeadCount, uint32(cfg.NumHeads)},
		{gguf.KeyKeyLength, uint32(cfg.HeadDim)},
		{gguf.KeyValueLength, uint32(cfg.HeadDim)},
		{gguf.KeyLayerNormEpsilon, cfg.LayerNormEpsilon},
		{gguf.KeyRelativeBuckets, uint32(cfg.RelativeBuckets)},
		{gguf.KeyRelativeMaxDist, uint32(cfg.RelativeMaxDistance)},
		{gguf.KeyDecoderStartToken, uint32(cfg.DecoderStartTokenID)},
		{gguf.KeyLayerReuse, uint32(cfg.LayerReuse)},
		{gguf.KeyMLPActivations, cfg.MLPActivations},
		{gguf.KeyLogitsViaEmbedding, cfg.LogitsViaEmbedding},
		{gguf.KeyFloat32Logits, cfg.Float32AttentionLogits},
		{gguf.KeyActivationDType, cfg.DType},
		{gguf.KeyPadTokenID, uint32(cfg.PadTokenID)},
		{gguf.KeyEOSTokenID, uint32(cfg.EOSTokenID)},
	}
	for _, e := range kv {
		if err := w.Set(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}
