package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Activation dtypes understood by the network.
const (
	DTypeFloat32  = "float32"
	DTypeBFloat16 = "bfloat16"
	DTypeFloat16  = "float16"
)

// Activations accepted in MLPActivations.
var knownActivations = map[string]bool{
	"relu":     true,
	"gelu":     true,
	"gelu_new": true,
	"silu":     true,
	"swish":    true,
	"tanh":     true,
	"sigmoid":  true,
	"linear":   true,
}

// Config holds the hyperparameters of an encoder-decoder model.
type Config struct {
	VocabSize int    `yaml:"vocab_size"`
	DType     string `yaml:"dtype"`

	EmbDim           int `yaml:"emb_dim"`
	NumHeads         int `yaml:"num_heads"`
	NumEncoderLayers int `yaml:"num_encoder_layers"`
	NumDecoderLayers int `yaml:"num_decoder_layers"`
	LayerReuse       int `yaml:"layer_reuse"`
	HeadDim          int `yaml:"head_dim"`
	MLPDim           int `yaml:"mlp_dim"`

	MLPActivations []string `yaml:"mlp_activations"`

	DropoutRate   float64 `yaml:"dropout_rate"`
	LayerdropRate float64 `yaml:"layerdrop_rate"`

	// LogitsViaEmbedding reuses the token embedding as the output projection.
	LogitsViaEmbedding bool `yaml:"logits_via_embedding"`
	// Float32AttentionLogits keeps attention logits in float32 regardless of DType.
	Float32AttentionLogits bool `yaml:"float32_attention_logits"`

	RelativeBuckets     int     `yaml:"relative_buckets"`
	RelativeMaxDistance int     `yaml:"relative_max_distance"`
	LayerNormEpsilon    float32 `yaml:"layer_norm_epsilon"`

	PadTokenID          int `yaml:"pad_token_id"`
	EOSTokenID          int `yaml:"eos_token_id"`
	DecoderStartTokenID int `yaml:"decoder_start_token_id"`
}

func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	switch c.DType {
	case DTypeFloat32, DTypeBFloat16, DTypeFloat16:
	default:
		return fmt.Errorf("invalid dtype: %q", c.DType)
	}
	if c.EmbDim <= 0 {
		return fmt.Errorf("invalid emb_dim: %d (must be positive)", c.EmbDim)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.NumEncoderLayers <= 0 {
		return fmt.Errorf("invalid num_encoder_layers: %d (must be positive)", c.NumEncoderLayers)
	}
	if c.NumDecoderLayers <= 0 {
		return fmt.Errorf("invalid num_decoder_layers: %d (must be positive)", c.NumDecoderLayers)
	}
	if c.LayerReuse < 1 {
		return fmt.Errorf("invalid layer_reuse: %d (must be >= 1)", c.LayerReuse)
	}
	if c.MLPDim <= 0 {
		return fmt.Errorf("invalid mlp_dim: %d (must be positive)", c.MLPDim)
	}
	if len(c.MLPActivations) == 0 {
		return fmt.Errorf("mlp_activations must not be empty")
	}
	for _, a := range c.MLPActivations {
		if !knownActivations[strings.ToLower(a)] {
			return fmt.Errorf("unknown mlp activation: %q", a)
		}
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return fmt.Errorf("invalid dropout_rate: %f (must be in [0, 1))", c.DropoutRate)
	}
	if c.LayerdropRate < 0 || c.LayerdropRate >= 1 {
		return fmt.Errorf("invalid layerdrop_rate: %f (must be in [0, 1))", c.LayerdropRate)
	}
	if c.RelativeBuckets < 2 {
		return fmt.Errorf("invalid relative_buckets: %d (must be >= 2)", c.RelativeBuckets)
	}
	if c.RelativeMaxDistance <= c.RelativeBuckets/2 {
		return fmt.Errorf("invalid relative_max_distance: %d (must exceed relative_buckets/2 = %d)",
			c.RelativeMaxDistance, c.RelativeBuckets/2)
	}
	if c.LayerNormEpsilon <= 0 {
		return fmt.Errorf("invalid layer_norm_epsilon: %g (must be positive)", c.LayerNormEpsilon)
	}
	for name, id := range map[string]int{
		"pad_token_id":           c.PadTokenID,
		"eos_token_id":           c.EOSTokenID,
		"decoder_start_token_id": c.DecoderStartTokenID,
	} {
		if id < 0 || id >= c.VocabSize {
			return fmt.Errorf("invalid %s: %d (vocab_size %d)", name, id, c.VocabSize)
		}
	}
	return nil
}

// QKVDim is the width of the concatenated attention heads.
func (c *Config) QKVDim() int {
	return c.NumHeads * c.HeadDim
}

// NumEncoderParamLayers is the number of distinct parameterized encoder
// layers once layer reuse is applied.
func (c *Config) NumEncoderParamLayers() int {
	return ceilDiv(c.NumEncoderLayers, c.LayerReuse)
}

// NumDecoderParamLayers is the decoder counterpart of NumEncoderParamLayers.
func (c *Config) NumDecoderParamLayers() int {
	return ceilDiv(c.NumDecoderLayers, c.LayerReuse)
}

func (c *Config) IsGated() bool {
	return len(c.MLPActivations) > 1
}

func ceilDiv(a, b int) int {
	if b <= 1 {
		return a
	}
	return (a + b - 1) / b
}

func Default() Config {
	return Config{
		VocabSize:           32128,
		DType:               DTypeFloat32,
		EmbDim:              512,
		NumHeads:            8,
		NumEncoderLayers:    6,
		NumDecoderLayers:    6,
		LayerReuse:          1,
		HeadDim:             64,
		MLPDim:              2048,
		MLPActivations:      []string{"relu"},
		DropoutRate:         0.1,
		LayerdropRate:       0.0,
		RelativeBuckets:     32,
		RelativeMaxDistance: 128,
		LayerNormEpsilon:    1e-6,
		PadTokenID:          0,
		EOSTokenID:          1,
		DecoderStartTokenID: 0,
	}
}

// Preset returns one of the published T5.1.1 shapes.
func Preset(name string) (Config, error) {
	c := Default()
	c.MLPActivations = []string{"gelu", "linear"}
	c.DropoutRate = 0.0
	c.DType = DTypeBFloat16

	switch strings.ToLower(name) {
	case "t5.1.1-small":
		c.EmbDim, c.NumHeads, c.HeadDim, c.MLPDim = 512, 6, 64, 1024
		c.NumEncoderLayers, c.NumDecoderLayers = 8, 8
	case "t5.1.1-base":
		c.EmbDim, c.NumHeads, c.HeadDim, c.MLPDim = 768, 12, 64, 2048
		c.NumEncoderLayers, c.NumDecoderLayers = 12, 12
	case "t5.1.1-large":
		c.EmbDim, c.NumHeads, c.HeadDim, c.MLPDim = 1024, 16, 64, 2816
		c.NumEncoderLayers, c.NumDecoderLayers = 24, 24
	case "tiny":
		c.VocabSize = 128
		c.DType = DTypeFloat32
		c.EmbDim, c.NumHeads, c.HeadDim, c.MLPDim = 16, 2, 8, 32
		c.NumEncoderLayers, c.NumDecoderLayers = 2, 2
	default:
		return Config{}, fmt.Errorf("unknown preset: %q", name)
	}
	return c, nil
}

// Load reads a YAML config file. Fields missing from the file keep their
// Default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
