package gguf

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Metadata keys of the t5 architecture.
const (
	KeyArchitecture       = "general.architecture"
	KeyName               = "general.name"
	KeyAlignment          = "general.alignment"
	KeyFileType           = "general.file_type"
	KeyContextLength      = "t5.context_length"
	KeyEmbeddingLength    = "t5.embedding_length"
	KeyFeedForwardLength  = "t5.feed_forward_length"
	KeyBlockCount         = "t5.block_count"
	KeyDecoderBlockCount  = "t5.decoder_block_count"
	KeyHeadCount          = "t5.attention.head_count"
	KeyKeyLength          = "t5.attention.key_length"
	KeyValueLength        = "t5.attention.value_length"
	KeyLayerNormEpsilon   = "t5.attention.layer_norm_rms_epsilon"
	KeyRelativeBuckets    = "t5.attention.relative_buckets_count"
	KeyRelativeMaxDist    = "t5.attention.relative_max_distance"
	KeyDecoderStartToken  = "t5.decoder_start_token_id"
	KeyLayerReuse         = "t5.layer_reuse"
	KeyMLPActivations     = "t5.mlp_activations"
	KeyLogitsViaEmbedding = "t5.logits_via_embedding"
	KeyActivationDType    = "t5.activation_dtype"
	KeyVocabSize          = "t5.vocab_size"
	KeyFloat32Logits      = "t5.attention.float32_logits"

	KeyTokens       = "tokenizer.ggml.tokens"
	KeyScores       = "tokenizer.ggml.scores"
	KeyTokenModel   = "tokenizer.ggml.model"
	KeyEOSTokenID   = "tokenizer.ggml.eos_token_id"
	KeyPadTokenID   = "tokenizer.ggml.padding_token_id"
	KeyUnkTokenID   = "tokenizer.ggml.unknown_token_id"
	ArchitectureT5  = "t5"
	TokenModelT5    = "t5"
	T5ContextLength = 512
)

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture      string
	ModelName         string
	ContextLength     int
	EmbeddingLength   int
	AttentionHeads    int
	KeyLength         int
	FeedForwardLength int
	EncoderBlocks     int
	DecoderBlocks     int
	RelativeBuckets   int
	VocabSize         int
	Quantization      string
	TypeCounts        map[string]int
	TotalParameters   int64
	TensorCount       int
	MemoryEstimate    int64
}

func (a *MetadataAnalyzer) Analyze() (*AnalysisReport, error) {
	f := a.file
	report := &AnalysisReport{
		Architecture: f.Architecture(),
		TensorCount:  len(f.Tensors),
		TypeCounts:   make(map[string]int),
	}
	if report.Architecture == "" {
		return nil, fmt.Errorf("missing %s", KeyArchitecture)
	}
	report.ModelName, _ = f.GetString(KeyName)

	arch := report.Architecture
	report.ContextLength = int(getKVInt(f, arch+".context_length"))
	if report.ContextLength == 0 {
		report.ContextLength = T5ContextLength
	}
	report.EmbeddingLength = int(getKVInt(f, arch+".embedding_length"))
	report.AttentionHeads = int(getKVInt(f, arch+".attention.head_count"))
	report.KeyLength = int(getKVInt(f, arch+".attention.key_length"))
	if report.KeyLength == 0 && report.AttentionHeads > 0 {
		report.KeyLength = report.EmbeddingLength / report.AttentionHeads
	}
	report.FeedForwardLength = int(getKVInt(f, arch+".feed_forward_length"))
	report.EncoderBlocks = int(getKVInt(f, arch+".block_count"))
	report.DecoderBlocks = int(getKVInt(f, arch+".decoder_block_count", arch+".block_count"))
	report.RelativeBuckets = int(getKVInt(f, arch+".attention.relative_buckets_count"))
	report.VocabSize = int(getKVInt(f, arch+".vocab_size"))
	if report.VocabSize == 0 {
		if tokens, ok := f.GetStrings(KeyTokens); ok {
			report.VocabSize = len(tokens)
		}
	}

	var bestType string
	for _, t := range f.Tensors {
		name := t.Type.String()
		report.TypeCounts[name]++
		if report.TypeCounts[name] > report.TypeCounts[bestType] ||
			(report.TypeCounts[name] == report.TypeCounts[bestType] && name < bestType) {
			bestType = name
		}
		report.TotalParameters += int64(t.NumElements())
	}
	report.Quantization = bestType
	if report.Quantization == "" {
		report.Quantization = "Unknown"
	}

	report.MemoryEstimate = a.estimateMemoryUsage()
	return report, nil
}

// estimateMemoryUsage is the float32 footprint after dequantization, which
// is what the CPU runtime holds.
func (a *MetadataAnalyzer) estimateMemoryUsage() int64 {
	var total int64
	for _, t := range a.file.Tensors {
		total += int64(t.NumElements()) * 4
	}
	return total
}

func getKVInt(f *GGUFFile, keys ...string) uint64 {
	for _, key := range keys {
		if v, ok := f.GetUint(key); ok {
			return v
		}
	}
	return 0
}

func (r *AnalysisReport) String() string {
	types := make([]string, 0, len(r.TypeCounts))
	for name, n := range r.TypeCounts {
		types = append(types, fmt.Sprintf("%s=%d", name, n))
	}
	sort.Strings(types)

	return fmt.Sprintf(`GGUF Model Analysis Report
============================
Architecture:     %s
Model Name:       %s
Context Length:   %d
Embedding:        %d
Attention Heads:  %d
Head Dim:         %d
Feed Forward:     %d
Encoder Blocks:   %d
Decoder Blocks:   %d
Rel. Buckets:     %d
Vocab Size:       %d
Quantization:     %s (%s)
Total Tensors:    %d
Total Parameters: %d (%.2fM)
Memory Estimate:  %.2f MB
`,
		r.Architecture,
		r.ModelName,
		r.ContextLength,
		r.EmbeddingLength,
		r.AttentionHeads,
		r.KeyLength,
		r.FeedForwardLength,
		r.EncoderBlocks,
		r.DecoderBlocks,
		r.RelativeBuckets,
		r.VocabSize,
		r.Quantization, strings.Join(types, " "),
		r.TensorCount,
		r.TotalParameters,
		float64(r.TotalParameters)/1e6,
		float64(r.MemoryEstimate)/1e6,
	)
}

// ValidateTensors checks that tensors are laid out back to back at aligned
// offsets and that every type has a known size.
func (a *MetadataAnalyzer) ValidateTensors() []string {
	var issues []string
	align := a.file.Alignment
	if align == 0 {
		align = DefaultAlignment
	}

	var expectedOffset uint64
	for i, t := range a.file.Tensors {
		if t.Offset != expectedOffset {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): expected offset %d, got %d",
					i, t.Name, expectedOffset, t.Offset))
		}

		size := t.SizeBytes()
		if size == 0 {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): unknown size for type %s",
					i, t.Name, t.Type))
		} else if bs := t.Type.BlockSize(); len(t.Dimensions) > 0 && t.Dimensions[0]%bs != 0 {
			issues = append(issues,
				fmt.Sprintf("Tensor %d (%s): row of %d is not a multiple of block size %d",
					i, t.Name, t.Dimensions[0], bs))
		}

		expectedOffset = alignUp(t.Offset+size, align)
	}
	return issues
}

func (a *MetadataAnalyzer) FindMissingTensors(required []string) []string {
	existing := make(map[string]bool, len(a.file.Tensors))
	for _, t := range a.file.Tensors {
		existing[t.Name] = true
	}

	var missing []string
	for _, name := range required {
		if !existing[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

type TensorStats struct {
	Name         string
	Type         string
	Shape        []int
	ElementCount uint64
	SizeBytes    uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	RMS          float64
	NaNs         int
	Infs         int
}

// ComputeStats dequantizes the named tensor and summarizes its finite values.
func (a *MetadataAnalyzer) ComputeStats(tensorName string) (*TensorStats, error) {
	tensor := a.file.Tensor(tensorName)
	if tensor == nil {
		return nil, fmt.Errorf("tensor %s not found", tensorName)
	}

	stats := &TensorStats{
		Name:         tensor.Name,
		Type:         tensor.Type.String(),
		Shape:        tensor.Shape(),
		ElementCount: tensor.NumElements(),
		SizeBytes:    tensor.SizeBytes(),
	}

	data, err := tensor.Float32()
	if err != nil {
		return nil, err
	}

	stats.MinValue = math.Inf(1)
	stats.MaxValue = math.Inf(-1)
	var sum, sq float64
	finite := 0
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			stats.NaNs++
			continue
		case math.IsInf(f, 0):
			stats.Infs++
			continue
		}
		stats.MinValue = math.Min(stats.MinValue, f)
		stats.MaxValue = math.Max(stats.MaxValue, f)
		sum += f
		sq += f * f
		finite++
	}
	if finite == 0 {
		stats.MinValue, stats.MaxValue = 0, 0
		return stats, nil
	}
	stats.MeanValue = sum / float64(finite)
	stats.RMS = math.Sqrt(sq / float64(finite))
	return stats, nil
}
