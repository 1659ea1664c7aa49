package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-ut5/internal/engine"
	"github.com/23skdu/longbow-ut5/internal/network"
)

func (a *app) newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate MODEL",
		Short: "Encode a prompt and decode a continuation",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runGenerate,
	}
	f := cmd.Flags()
	f.String("prompt", "", "Input text")
	f.String("ids", "", "Comma-separated input token ids, instead of --prompt")
	f.Int("max-tokens", engine.DefaultMaxNewTokens, "Maximum number of generated tokens")
	f.Float64("temperature", 0, "Sampling temperature; 0 is greedy")
	f.Int("top-k", 0, "Keep the k most likely tokens; 0 keeps all")
	f.Float64("top-p", 0, "Nucleus sampling threshold; 0 disables")
	f.Float64("rep-penalty", 1, "Repetition penalty; 1 disables")
	f.Bool("quality", false, "Adaptive temperature and frequency-scaled penalty")
	f.Int64("seed", 0, "Sampling seed; 0 seeds from the clock")
	f.Int("threads", 0, "Worker goroutines; 0 uses every CPU")
	f.Bool("stream", false, "Print token ids as they are produced")
	return cmd
}

func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("token id %q: %w", field, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// inputIDs reads --ids, or tokenizes --prompt with EOS appended.
func inputIDs(cmd *cobra.Command, e *engine.Engine) ([]int, error) {
	if s, _ := cmd.Flags().GetString("ids"); s != "" {
		return parseIDs(s)
	}
	prompt, _ := cmd.Flags().GetString("prompt")
	if prompt == "" {
		return nil, fmt.Errorf("one of --prompt or --ids is required")
	}
	if e.Tokenizer == nil {
		return nil, fmt.Errorf("--prompt: %w; pass --ids", engine.ErrNoTokenizer)
	}
	return e.Tokenizer.EncodeWithEOS(prompt), nil
}

func (a *app) runGenerate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	maxTokens, _ := f.GetInt("max-tokens")
	temp, _ := f.GetFloat64("temperature")
	topK, _ := f.GetInt("top-k")
	topP, _ := f.GetFloat64("top-p")
	rep, _ := f.GetFloat64("rep-penalty")
	quality, _ := f.GetBool("quality")
	seed, _ := f.GetInt64("seed")
	threads, _ := f.GetInt("threads")
	stream, _ := f.GetBool("stream")

	e, err := a.loadModel(args[0])
	if err != nil {
		return err
	}
	ids, err := inputIDs(cmd, e)
	if err != nil {
		return err
	}

	opts := engine.GenerateOptions{
		Sampler: engine.SamplerConfig{
			Temperature: temp,
			TopK:        topK,
			TopP:        topP,
			RepPenalty:  rep,
			Seed:        seed,
			QualityMode: quality,
		},
		MaxNewTokens: maxTokens,
		Run:          network.RunOptions{Threads: threads},
	}
	if stream {
		opts.Stream = func(step int, tokens []int) error {
			fmt.Fprintf(a.out, "step %d: %d\n", step, tokens[0])
			return nil
		}
	}

	start := time.Now()
	res, err := e.Generate(cmd.Context(), [][]int{ids}, opts)
	if err != nil {
		return err
	}
	a.monitor.RecordGeneration(len(res.Tokens[0]), time.Since(start))

	if e.Tokenizer != nil {
		fmt.Fprintln(a.out, e.Tokenizer.Decode(res.Tokens[0]))
	}
	fmt.Fprintf(a.out, "ids: %v (steps %d, eos %t)\n", res.Tokens[0], res.Steps, res.Finished[0])
	return nil
}
