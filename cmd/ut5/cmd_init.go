package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-ut5/internal/config"
	"github.com/23skdu/longbow-ut5/internal/engine"
	"github.com/23skdu/longbow-ut5/internal/gguf"
	"github.com/23skdu/longbow-ut5/internal/logger"
	"github.com/23skdu/longbow-ut5/internal/network"
	"github.com/23skdu/longbow-ut5/internal/tokenizer"
)

func (a *app) newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init OUTPUT",
		Short: "Randomly initialize a model and save it as GGUF",
		Long: `Builds a model from a preset or a YAML config with the T5X default
initializers and writes it, with a character-level vocabulary, to OUTPUT.`,
		Args: cobra.ExactArgs(1),
		RunE: a.runInit,
	}
	cmd.Flags().String("preset", "tiny", "Model shape: tiny, t5.1.1-small, t5.1.1-base or t5.1.1-large")
	cmd.Flags().String("config", "", "YAML config file; overrides --preset")
	cmd.Flags().Int64("seed", 0, "Initialization seed")
	cmd.Flags().String("type", "F32", "Matrix storage type (F32, F16, BF16, Q8_0)")
	cmd.Flags().String("name", "", "Model name stored in the file")
	cmd.Flags().Bool("tokenizer", true, "Embed a character-level vocabulary")
	return cmd
}

func (a *app) runInit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	preset, _ := flags.GetString("preset")
	cfgPath, _ := flags.GetString("config")
	seed, _ := flags.GetInt64("seed")
	typeName, _ := flags.GetString("type")
	name, _ := flags.GetString("name")
	withTok, _ := flags.GetBool("tokenizer")

	var cfg config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
	} else {
		cfg, err = config.Preset(preset)
	}
	if err != nil {
		return err
	}
	typ, err := gguf.ParseGGMLType(typeName)
	if err != nil {
		return err
	}
	if name == "" {
		name = preset
	}

	model, err := network.New(cfg, seed)
	if err != nil {
		return err
	}
	var tok *tokenizer.Tokenizer
	if withTok {
		if tok, err = tokenizer.Basic(cfg.VocabSize); err != nil {
			return err
		}
	}
	e := engine.NewEngine(model, tok)
	e.Name = name
	if err := e.SaveModel(args[0], typ); err != nil {
		return err
	}

	logger.Log.Info("model initialized", "path", args[0], "params", model.NumParams(), "seed", seed)
	fmt.Fprintf(a.out, "wrote %s: %d parameters, %d encoder and %d decoder layers\n",
		args[0], model.NumParams(), cfg.NumEncoderLayers, cfg.NumDecoderLayers)
	return nil
}
