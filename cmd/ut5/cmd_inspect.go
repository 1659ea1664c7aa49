package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-ut5/internal/engine"
	"github.com/23skdu/longbow-ut5/internal/gguf"
	"github.com/23skdu/longbow-ut5/internal/ollama"
)

func (a *app) newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show GGUF metadata, tensor layout and statistics",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runInspect,
	}
	cmd.Flags().Bool("tensors", false, "Print per-tensor statistics")
	cmd.Flags().Bool("validate", false, "Check tensor offsets and block alignment")
	return cmd
}

func (a *app) runInspect(cmd *cobra.Command, args []string) error {
	showTensors, _ := cmd.Flags().GetBool("tensors")
	validate, _ := cmd.Flags().GetBool("validate")

	path, err := ollama.ModelPath(args[0])
	if err != nil {
		return err
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	analyzer := gguf.NewMetadataAnalyzer(f)
	report, err := analyzer.Analyze()
	if err != nil {
		return err
	}
	fmt.Fprint(a.out, report.String())

	if f.Architecture() == gguf.ArchitectureT5 {
		cfg, err := engine.ConfigFromGGUF(f)
		if err != nil {
			fmt.Fprintf(a.out, "Config:           invalid (%v)\n", err)
		} else {
			fmt.Fprintf(a.out, "Activations:      %v\nLayer Reuse:      %d\nShared Logits:    %t\n",
				cfg.MLPActivations, cfg.LayerReuse, cfg.LogitsViaEmbedding)
		}
	}

	if validate {
		issues := analyzer.ValidateTensors()
		fmt.Fprintf(a.out, "\nValidation: %d issue(s)\n", len(issues))
		for _, issue := range issues {
			fmt.Fprintln(a.out, "  "+issue)
		}
	}

	if showTensors {
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nNAME\tTYPE\tSHAPE\tMIN\tMAX\tMEAN\tRMS\tNAN/INF")
		for _, t := range f.Tensors {
			stats, err := analyzer.ComputeStats(t.Name)
			if err != nil {
				fmt.Fprintf(tw, "%s\t%s\t%v\t-\t-\t-\t-\t%v\n", t.Name, t.Type, t.Shape(), err)
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%v\t%.4f\t%.4f\t%.4f\t%.4f\t%d/%d\n",
				stats.Name, stats.Type, stats.Shape, stats.MinValue, stats.MaxValue,
				stats.MeanValue, stats.RMS, stats.NaNs, stats.Infs)
		}
		return tw.Flush()
	}
	return nil
}
