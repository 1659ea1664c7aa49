// Command ut5 builds, inspects and runs T5.1.1 encoder-decoder models
// stored as GGUF.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-ut5/internal/engine"
	"github.com/23skdu/longbow-ut5/internal/logger"
	"github.com/23skdu/longbow-ut5/internal/monitoring"
	"github.com/23skdu/longbow-ut5/internal/ollama"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	out     io.Writer
	monitor *monitoring.HealthMonitor
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out, monitor: monitoring.NewHealthMonitor()}

	root := &cobra.Command{
		Use:           "ut5",
		Short:         "T5.1.1 encoder-decoder runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			logger.Setup(level, format)
			if addr, _ := cmd.Flags().GetString("metrics"); addr != "" {
				a.monitor.Start(addr)
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.monitor.Stop(ctx)
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "console", "Log format (console or json)")
	pf.String("metrics", "", "Serve Prometheus metrics and health endpoints on this address")

	root.AddCommand(
		a.newInitCmd(),
		a.newInspectCmd(),
		a.newGenerateCmd(),
		a.newEmbedCmd(),
	)
	return root
}

// loadModel resolves path or an Ollama reference and loads it.
func (a *app) loadModel(arg string) (*engine.Engine, error) {
	path, err := ollama.ModelPath(arg)
	if err != nil {
		return nil, err
	}
	e, err := engine.LoadModel(path)
	if err != nil {
		return nil, err
	}
	cfg := e.Model.Config
	a.monitor.SetModel(monitoring.ModelInfo{
		Loaded:        true,
		Path:          path,
		Name:          e.Name,
		Params:        e.Model.NumParams(),
		EncoderLayers: cfg.NumEncoderLayers,
		DecoderLayers: cfg.NumDecoderLayers,
		VocabSize:     cfg.VocabSize,
	})
	return e, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
