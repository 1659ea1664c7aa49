package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-ut5/internal/arrow_client"
	"github.com/23skdu/longbow-ut5/internal/network"
)

// newSink dials the Flight vector store at host:port.
var newSink = func(cmd *cobra.Command, addr string) (arrow_client.EmbeddingSink, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("--flight: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("--flight port: %w", err)
	}
	client := arrow_client.NewFlightClient(host, port)
	if err := client.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) newEmbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed MODEL",
		Short: "Mean-pooled encoder embeddings, printed as JSON or sent over Arrow Flight",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runEmbed,
	}
	f := cmd.Flags()
	f.StringArray("text", nil, "Text to embed; repeat for a batch")
	f.StringArray("ids", nil, "Comma-separated token ids to embed; repeat for a batch")
	f.String("flight", "", "host:port of an Arrow Flight vector store")
	f.String("dataset", "embeddings", "Flight dataset name")
	f.Int("threads", 0, "Worker goroutines; 0 uses every CPU")
	return cmd
}

type embeddingJSON struct {
	ID        string    `json:"id"`
	Text      string    `json:"text,omitempty"`
	Embedding []float32 `json:"embedding"`
}

func (a *app) runEmbed(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	texts, _ := f.GetStringArray("text")
	idArgs, _ := f.GetStringArray("ids")
	flightAddr, _ := f.GetString("flight")
	dataset, _ := f.GetString("dataset")
	threads, _ := f.GetInt("threads")
	if len(texts) == 0 && len(idArgs) == 0 {
		return fmt.Errorf("one of --text or --ids is required")
	}

	e, err := a.loadModel(args[0])
	if err != nil {
		return err
	}
	run := network.RunOptions{Threads: threads}

	var vectors [][]float32
	labels := texts
	if len(texts) > 0 {
		vectors, err = e.EmbedText(cmd.Context(), texts, run)
	} else {
		rows := make([][]int, len(idArgs))
		for i, s := range idArgs {
			if rows[i], err = parseIDs(s); err != nil {
				return err
			}
		}
		labels = make([]string, len(idArgs))
		vectors, err = e.Embed(cmd.Context(), rows, run)
	}
	if err != nil {
		return err
	}

	batch := arrow_client.NewEmbeddingBatch(vectors, nil)
	batch.Metadata["model"] = e.Name

	if flightAddr == "" {
		enc := json.NewEncoder(a.out)
		for i, v := range vectors {
			if err := enc.Encode(embeddingJSON{ID: batch.IDs[i], Text: labels[i], Embedding: v}); err != nil {
				return err
			}
		}
		return nil
	}

	sink, err := newSink(cmd, flightAddr)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()
	if err := sink.DoPut(cmd.Context(), dataset, batch); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "sent %d embeddings of dim %d to %s/%s\n", batch.Len(), batch.Dim(), flightAddr, dataset)
	return nil
}
