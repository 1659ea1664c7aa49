// Package arrow_client ships encoder embeddings to an Arrow Flight vector
// store and reads them back.
package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-ut5/internal/logger"
	"github.com/23skdu/longbow-ut5/internal/metrics"
)

// Flight data port of the vector store.
const PortData = 3000

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// EmbeddingSink is what the CLI exports to: a Flight client or the
// in-memory mock.
type EmbeddingSink interface {
	DoPut(ctx context.Context, dataset string, batch *EmbeddingBatch) error
	DoGet(ctx context.Context, dataset string) (*EmbeddingBatch, error)
	Close() error
}

// FlightClient wraps Apache Arrow Flight for vector transport. Datasets
// are addressed by a one-element path descriptor on put and by a ticket
// holding the same name on get.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	mem     memory.Allocator
	log     *logger.Logger
}

func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = PortData
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
		log:     logger.Log.With("flight"),
	}
}

// Addr is the host:port the client dials.
func (fc *FlightClient) Addr() string { return fc.addr }

// SetTimeout bounds every call; zero disables the bound.
func (fc *FlightClient) SetTimeout(d time.Duration) { fc.timeout = d }

// Connect dials the server. grpc connects lazily, so an unreachable server
// surfaces on the first call.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		metrics.RecordFlightError("connect")
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	fc.log.Debug("flight client created", "addr", fc.addr)
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

func (fc *FlightClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if fc.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, fc.timeout)
}

func descriptor(dataset string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{dataset}}
}

// DoPut streams batch to dataset as a single record.
func (fc *FlightClient) DoPut(ctx context.Context, dataset string, batch *EmbeddingBatch) (err error) {
	if fc.client == nil {
		return ErrNotConnected
	}
	if batch == nil {
		return fmt.Errorf("no vectors provided")
	}
	start := time.Now()
	defer func() { metrics.RecordFlightPut(batch.Len(), err) }()

	rec, err := batch.Record(fc.mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()
	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(descriptor(dataset))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("put %s: %w", dataset, err)
		}
	}

	fc.log.Info("embeddings sent", "dataset", dataset, "rows", batch.Len(),
		"dim", batch.Dim(), "elapsed", time.Since(start).String())
	return nil
}

// DoGet reads every record of dataset into one batch.
func (fc *FlightClient) DoGet(ctx context.Context, dataset string) (*EmbeddingBatch, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(dataset)})
	if err != nil {
		metrics.RecordFlightError("do_get")
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(fc.mem))
	if err != nil {
		metrics.RecordFlightError("do_get")
		return nil, fmt.Errorf("get %s: %w", dataset, err)
	}
	defer r.Release()

	out := &EmbeddingBatch{Metadata: make(map[string]string)}
	for r.Next() {
		if err := out.appendRecord(r.Record()); err != nil {
			metrics.RecordFlightError("do_get")
			return nil, err
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		metrics.RecordFlightError("do_get")
		return nil, fmt.Errorf("get %s: %w", dataset, err)
	}
	fc.log.Debug("embeddings received", "dataset", dataset, "rows", out.Len())
	return out, nil
}

// GetSchema asks the server for the schema of dataset.
func (fc *FlightClient) GetSchema(ctx context.Context, dataset string) (*arrow.Schema, error) {
	if fc.client == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	info, err := fc.client.GetFlightInfo(ctx, descriptor(dataset))
	if err != nil {
		metrics.RecordFlightError("get_flight_info")
		return nil, fmt.Errorf("failed to get flight info: %w", err)
	}
	schema, err := flight.DeserializeSchema(info.Schema, fc.mem)
	if err != nil {
		return nil, fmt.Errorf("flight info schema: %w", err)
	}
	return schema, nil
}
