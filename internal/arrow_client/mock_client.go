package arrow_client

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// MockFlightClient keeps datasets in memory. Puts append to a dataset.
type MockFlightClient struct {
	mu        sync.RWMutex
	connected bool
	data      map[string]*EmbeddingBatch
}

func NewMockFlightClient() *MockFlightClient {
	return &MockFlightClient{
		data: make(map[string]*EmbeddingBatch),
	}
}

func (m *MockFlightClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockFlightClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockFlightClient) DoPut(ctx context.Context, dataset string, batch *EmbeddingBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if batch == nil {
		return fmt.Errorf("no vectors provided")
	}
	if err := batch.Validate(); err != nil {
		return err
	}

	stored, ok := m.data[dataset]
	if !ok {
		stored = &EmbeddingBatch{Metadata: make(map[string]string)}
		m.data[dataset] = stored
	} else if stored.Dim() != batch.Dim() {
		return fmt.Errorf("dataset %s holds %d-dim vectors, got %d", dataset, stored.Dim(), batch.Dim())
	}
	stored.IDs = append(stored.IDs, batch.IDs...)
	for _, v := range batch.Vectors {
		stored.Vectors = append(stored.Vectors, append([]float32(nil), v...))
	}
	for k, v := range batch.Metadata {
		stored.Metadata[k] = v
	}
	return nil
}

func (m *MockFlightClient) DoGet(ctx context.Context, dataset string) (*EmbeddingBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}
	batch, ok := m.data[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %s not found", dataset)
	}
	return batch, nil
}

func (m *MockFlightClient) GetSchema(ctx context.Context, dataset string) (*arrow.Schema, error) {
	batch, err := m.DoGet(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return EmbeddingSchema(batch.Dim(), batch.Metadata), nil
}

// Datasets lists the stored dataset names.
func (m *MockFlightClient) Datasets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.data))
	for k := range m.data {
		names = append(names, k)
	}
	return names
}

func (m *MockFlightClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*EmbeddingBatch)
}
