package network

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-ut5/internal/layers"
	"github.com/23skdu/longbow-ut5/internal/metrics"
)

var (
	// ErrRaggedBatch is returned for token batches whose rows differ in length.
	ErrRaggedBatch = errors.New("token batch is not rectangular")
	// ErrRank is returned for inputs that are not [batch, length] ids or
	// [batch, length, features] activations.
	ErrRank = errors.New("unexpected input rank")
	// ErrPackedDecode is returned when encoder segment ids are passed in
	// autoregressive decoding mode; packing is not supported there.
	ErrPackedDecode = errors.New("packing is not supported during decoding but encoder segment ids were passed")
	// ErrMissingSegments is returned when encoder segment ids are given
	// without matching decoder segment ids.
	ErrMissingSegments = errors.New("decoder segment ids are required with encoder segment ids")

	ErrCacheShape = layers.ErrCacheShape
	ErrCacheFull  = layers.ErrCacheFull
)

// checkBatch verifies ids is a non-empty rectangular [batch][length] batch
// and returns its dimensions.
func checkBatch(op, name string, ids [][]int) (batch, length int, err error) {
	if len(ids) == 0 {
		metrics.RecordValidationError(op, "rank")
		return 0, 0, fmt.Errorf("%s: %w: %s has no rows", op, ErrRank, name)
	}
	length = len(ids[0])
	for i, row := range ids {
		if len(row) != length {
			metrics.RecordValidationError(op, "ragged_batch")
			return 0, 0, fmt.Errorf("%s: %w: %s row %d has length %d, want %d", op, ErrRaggedBatch, name, i, len(row), length)
		}
	}
	return len(ids), length, nil
}

// checkLike verifies an optional batch has the given dimensions.
func checkLike(op, name string, ids [][]int, batch, length int) error {
	if ids == nil {
		return nil
	}
	b, l, err := checkBatch(op, name, ids)
	if err != nil {
		return err
	}
	if b != batch || l != length {
		metrics.RecordValidationError(op, "shape")
		return fmt.Errorf("%s: %w: %s is [%d %d], want [%d %d]", op, ErrRank, name, b, l, batch, length)
	}
	return nil
}
