package cpu

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-ut5/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	metrics.RecordTensorMemory(atomic.AddInt64(&allocatedBytes, delta))
}

// AllocatedBytes reports bytes held by tensors of all live contexts.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Context owns the scratch tensors of one forward pass and bounds the
// goroutines used by parallel kernels.
type Context struct {
	numThreads int
	held       int64
}

func NewContext() *Context {
	return &Context{numThreads: runtime.NumCPU()}
}

func (c *Context) NumThreads() int {
	return c.numThreads
}

func (c *Context) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	c.numThreads = n
}

// NewTensor allocates a zeroed tensor and accounts for its bytes until Free.
func (c *Context) NewTensor(shape ...int) *Tensor {
	t := NewTensor(shape...)
	atomic.AddInt64(&c.held, t.Bytes())
	traceAlloc(t.Bytes())
	return t
}

// Free releases the accounting of every tensor allocated through c.
// Tensors remain usable; their memory is reclaimed by the GC.
func (c *Context) Free() {
	if held := atomic.SwapInt64(&c.held, 0); held != 0 {
		traceAlloc(-held)
	}
}

// ParallelFor runs fn for every i in [0, n) on at most NumThreads
// goroutines. The first error cancels the remaining work.
func (c *Context) ParallelFor(ctx context.Context, n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	if c.numThreads <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.numThreads)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
