package adaptor

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/hepio/xrdfed/internal/xrdcl"
)

// Future is a one-shot promise for the byte count of a read. It resolves
// exactly once, either with the number of bytes transferred or with an error.
type Future struct {
	done chan struct{}
	once sync.Once
	n    int64
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(n int64, err error) {
	f.once.Do(func() {
		f.n = n
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed when the future resolves
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or the context is cancelled and
// returns the bytes transferred.
func (f *Future) Wait(ctx context.Context) (int64, error) {
	select {
	case <-f.done:
		return f.n, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// resolvedFuture returns a future already resolved to n bytes
func resolvedFuture(n int64) *Future {
	f := newFuture()
	f.complete(n, nil)
	return f
}

// failedFuture returns a future already resolved to an error
func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(0, err)
	return f
}

// sumFutures combines two child futures into one that resolves to the sum of
// both byte counts once both children have resolved. Child errors are merged.
func sumFutures(a, b *Future) *Future {
	out := newFuture()
	go func() {
		<-a.done
		<-b.done
		out.complete(a.n+b.n, multierr.Append(a.err, b.err))
	}()
	return out
}

// ClientRequest carries one logical read: either a single contiguous buffer
// or a scatter list. It records the Source currently servicing it and
// publishes a Future for the transferred byte count.
type ClientRequest struct {
	mgr    *RequestManager
	ctx    context.Context
	offset int64
	buffer []byte
	iolist []IOPosBuffer
	fut    *Future

	mu     sync.Mutex
	source *Source
}

func newSingleRequest(mgr *RequestManager, ctx context.Context, offset int64, buffer []byte) *ClientRequest {
	return &ClientRequest{
		mgr:    mgr,
		ctx:    ctx,
		offset: offset,
		buffer: buffer,
		fut:    newFuture(),
	}
}

func newListRequest(mgr *RequestManager, ctx context.Context, iolist []IOPosBuffer) *ClientRequest {
	return &ClientRequest{
		mgr:    mgr,
		ctx:    ctx,
		iolist: iolist,
		fut:    newFuture(),
	}
}

// Size returns the total number of bytes the request asks for
func (c *ClientRequest) Size() int64 {
	if c.iolist != nil {
		return totalSize(c.iolist)
	}
	return int64(len(c.buffer))
}

// Future returns the request's result future
func (c *ClientRequest) Future() *Future {
	return c.fut
}

// CurrentSource returns the source currently servicing the request
func (c *ClientRequest) CurrentSource() *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func (c *ClientRequest) setCurrentSource(s *Source) {
	c.mu.Lock()
	c.source = s
	c.mu.Unlock()
}

// chunks converts the request's scatter list to transport chunk requests
func (c *ClientRequest) chunks() []xrdcl.ChunkRequest {
	chunks := make([]xrdcl.ChunkRequest, len(c.iolist))
	for i, io := range c.iolist {
		chunks[i] = xrdcl.ChunkRequest{Offset: io.Offset, Buffer: io.Data}
	}
	return chunks
}
