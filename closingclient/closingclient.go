// Package closingclient wraps an HTTP client so that Close aborts the
// requests still in flight.
package closingclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrClosed is returned for requests aborted by Close or issued after it.
var ErrClosed = errors.New("client is closed")

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
}

type ClosingClient struct {
	impl HttpClient

	mu      sync.Mutex
	closing bool
	cancels map[uint64]context.CancelCauseFunc
	nextKey uint64

	wg sync.WaitGroup
}

func New(impl HttpClient) (*ClosingClient, error) {
	if impl == nil {
		return nil, errors.New("closingclient: nil client")
	}
	return &ClosingClient{
		impl:    impl,
		cancels: make(map[uint64]context.CancelCauseFunc),
	}, nil
}

func (c *ClosingClient) register(cancel context.CancelCauseFunc) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return 0, false
	}
	// Add(1) is done under the mutex guarding c.closing so it never
	// races with Wait in Close.
	c.wg.Add(1)
	key := c.nextKey
	c.nextKey++
	c.cancels[key] = cancel
	return key, true
}

func (c *ClosingClient) unregister(key uint64) {
	c.mu.Lock()
	delete(c.cancels, key)
	c.mu.Unlock()
	c.wg.Done()
}

func (c *ClosingClient) Do(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	key, ok := c.register(cancel)
	if !ok {
		cancel(ErrClosed)
		return nil, ErrClosed
	}
	defer c.unregister(key)

	res, err := c.impl.Do(req.Clone(ctx))
	if err != nil && errors.Is(context.Cause(ctx), ErrClosed) {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return res, err
}

// Active returns the number of requests in flight.
func (c *ClosingClient) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancels)
}

func (c *ClosingClient) CloseIdleConnections() {
	c.impl.CloseIdleConnections()
}

func (c *ClosingClient) Close() error {
	c.mu.Lock()
	if !c.closing {
		c.closing = true
		for _, cancel := range c.cancels {
			cancel(ErrClosed)
		}
	}
	c.mu.Unlock()

	c.impl.CloseIdleConnections()

	// No Add(1) can happen from here on since c.closing is set.
	c.wg.Wait()

	if closer, ok := c.impl.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
