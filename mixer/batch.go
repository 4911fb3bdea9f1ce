package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cf "github.com/starius/clientfactory"
	apierrors "github.com/starius/clientfactory/errors"
)

// BatchCall is one call of a batch. Calls run after every call named in
// DependsOn succeeded.
type BatchCall struct {
	// ID correlates the call with its outcome. A random one is assigned
	// when empty.
	ID         string
	Positional []any
	Args       cf.Args
	DependsOn  []string
}

// BatchItem is the outcome of one call.
type BatchItem struct {
	ID       string
	Index    int
	Response *cf.Response
	Err      error
	// Done is false for calls skipped after the batch stopped.
	Done bool
}

// BatchErrorAction is what a failed call does to the rest of the batch.
type BatchErrorAction int

const (
	// Raise stops the batch and returns the failure.
	Raise BatchErrorAction = iota
	// Break stops the batch without an error.
	Break
	// Continue records the failure and runs the remaining calls.
	Continue
)

// RollbackFunc undoes the calls that succeeded before cause.
type RollbackFunc func(ctx context.Context, done []BatchItem, cause error) error

type batchConfig struct {
	parallel bool
	workers  int
	action   BatchErrorAction
	delay    time.Duration
	rollback []RollbackFunc
	logger   *slog.Logger
}

type BatchOption func(*batchConfig)

// Parallel runs independent calls on up to workers goroutines (10 when
// workers is not positive). Parallel batches support neither
// dependencies nor rollback.
func Parallel(workers int) BatchOption {
	return func(c *batchConfig) {
		c.parallel = true
		c.workers = workers
	}
}

func OnBatchError(action BatchErrorAction) BatchOption {
	return func(c *batchConfig) {
		c.action = action
	}
}

// Delay spaces the start of consecutive calls.
func Delay(d time.Duration) BatchOption {
	return func(c *batchConfig) {
		c.delay = d
	}
}

// Rollback adds hooks run in reverse order when a sequential batch stops
// on a failure.
func Rollback(fns ...RollbackFunc) BatchOption {
	return func(c *batchConfig) {
		c.rollback = append(c.rollback, fns...)
	}
}

func BatchLogger(logger *slog.Logger) BatchOption {
	return func(c *batchConfig) {
		c.logger = logger
	}
}

// BatchResult holds the outcome of every call in declaration order.
type BatchResult struct {
	items []BatchItem
	index map[string]int
}

func (r *BatchResult) Items() []BatchItem {
	return append([]BatchItem(nil), r.items...)
}

func (r *BatchResult) Get(id string) (BatchItem, bool) {
	i, ok := r.index[id]
	if !ok {
		return BatchItem{}, false
	}
	return r.items[i], true
}

// Responses returns the successful responses in declaration order.
func (r *BatchResult) Responses() []*cf.Response {
	var out []*cf.Response
	for _, it := range r.items {
		if it.Done && it.Err == nil {
			out = append(out, it.Response)
		}
	}
	return out
}

func (r *BatchResult) Failures() []BatchItem {
	var out []BatchItem
	for _, it := range r.items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// Count returns the number of successful calls.
func (r *BatchResult) Count() int {
	return len(r.Responses())
}

func (r *BatchResult) First() *cf.Response {
	res := r.Responses()
	if len(res) == 0 {
		return nil
	}
	return res[0]
}

func (r *BatchResult) Last() *cf.Response {
	res := r.Responses()
	if len(res) == 0 {
		return nil
	}
	return res[len(res)-1]
}

type batch struct {
	bm     *cf.BoundMethod
	base   *Call
	calls  []BatchCall
	config batchConfig
	result *BatchResult
	pace   *rate.Limiter
}

func runBatch(ctx context.Context, bm *cf.BoundMethod, base *Call, calls []BatchCall, opts ...BatchOption) (*BatchResult, error) {
	b := &batch{bm: bm, base: base, calls: append([]BatchCall(nil), calls...)}
	for _, opt := range opts {
		opt(&b.config)
	}
	if b.config.logger == nil {
		b.config.logger = slog.Default()
	}
	if b.config.workers <= 0 {
		b.config.workers = 10
	}
	if b.config.delay > 0 {
		b.pace = rate.NewLimiter(rate.Every(b.config.delay), 1)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.config.parallel {
		return b.runParallel(ctx)
	}
	return b.runSequential(ctx)
}

func (b *batch) component() string {
	return "batch of " + b.bm.Name()
}

func (b *batch) validate() error {
	b.result = &BatchResult{
		items: make([]BatchItem, len(b.calls)),
		index: make(map[string]int, len(b.calls)),
	}
	for i := range b.calls {
		c := &b.calls[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if _, dup := b.result.index[c.ID]; dup {
			return apierrors.Configf(b.component(), c.ID, "duplicate call id")
		}
		b.result.index[c.ID] = i
		b.result.items[i] = BatchItem{ID: c.ID, Index: i}
	}
	hasDeps := false
	for _, c := range b.calls {
		for _, dep := range c.DependsOn {
			hasDeps = true
			if _, ok := b.result.index[dep]; !ok {
				return apierrors.Configf(b.component(), c.ID, "unknown dependency %q", dep)
			}
		}
	}
	if b.config.parallel && hasDeps {
		return apierrors.Configf(b.component(), "parallel", "parallel batches do not support dependencies")
	}
	if b.config.parallel && len(b.config.rollback) != 0 {
		return apierrors.Configf(b.component(), "parallel", "parallel batches do not support rollback")
	}
	return nil
}

// order returns call indexes so that every call follows its
// dependencies, keeping declaration order otherwise.
func (b *batch) order() ([]int, error) {
	placed := make([]bool, len(b.calls))
	out := make([]int, 0, len(b.calls))
	for len(out) < len(b.calls) {
		progress := false
		for i, c := range b.calls {
			if placed[i] {
				continue
			}
			ready := true
			for _, dep := range c.DependsOn {
				if !placed[b.result.index[dep]] {
					ready = false
					break
				}
			}
			if ready {
				placed[i] = true
				out = append(out, i)
				progress = true
				break
			}
		}
		if !progress {
			return nil, apierrors.Configf(b.component(), "dependencies", "dependency cycle")
		}
	}
	return out, nil
}

func (b *batch) invoke(ctx context.Context, c BatchCall) (*cf.Response, error) {
	if b.pace != nil {
		if err := b.pace.Wait(ctx); err != nil {
			return nil, err
		}
	}
	positional := c.Positional
	if positional == nil {
		positional = b.base.Positional
	}
	args := cf.Args(deepMerge(b.base.Args, c.Args))
	return b.bm.Invoke(ctx, positional, args)
}

func (b *batch) runSequential(ctx context.Context) (*BatchResult, error) {
	order, err := b.order()
	if err != nil {
		return nil, err
	}
	var done []BatchItem
	for _, i := range order {
		c := b.calls[i]
		item := &b.result.items[i]
		item.Done = true
		for _, dep := range c.DependsOn {
			if failed := b.result.items[b.result.index[dep]]; failed.Err != nil || !failed.Done {
				item.Err = fmt.Errorf("dependency %s failed", dep)
				break
			}
		}
		if item.Err == nil {
			item.Response, item.Err = b.invoke(ctx, c)
		}
		if item.Err == nil {
			done = append(done, *item)
			continue
		}
		b.config.logger.Debug("batch call failed", "endpoint", b.bm.Name(), "id", c.ID, "error", item.Err)
		if b.config.action == Continue {
			continue
		}
		cause := fmt.Errorf("batch call %s: %w", c.ID, item.Err)
		if rerr := b.rollback(ctx, done, cause); rerr != nil {
			cause = errors.Join(cause, rerr)
		}
		if b.config.action == Break {
			return b.result, nil
		}
		return b.result, cause
	}
	return b.result, nil
}

func (b *batch) rollback(ctx context.Context, done []BatchItem, cause error) error {
	var errs []error
	for i := len(b.config.rollback) - 1; i >= 0; i-- {
		if err := b.config.rollback[i](ctx, done, cause); err != nil {
			errs = append(errs, fmt.Errorf("rollback: %w", err))
		}
	}
	return errors.Join(errs...)
}

var errStopBatch = errors.New("batch stopped")

func (b *batch) runParallel(ctx context.Context) (*BatchResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.workers)
	var mu sync.Mutex
	for i, c := range b.calls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := b.invoke(gctx, c)
			mu.Lock()
			b.result.items[i] = BatchItem{ID: c.ID, Index: i, Response: res, Err: err, Done: true}
			mu.Unlock()
			if err == nil {
				return nil
			}
			b.config.logger.Debug("batch call failed", "endpoint", b.bm.Name(), "id", c.ID, "error", err)
			switch b.config.action {
			case Continue:
				return nil
			case Break:
				return errStopBatch
			}
			return fmt.Errorf("batch call %s: %w", c.ID, err)
		})
	}
	err := g.Wait()
	if err == nil || errors.Is(err, errStopBatch) {
		return b.result, nil
	}
	return b.result, err
}
