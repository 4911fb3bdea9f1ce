// Package iterate re-invokes a bound method across generated parameter
// values with error policies and break conditions.
//
// A Sequence is lazy: each element is one call, made when the caller
// pulls it.
//
//	seq := iterate.Iterate(method, iterate.Range("page", 1, 10, 1),
//		iterate.BreakOn(iterate.NotOK()))
//	for res, err := range seq.All(ctx) {
//		...
//	}
package iterate

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"maps"
	"sync"
	"time"

	cf "github.com/starius/clientfactory"
	apierrors "github.com/starius/clientfactory/errors"
)

// Invoker is the method being iterated. *clientfactory.BoundMethod
// implements it.
type Invoker interface {
	Invoke(ctx context.Context, positional []any, kwargs cf.Args) (*cf.Response, error)
	Config() *cf.MethodConfig
}

// Mode combines the primary cycle with auxiliary ones.
type Mode int

const (
	// Sequential runs every auxiliary cycle to the end, one after
	// another, for each primary value.
	Sequential Mode = iota
	// Product runs the Cartesian product of all cycles. Cycles nest in
	// declaration order with the primary outermost, so the last
	// auxiliary cycle varies fastest.
	Product
)

func (m Mode) String() string {
	if m == Product {
		return "product"
	}
	return "sequential"
}

// ErrorPolicy decides what a failed step does to the sequence.
type ErrorPolicy int

const (
	// ContinueOnError records the failure and moves on.
	ContinueOnError ErrorPolicy = iota
	// StopOnError ends the sequence with an IterationError.
	StopOnError
	// RetryOnError repeats the step with growing delay, then stops.
	RetryOnError
	// CallbackOnError lets a function decide.
	CallbackOnError
)

type config struct {
	mode       Mode
	aux        []Cycle
	static     cf.Args
	positional []any

	policy   ErrorPolicy
	retries  int
	delay    time.Duration
	callback func(err error, c *Context) bool

	conditions []Condition
	store      bool
	limit      int
	logger     *slog.Logger
}

type Option func(*config)

func WithMode(mode Mode) Option {
	return func(c *config) {
		c.mode = mode
	}
}

// With adds auxiliary cycles.
func With(cycles ...Cycle) Option {
	return func(c *config) {
		c.aux = append(c.aux, cycles...)
	}
}

// Static adds keyword arguments passed to every step. Cycle values win.
func Static(args cf.Args) Option {
	return func(c *config) {
		if c.static == nil {
			c.static = cf.Args{}
		}
		maps.Copy(c.static, args)
	}
}

// Positional sets positional arguments passed to every step.
func Positional(args ...any) Option {
	return func(c *config) {
		c.positional = args
	}
}

func OnError(policy ErrorPolicy) Option {
	return func(c *config) {
		c.policy = policy
	}
}

// Retries selects RetryOnError: a failed step is repeated up to n times,
// waiting delay, 2*delay, ... in between.
func Retries(n int, delay time.Duration) Option {
	return func(c *config) {
		c.policy = RetryOnError
		c.retries = n
		c.delay = delay
	}
}

// OnErrorFunc selects CallbackOnError. fn returns true to continue.
func OnErrorFunc(fn func(err error, c *Context) bool) Option {
	return func(c *config) {
		c.policy = CallbackOnError
		c.callback = fn
	}
}

// BreakOn adds break conditions.
func BreakOn(conds ...Condition) Option {
	return func(c *config) {
		c.conditions = append(c.conditions, conds...)
	}
}

// Store keeps successful responses in the context, the latest limit of
// them (all when limit is 0). Limit also bounds recorded errors.
func Store(limit int) Option {
	return func(c *config) {
		c.store = true
		c.limit = limit
	}
}

func Logger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Sequence is a restartable lazy sequence of calls.
type Sequence struct {
	inv     Invoker
	primary Cycle
	config

	mu    sync.Mutex
	state State
	last  *Context
}

// Iterate prepares a sequence over primary. A primary cycle without a
// parameter iterates the pagination parameter of the method.
func Iterate(inv Invoker, primary Cycle, opts ...Option) *Sequence {
	s := &Sequence{inv: inv, primary: primary}
	for _, opt := range opts {
		opt(&s.config)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// State returns the state of the latest run.
func (s *Sequence) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context returns a copy of the context of the latest run, nil before
// the first one.
func (s *Sequence) Context() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.snapshot()
}

func (s *Sequence) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Sequence) begin(run *Context) {
	s.mu.Lock()
	s.state = Running
	s.last = run
	s.mu.Unlock()
}

type plan struct {
	mode   Mode
	cycles []Cycle
}

func (s *Sequence) plan() (plan, error) {
	cfg := s.inv.Config()
	primary := s.primary
	if primary.Param == "" {
		found, err := discover(cfg)
		if err != nil {
			return plan{}, err
		}
		primary.Param = found.Param
	}
	p := plan{mode: s.mode}
	seen := make(map[string]bool)
	for _, c := range append([]Cycle{primary}, s.aux...) {
		resolved, err := c.resolve(cfg, s.static)
		if err != nil {
			return plan{}, err
		}
		if seen[resolved.Param] {
			return plan{}, apierrors.Configf("endpoint "+cfg.Name(), resolved.Param, "parameter is cycled twice")
		}
		seen[resolved.Param] = true
		p.cycles = append(p.cycles, resolved)
	}
	if p.mode != Sequential && p.mode != Product {
		return plan{}, apierrors.Configf("endpoint "+cfg.Name(), "mode", "unknown mode %d", int(p.mode))
	}
	return p, nil
}

// steps yields the values of each step.
func (p plan) steps() iter.Seq[map[string]any] {
	primary, aux := p.cycles[0], p.cycles[1:]
	if p.mode == Product {
		return func(yield func(map[string]any) bool) {
			var nest func(i int, acc map[string]any) bool
			nest = func(i int, acc map[string]any) bool {
				if i == len(p.cycles) {
					return yield(maps.Clone(acc))
				}
				c := p.cycles[i]
				for v := range c.generate() {
					acc[c.Param] = v
					if !nest(i+1, acc) {
						return false
					}
				}
				delete(acc, c.Param)
				return true
			}
			nest(0, make(map[string]any, len(p.cycles)))
		}
	}
	return func(yield func(map[string]any) bool) {
		for pv := range primary.generate() {
			if len(aux) == 0 {
				if !yield(map[string]any{primary.Param: pv}) {
					return
				}
				continue
			}
			for _, c := range aux {
				for av := range c.generate() {
					if !yield(map[string]any{primary.Param: pv, c.Param: av}) {
						return
					}
				}
			}
		}
	}
}

func (s *Sequence) breaks(phase Phase, run *Context, res *cf.Response) bool {
	for _, cond := range s.conditions {
		if cond.holds(phase, run, res) {
			s.logger.Debug("iteration break", "endpoint", s.inv.Config().Name(), "condition", cond.name, "index", run.Index)
			return true
		}
	}
	return false
}

func (s *Sequence) invoke(ctx context.Context, values map[string]any) (*cf.Response, error) {
	kwargs := s.static.Clone()
	if kwargs == nil {
		kwargs = cf.Args{}
	}
	maps.Copy(kwargs, values)
	return s.inv.Invoke(ctx, s.positional, kwargs)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attempt runs one step under the retry policy.
func (s *Sequence) attempt(ctx context.Context, values map[string]any) (*cf.Response, int, error) {
	res, err := s.invoke(ctx, values)
	attempts := 1
	if s.policy != RetryOnError {
		return res, attempts, err
	}
	for err != nil && attempts <= s.retries && !errors.Is(err, apierrors.ErrBreak) {
		if serr := sleep(ctx, s.delay*time.Duration(attempts)); serr != nil {
			break
		}
		attempts++
		res, err = s.invoke(ctx, values)
	}
	return res, attempts, err
}

func (s *Sequence) fail(run *Context, param string, attempts int, err error) error {
	return &apierrors.IterationError{
		Endpoint: s.inv.Config().Name(),
		Param:    param,
		Index:    run.Index,
		Values:   maps.Clone(run.Values),
		Attempts: attempts,
		Err:      err,
	}
}

// All runs the sequence. Every call starts a fresh run from IDLE.
// Failed steps are yielded only when they end the sequence. A caller
// that stops pulling ends the run as COMPLETED.
func (s *Sequence) All(ctx context.Context) iter.Seq2[*cf.Response, error] {
	return func(yield func(*cf.Response, error) bool) {
		run := newContext(s.store, s.limit)
		s.begin(run)

		p, err := s.plan()
		if err != nil {
			s.setState(Failed)
			yield(nil, err)
			return
		}
		param := p.cycles[0].Param

		for values := range p.steps() {
			run.Index = run.Steps
			run.Values = values
			if err := ctx.Err(); err != nil {
				s.setState(Failed)
				yield(nil, s.fail(run, param, 0, err))
				return
			}
			if s.breaks(Before, run, nil) {
				s.setState(Broken)
				return
			}
			run.Steps++
			s.logger.Debug("iteration step", "endpoint", s.inv.Config().Name(), "index", run.Index, "values", values)

			res, attempts, err := s.attempt(ctx, values)
			if err != nil {
				if errors.Is(err, apierrors.ErrBreak) {
					s.setState(Broken)
					return
				}
				run.addError(err)
				stop := false
				switch s.policy {
				case StopOnError, RetryOnError:
					stop = true
				case CallbackOnError:
					stop = s.callback == nil || !s.callback(err, run)
				}
				if stop {
					s.setState(Failed)
					yield(nil, s.fail(run, param, attempts, err))
					return
				}
				if s.breaks(After, run, nil) {
					s.setState(Broken)
					return
				}
				continue
			}

			run.addResult(res)
			if !yield(res, nil) {
				s.setState(Completed)
				return
			}
			if s.breaks(After, run, res) {
				s.setState(Broken)
				return
			}
		}
		s.setState(Completed)
	}
}

// Collect runs the sequence to the end and returns the responses.
func (s *Sequence) Collect(ctx context.Context) ([]*cf.Response, error) {
	var out []*cf.Response
	for res, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}
