// Package mixer composes optional capabilities of a bound method, such
// as preparing without sending, iterating or batching, behind one
// chainable orchestrator.
//
//	req, err := mixer.Chain(method).Params(cf.Args{"q": "go"}).Prep(ctx)
package mixer

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	cf "github.com/starius/clientfactory"
	apierrors "github.com/starius/clientfactory/errors"
)

// ExecMode tells what a capability does when the chain executes.
type ExecMode int

const (
	// Transform rewrites the call before execution and returns nothing.
	Transform ExecMode = iota
	// Deferred only accumulates configuration; when it is the final
	// capability its result replaces the plain call.
	Deferred
	// Immediate runs the call itself as soon as it is chained.
	Immediate
	// Terminal runs as soon as it is chained and returns its result
	// instead of the orchestrator.
	Terminal
)

func (m ExecMode) String() string {
	switch m {
	case Transform:
		return "transform"
	case Deferred:
		return "deferred"
	case Immediate:
		return "immediate"
	case Terminal:
		return "terminal"
	}
	return fmt.Sprintf("ExecMode(%d)", int(m))
}

// Terminates reports whether chaining the capability executes the chain.
func (m ExecMode) Terminates() bool {
	return m == Immediate || m == Terminal
}

type Metadata struct {
	Name string
	// Priority orders transforms (lowest first) and picks the final
	// capability (highest wins).
	Priority  int
	Mode      ExecMode
	Conflicts []string
	Merge     MergeStrategy
}

// Call is the invocation being built.
type Call struct {
	Positional []any
	Args       cf.Args
}

// Capability is one optional behavior of a bound method.
type Capability interface {
	Metadata() Metadata
	// Configure validates the configuration of one chained call.
	Configure(conf Conf) (Conf, error)
	// Execute applies the accumulated configuration. Transforms modify
	// call and return nil.
	Execute(ctx context.Context, bm *cf.BoundMethod, conf Conf, call *Call) (any, error)
}

// Orchestrator chains capabilities of one bound method. It is not safe
// for concurrent use.
type Orchestrator struct {
	bm    *cf.BoundMethod
	caps  map[string]Capability
	order []string
	confs map[string]Conf
	err   error
}

// Chain returns an orchestrator with the built-in capabilities and
// extra ones. It panics when two capabilities share a name.
func Chain(bm *cf.BoundMethod, extra ...Capability) *Orchestrator {
	o := &Orchestrator{
		bm:    bm,
		caps:  make(map[string]Capability),
		confs: make(map[string]Conf),
	}
	for _, c := range append(builtins(), extra...) {
		name := c.Metadata().Name
		if _, has := o.caps[name]; has {
			panic(fmt.Sprintf("mixer: capability %q registered twice", name))
		}
		o.caps[name] = c
	}
	return o
}

// Err returns the first error of the current chain.
func (o *Orchestrator) Err() error {
	return o.err
}

func (o *Orchestrator) component() string {
	return "chain of " + o.bm.Name()
}

// Use chains the named capability with conf.
func (o *Orchestrator) Use(name string, conf Conf) *Orchestrator {
	if o.err != nil {
		return o
	}
	c, has := o.caps[name]
	if !has {
		o.err = apierrors.Configf(o.component(), name, "unknown capability")
		return o
	}
	meta := c.Metadata()
	for active := range o.confs {
		if active == name {
			continue
		}
		if slices.Contains(meta.Conflicts, active) || slices.Contains(o.caps[active].Metadata().Conflicts, name) {
			o.err = apierrors.Configf(o.component(), name, "conflicts with %s", active)
			return o
		}
	}
	configured, err := c.Configure(maps.Clone(conf))
	if err != nil {
		o.err = apierrors.Configf(o.component(), name, "%v", err)
		return o
	}
	if prev, has := o.confs[name]; has {
		o.confs[name] = meta.Merge.Merge(prev, configured)
	} else {
		o.confs[name] = configured
		o.order = append(o.order, name)
	}
	return o
}

// Active returns the chained capabilities in chain order.
func (o *Orchestrator) Active() []string {
	return append([]string(nil), o.order...)
}

// Conf returns the accumulated configuration of a chained capability.
func (o *Orchestrator) Conf(name string) (Conf, bool) {
	conf, has := o.confs[name]
	return maps.Clone(conf), has
}

func (o *Orchestrator) reset() {
	o.order = nil
	o.confs = make(map[string]Conf)
	o.err = nil
}

// Execute runs the chain and resets it. Transforms run by ascending
// priority, then the non-transform capability with the highest priority
// produces the result. Without one the method is invoked and the result
// is a *clientfactory.Response.
func (o *Orchestrator) Execute(ctx context.Context, positional []any, args cf.Args) (any, error) {
	defer o.reset()
	if o.err != nil {
		return nil, o.err
	}

	active := append([]string(nil), o.order...)
	sort.SliceStable(active, func(i, j int) bool {
		return o.caps[active[i]].Metadata().Priority < o.caps[active[j]].Metadata().Priority
	})

	call := &Call{Positional: positional, Args: args.Clone()}
	if call.Args == nil {
		call.Args = cf.Args{}
	}
	var final Capability
	for _, name := range active {
		c := o.caps[name]
		if c.Metadata().Mode != Transform {
			final = c
			continue
		}
		if _, err := c.Execute(ctx, o.bm, o.confs[name], call); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	if final == nil {
		return o.bm.Invoke(ctx, call.Positional, call.Args)
	}
	return final.Execute(ctx, o.bm, o.confs[final.Metadata().Name], call)
}

// run chains a terminating capability and executes the chain.
func (o *Orchestrator) run(ctx context.Context, name string, conf Conf, positional []any) (any, error) {
	o.Use(name, conf)
	return o.Execute(ctx, positional, nil)
}

// Params adds keyword arguments to the call. Arguments given at
// execution win.
func (o *Orchestrator) Params(args cf.Args) *Orchestrator {
	return o.Use(paramsName, Conf(args))
}

// Headers adds request headers. Headers given at execution win.
func (o *Orchestrator) Headers(headers map[string]string) *Orchestrator {
	conf := make(Conf, len(headers))
	for k, v := range headers {
		conf[k] = v
	}
	return o.Use(headersName, conf)
}

// Prep builds the request without sending it.
func (o *Orchestrator) Prep(ctx context.Context, positional ...any) (*cf.Request, error) {
	res, err := o.run(ctx, prepName, nil, positional)
	if err != nil {
		return nil, err
	}
	return res.(*cf.Request), nil
}
