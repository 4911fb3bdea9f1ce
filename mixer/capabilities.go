package mixer

import (
	"context"
	"fmt"
	"maps"

	cf "github.com/starius/clientfactory"
	"github.com/starius/clientfactory/iterate"
)

const (
	paramsName  = "params"
	headersName = "headers"
	iterName    = "iter"
	prepName    = "prep"
	batchName   = "batch"
)

func builtins() []Capability {
	return []Capability{
		paramsCap{},
		headersCap{},
		iterCap{},
		prepCap{},
		batchCap{},
	}
}

type paramsCap struct{}

func (paramsCap) Metadata() Metadata {
	return Metadata{Name: paramsName, Priority: 1, Mode: Transform, Merge: DeepMerge}
}

func (paramsCap) Configure(conf Conf) (Conf, error) {
	return conf, nil
}

func (paramsCap) Execute(_ context.Context, _ *cf.BoundMethod, conf Conf, call *Call) (any, error) {
	merged := deepMerge(conf, call.Args)
	call.Args = cf.Args(merged)
	return nil, nil
}

type headersCap struct{}

func (headersCap) Metadata() Metadata {
	return Metadata{Name: headersName, Priority: 2, Mode: Transform, Merge: Update}
}

func (headersCap) Configure(conf Conf) (Conf, error) {
	for k, v := range conf {
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("header %s: want a string, got %T", k, v)
		}
	}
	return conf, nil
}

func (headersCap) Execute(_ context.Context, _ *cf.BoundMethod, conf Conf, call *Call) (any, error) {
	headers := make(map[string]string, len(conf))
	for k, v := range conf {
		headers[k] = v.(string)
	}
	switch given := call.Args[cf.KeyHeaders].(type) {
	case nil:
	case map[string]string:
		maps.Copy(headers, given)
	case map[string]any:
		for k, v := range given {
			headers[k] = fmt.Sprint(v)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported type %T", cf.KeyHeaders, given)
	}
	call.Args[cf.KeyHeaders] = headers
	return nil, nil
}

type iterCap struct{}

func (iterCap) Metadata() Metadata {
	return Metadata{
		Name:      iterName,
		Priority:  5,
		Mode:      Deferred,
		Conflicts: []string{batchName, prepName},
		Merge:     Replace,
	}
}

func (iterCap) Configure(conf Conf) (Conf, error) {
	if _, ok := conf["cycle"].(iterate.Cycle); !ok {
		return nil, fmt.Errorf("cycle: want an iterate.Cycle, got %T", conf["cycle"])
	}
	if opts, has := conf["options"]; has {
		if _, ok := opts.([]iterate.Option); !ok {
			return nil, fmt.Errorf("options: want []iterate.Option, got %T", opts)
		}
	}
	return conf, nil
}

// Execute returns a *iterate.Sequence. Nothing is sent until it is
// ranged over.
func (iterCap) Execute(_ context.Context, bm *cf.BoundMethod, conf Conf, call *Call) (any, error) {
	opts := []iterate.Option{
		iterate.Static(call.Args),
		iterate.Positional(call.Positional...),
	}
	if extra, ok := conf["options"].([]iterate.Option); ok {
		opts = append(opts, extra...)
	}
	return iterate.Iterate(bm, conf["cycle"].(iterate.Cycle), opts...), nil
}

type prepCap struct{}

func (prepCap) Metadata() Metadata {
	return Metadata{
		Name:      prepName,
		Priority:  10,
		Mode:      Terminal,
		Conflicts: []string{iterName, batchName},
		Merge:     Update,
	}
}

func (prepCap) Configure(conf Conf) (Conf, error) {
	return conf, nil
}

// Execute returns the *clientfactory.Request the call would send.
func (prepCap) Execute(ctx context.Context, bm *cf.BoundMethod, _ Conf, call *Call) (any, error) {
	return bm.Prepare(ctx, call.Positional, call.Args)
}

type batchCap struct{}

func (batchCap) Metadata() Metadata {
	return Metadata{
		Name:      batchName,
		Priority:  9,
		Mode:      Immediate,
		Conflicts: []string{iterName, prepName},
		Merge:     Append,
	}
}

func (batchCap) Configure(conf Conf) (Conf, error) {
	calls, ok := conf["calls"].([]any)
	if !ok || len(calls) == 0 {
		return nil, fmt.Errorf("calls: want a non-empty list")
	}
	for i, c := range calls {
		if _, ok := c.(BatchCall); !ok {
			return nil, fmt.Errorf("calls[%d]: want a BatchCall, got %T", i, c)
		}
	}
	if opts, has := conf["options"]; has {
		list, ok := opts.([]any)
		if !ok {
			return nil, fmt.Errorf("options: want a list, got %T", opts)
		}
		for i, o := range list {
			if _, ok := o.(BatchOption); !ok {
				return nil, fmt.Errorf("options[%d]: want a BatchOption, got %T", i, o)
			}
		}
	}
	return conf, nil
}

// Execute returns a *BatchResult.
func (batchCap) Execute(ctx context.Context, bm *cf.BoundMethod, conf Conf, call *Call) (any, error) {
	var calls []BatchCall
	for _, c := range conf["calls"].([]any) {
		calls = append(calls, c.(BatchCall))
	}
	var opts []BatchOption
	if list, ok := conf["options"].([]any); ok {
		for _, o := range list {
			opts = append(opts, o.(BatchOption))
		}
	}
	return runBatch(ctx, bm, call, calls, opts...)
}

// Iter returns a lazy sequence over cycle. The arguments collected by
// the chain are passed to every step.
func (o *Orchestrator) Iter(cycle iterate.Cycle, opts ...iterate.Option) (*iterate.Sequence, error) {
	res, err := o.run(context.Background(), iterName, Conf{"cycle": cycle, "options": opts}, nil)
	if err != nil {
		return nil, err
	}
	return res.(*iterate.Sequence), nil
}

// Batch executes calls and returns their collected outcome. The
// arguments collected by the chain are the defaults of every call.
func (o *Orchestrator) Batch(ctx context.Context, calls []BatchCall, opts ...BatchOption) (*BatchResult, error) {
	conf := Conf{"calls": toAny(calls)}
	if len(opts) != 0 {
		conf["options"] = toAny(opts)
	}
	res, err := o.run(ctx, batchName, conf, nil)
	if err != nil {
		return nil, err
	}
	return res.(*BatchResult), nil
}

func toAny[T any](list []T) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = v
	}
	return out
}
