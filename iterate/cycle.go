package iterate

import (
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"

	cf "github.com/starius/clientfactory"
	apierrors "github.com/starius/clientfactory/errors"
)

// Cycle generates the values of one parameter.
//
// Values win over Mapping, Mapping over Start/End. A cycle with none of
// them draws its values from the payload schema of the method, or is
// inferred as a pagination parameter from its name.
type Cycle struct {
	Param  string
	Values []any

	// Start alone gives an unbounded range, End alone starts at 0.
	Start cf.Opt[int]
	End   cf.Opt[int]
	// Step defaults to 1. For explicit values a step above 1 keeps
	// every step-th value.
	Step int

	Mapping map[string]any
	// UseKeys iterates mapping keys instead of values.
	UseKeys bool

	// Filter drops explicit or mapped values it returns false for.
	Filter func(any) bool
}

// Values is a cycle over explicit values.
func Values(param string, values ...any) Cycle {
	return Cycle{Param: param, Values: values}
}

// Range is a cycle over start, start+step, ... up to end inclusive.
func Range(param string, start, end, step int) Cycle {
	return Cycle{Param: param, Start: cf.Some(start), End: cf.Some(end), Step: step}
}

// From is an unbounded cycle; a break condition or the caller ends it.
func From(param string, start, step int) Cycle {
	return Cycle{Param: param, Start: cf.Some(start), Step: step}
}

var (
	pageParams   = []string{"page", "pagenum", "pagenumber", "pageno", "pagination", "p"}
	offsetParams = []string{"offset", "start", "skip"}
	limitParams  = []string{"limit", "count", "size", "take"}
)

func isOneOf(name string, set []string) bool {
	name = strings.ToLower(name)
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

// candidates lists the parameters a method accepts: path parameters
// then payload keywords.
func candidates(cfg *cf.MethodConfig) []string {
	names := cfg.PathParams()
	if payload := cfg.Payload(); payload != nil {
		names = append(names, payload.Names()...)
	}
	return names
}

// discover picks the pagination parameter of a method.
func discover(cfg *cf.MethodConfig) (Cycle, error) {
	names := candidates(cfg)
	for _, page := range pageParams {
		for _, name := range names {
			if strings.ToLower(name) == page {
				return Cycle{Param: name}, nil
			}
		}
	}
	for _, name := range names {
		if isOneOf(name, offsetParams) {
			return Cycle{Param: name}, nil
		}
	}
	return Cycle{}, apierrors.Configf("endpoint "+cfg.Name(), "param", "no iteration parameter given and none of %s found among %v", strings.Join(pageParams, ", "), names)
}

// limitOf finds the page size for offset pagination.
func limitOf(cfg *cf.MethodConfig, static cf.Args) (int, bool) {
	for _, name := range limitParams {
		for k, v := range static {
			if strings.ToLower(k) == name {
				if n, ok := toInt(v); ok && n > 0 {
					return n, true
				}
			}
		}
	}
	if payload := cfg.Payload(); payload != nil {
		for _, p := range payload.Params {
			if isOneOf(p.Name, limitParams) && p.Default != nil {
				if n, ok := toInt(p.Default); ok && n > 0 {
					return n, true
				}
			}
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), x == float64(int(x))
	case string:
		n, err := strconv.Atoi(x)
		return n, err == nil
	}
	return 0, false
}

// resolve fills in values the cycle leaves implicit.
func (c Cycle) resolve(cfg *cf.MethodConfig, static cf.Args) (Cycle, error) {
	component := "endpoint " + cfg.Name()
	if c.Param == "" {
		return c, apierrors.Configf(component, "param", "cycle without a parameter")
	}
	if c.Step < 0 {
		return c, apierrors.Configf(component, c.Param, "negative step %d", c.Step)
	}
	if c.Step == 0 {
		c.Step = 1
	}
	if c.Values != nil || c.Mapping != nil || c.Start.IsSet() || c.End.IsSet() {
		return c, nil
	}

	if payload := cfg.Payload(); payload != nil {
		if p, ok := payload.Param(c.Param); ok {
			if values := p.Values(); values != nil {
				c.Values = values
				return c, nil
			}
		}
	}
	switch {
	case isOneOf(c.Param, pageParams):
		c.Start = cf.Some(1)
		return c, nil
	case isOneOf(c.Param, offsetParams):
		limit, ok := limitOf(cfg, static)
		if !ok {
			return c, apierrors.Configf(component, c.Param, "offset pagination needs a limit")
		}
		c.Start = cf.Some(0)
		c.Step = limit
		return c, nil
	}
	return c, apierrors.Configf(component, c.Param, "cycle needs values, a mapping or start/end")
}

func (c Cycle) explicit() []any {
	if c.Values != nil {
		return c.Values
	}
	keys := make([]string, 0, len(c.Mapping))
	for k := range c.Mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		if c.UseKeys {
			out[i] = k
		} else {
			out[i] = c.Mapping[k]
		}
	}
	return out
}

// generate yields the values of a resolved cycle. It can be ranged over
// any number of times.
func (c Cycle) generate() iter.Seq[any] {
	if c.Values != nil || c.Mapping != nil {
		values := c.explicit()
		return func(yield func(any) bool) {
			kept := 0
			for _, v := range values {
				if c.Filter != nil && !c.Filter(v) {
					continue
				}
				kept++
				if (kept-1)%c.Step != 0 {
					continue
				}
				if !yield(v) {
					return
				}
			}
		}
	}
	start := c.Start.Or(0)
	end, bounded := c.End.Get()
	return func(yield func(any) bool) {
		for v := start; !bounded || v <= end; v += c.Step {
			if !yield(v) {
				return
			}
		}
	}
}

func (c Cycle) String() string {
	switch {
	case c.Values != nil:
		return fmt.Sprintf("%s in %v", c.Param, c.Values)
	case c.Mapping != nil:
		return fmt.Sprintf("%s in mapping", c.Param)
	}
	end := "∞"
	if e, ok := c.End.Get(); ok {
		end = strconv.Itoa(e)
	}
	return fmt.Sprintf("%s in %d..%s step %d", c.Param, c.Start.Or(0), end, c.Step)
}
