package iterate

import (
	"fmt"
	"strings"

	cf "github.com/starius/clientfactory"
)

// Phase tells when a condition is checked.
type Phase int

const (
	// Before a step, against the iteration context.
	Before Phase = 1 << iota
	// After a step, against the response it produced (nil for a failed
	// step). The response is yielded before the break takes effect.
	After

	Always = Before | After
)

// Condition ends a sequence when it holds.
type Condition struct {
	name  string
	phase Phase
	eval  func(phase Phase, c *Context, res *cf.Response) bool
}

func (c Condition) Name() string   { return c.name }
func (c Condition) Phase() Phase   { return c.phase }
func (c Condition) String() string { return c.name }

func (c Condition) holds(phase Phase, ctx *Context, res *cf.Response) bool {
	if c.phase&phase == 0 || c.eval == nil {
		return false
	}
	return c.eval(phase, ctx, res)
}

// ConsecutiveErrors breaks once n steps in a row have failed.
func ConsecutiveErrors(n int) Condition {
	return Condition{
		name:  fmt.Sprintf("ConsecutiveErrors(%d)", n),
		phase: Before,
		eval: func(_ Phase, c *Context, _ *cf.Response) bool {
			return c.Consecutive >= n
		},
	}
}

// MaxSteps breaks after n steps.
func MaxSteps(n int) Condition {
	return Condition{
		name:  fmt.Sprintf("MaxSteps(%d)", n),
		phase: Before,
		eval: func(_ Phase, c *Context, _ *cf.Response) bool {
			return c.Steps >= n
		},
	}
}

// StatusCode breaks after a response whose status satisfies pred.
func StatusCode(pred func(status int) bool) Condition {
	return Condition{
		name:  "StatusCode",
		phase: After,
		eval: func(_ Phase, _ *Context, res *cf.Response) bool {
			return res != nil && pred(res.Status())
		},
	}
}

// NotOK breaks after a non-2xx response.
func NotOK() Condition {
	c := StatusCode(func(status int) bool { return status < 200 || status >= 300 })
	c.name = "NotOK"
	return c
}

// When breaks after a response satisfying pred.
func When(pred func(res *cf.Response) bool) Condition {
	return Condition{
		name:  "When",
		phase: After,
		eval: func(_ Phase, _ *Context, res *cf.Response) bool {
			return res != nil && pred(res)
		},
	}
}

// Callback breaks when fn returns true. It is checked in the given
// phases; res is nil before a step and after a failed one.
func Callback(phase Phase, fn func(c *Context, res *cf.Response) bool) Condition {
	return Condition{
		name:  "Callback",
		phase: phase,
		eval: func(_ Phase, c *Context, res *cf.Response) bool {
			return fn(c, res)
		},
	}
}

func names(conds []Condition) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.name
	}
	return strings.Join(parts, ", ")
}

func union(conds []Condition) Phase {
	var phase Phase
	for _, c := range conds {
		phase |= c.phase
	}
	return phase
}

// And holds when all conditions hold. Evaluation stops at the first
// one that does not.
func And(conds ...Condition) Condition {
	return Condition{
		name:  "And(" + names(conds) + ")",
		phase: union(conds),
		eval: func(phase Phase, c *Context, res *cf.Response) bool {
			if len(conds) == 0 {
				return false
			}
			for _, cond := range conds {
				if !cond.holds(phase, c, res) {
					return false
				}
			}
			return true
		},
	}
}

// Or holds when any condition holds. Evaluation stops at the first
// one that does.
func Or(conds ...Condition) Condition {
	return Condition{
		name:  "Or(" + names(conds) + ")",
		phase: union(conds),
		eval: func(phase Phase, c *Context, res *cf.Response) bool {
			for _, cond := range conds {
				if cond.holds(phase, c, res) {
					return true
				}
			}
			return false
		},
	}
}
