package iterate

import (
	"maps"

	cf "github.com/starius/clientfactory"
)

// State of a sequence run.
type State int

const (
	Idle State = iota
	Running
	Completed
	Broken
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Broken:
		return "BROKEN"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no more steps follow.
func (s State) Terminal() bool {
	return s == Completed || s == Broken || s == Failed
}

// StepError is a failed step recorded in the context.
type StepError struct {
	Index  int
	Values map[string]any
	Err    error
}

const defaultErrorLimit = 100

// Context is the bookkeeping of one sequence run. It is reset when a run
// starts and is never shared between runs.
type Context struct {
	// Index of the current step, counting from 0.
	Index int
	// Steps started so far.
	Steps int
	// Iterations is the number of successful steps.
	Iterations  int
	Consecutive int
	ErrorCount  int
	// Errors holds the latest failures, up to the store limit.
	Errors []StepError
	// Results holds successful responses when storing is enabled.
	Results []*cf.Response
	// Values of the current step.
	Values map[string]any

	store bool
	limit int
}

func newContext(store bool, limit int) *Context {
	return &Context{store: store, limit: limit}
}

func (c *Context) addResult(res *cf.Response) {
	c.Iterations++
	c.Consecutive = 0
	if !c.store {
		return
	}
	c.Results = append(c.Results, res)
	if c.limit > 0 && len(c.Results) > c.limit {
		c.Results = c.Results[len(c.Results)-c.limit:]
	}
}

func (c *Context) addError(err error) {
	c.ErrorCount++
	c.Consecutive++
	c.Errors = append(c.Errors, StepError{Index: c.Index, Values: maps.Clone(c.Values), Err: err})
	limit := c.limit
	if limit <= 0 {
		limit = defaultErrorLimit
	}
	if len(c.Errors) > limit {
		c.Errors = c.Errors[len(c.Errors)-limit:]
	}
}

// snapshot returns a copy safe to hand out while the run goes on.
func (c *Context) snapshot() *Context {
	out := *c
	out.Errors = append([]StepError(nil), c.Errors...)
	out.Results = append([]*cf.Response(nil), c.Results...)
	out.Values = maps.Clone(c.Values)
	return &out
}
