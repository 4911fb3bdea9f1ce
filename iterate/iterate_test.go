package iterate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	cf "github.com/starius/clientfactory"
	"github.com/starius/clientfactory/apitest"
	apierrors "github.com/starius/clientfactory/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeMethod struct {
	config *cf.MethodConfig
	calls  []cf.Args
	fail   func(call int, kwargs cf.Args) error
	status func(call int, kwargs cf.Args) int
}

func newFake(t *testing.T, def cf.EndpointDef) *fakeMethod {
	t.Helper()
	if def.Name == "" {
		def.Name = "list"
	}
	config, err := cf.NewMethodConfig(def)
	require.NoError(t, err)
	return &fakeMethod{config: config}
}

func (f *fakeMethod) Config() *cf.MethodConfig { return f.config }

func (f *fakeMethod) Invoke(ctx context.Context, positional []any, kwargs cf.Args) (*cf.Response, error) {
	f.calls = append(f.calls, kwargs)
	n := len(f.calls)
	if f.fail != nil {
		if err := f.fail(n, kwargs); err != nil {
			return nil, err
		}
	}
	status := http.StatusOK
	if f.status != nil {
		status = f.status(n, kwargs)
	}
	return cf.NewResponse(status, nil, []byte(fmt.Sprint(kwargs)), 0, nil), nil
}

func failAt(steps ...int) func(int, cf.Args) error {
	return func(call int, _ cf.Args) error {
		for _, s := range steps {
			if s == call {
				return fmt.Errorf("step %d failed", call)
			}
		}
		return nil
	}
}

func TestContinuePolicy(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	f.fail = failAt(3, 7)

	seq := Iterate(f, Range("page", 1, 10, 1), OnError(ContinueOnError))
	results, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 8)
	require.Len(t, f.calls, 10)

	c := seq.Context()
	require.Equal(t, 2, c.ErrorCount)
	require.Len(t, c.Errors, 2)
	require.Equal(t, 2, c.Errors[0].Index)
	require.Equal(t, map[string]any{"page": 7}, c.Errors[1].Values)
	require.Equal(t, 0, c.Consecutive)
	require.Equal(t, 8, c.Iterations)
	require.Equal(t, Completed, seq.State())
}

func TestConsecutiveErrorsBreak(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	f.fail = failAt(2, 3, 4)

	seq := Iterate(f, Range("page", 1, 10, 1), BreakOn(ConsecutiveErrors(3)))
	results, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, f.calls, 4)
	require.Equal(t, Broken, seq.State())
	require.Equal(t, 3, seq.Context().Consecutive)
}

func TestProductOrder(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	seq := Iterate(f, Values("a", 1, 2), With(Values("b", "x", "y")), WithMode(Product))
	_, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []cf.Args{
		{"a": 1, "b": "x"},
		{"a": 1, "b": "y"},
		{"a": 2, "b": "x"},
		{"a": 2, "b": "y"},
	}, f.calls)
}

func TestProductThreeCycles(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	seq := Iterate(f, Values("a", 1, 2), With(Values("b", "x"), Values("c", true, false)), WithMode(Product))
	_, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []cf.Args{
		{"a": 1, "b": "x", "c": true},
		{"a": 1, "b": "x", "c": false},
		{"a": 2, "b": "x", "c": true},
		{"a": 2, "b": "x", "c": false},
	}, f.calls)
}

func TestSequentialOrder(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	seq := Iterate(f, Values("a", 1, 2), With(Values("b", "x", "y"), Values("c", 9)), Static(cf.Args{"q": "s", "a": 0}))
	_, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []cf.Args{
		{"q": "s", "a": 1, "b": "x"},
		{"q": "s", "a": 1, "b": "y"},
		{"q": "s", "a": 1, "c": 9},
		{"q": "s", "a": 2, "b": "x"},
		{"q": "s", "a": 2, "b": "y"},
		{"q": "s", "a": 2, "c": 9},
	}, f.calls)
}

func TestStopPolicy(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	f.fail = failAt(2)

	seq := Iterate(f, Values("page", 1, 2, 3), OnError(StopOnError))
	results, err := seq.Collect(context.Background())
	require.Len(t, results, 1)

	var ierr *apierrors.IterationError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, "list", ierr.Endpoint)
	require.Equal(t, "page", ierr.Param)
	require.Equal(t, 1, ierr.Index)
	require.Equal(t, map[string]any{"page": 2}, ierr.Values)
	require.Equal(t, Failed, seq.State())
}

func TestRetryPolicy(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		f := newFake(t, cf.EndpointDef{})
		f.fail = failAt(2, 3)
		seq := Iterate(f, Values("page", 1, 2), Retries(3, time.Millisecond))
		results, err := seq.Collect(context.Background())
		require.NoError(t, err)
		require.Len(t, results, 2)
		require.Len(t, f.calls, 4)
	})

	t.Run("gives up", func(t *testing.T) {
		f := newFake(t, cf.EndpointDef{})
		f.fail = func(int, cf.Args) error { return errors.New("down") }
		seq := Iterate(f, Values("page", 1, 2), Retries(2, time.Millisecond))
		_, err := seq.Collect(context.Background())
		var ierr *apierrors.IterationError
		require.ErrorAs(t, err, &ierr)
		require.Equal(t, 3, ierr.Attempts)
		require.Len(t, f.calls, 3)
		require.Equal(t, Failed, seq.State())
	})
}

func TestCallbackPolicy(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	f.fail = failAt(2, 4)

	var seen []int
	seq := Iterate(f, Range("page", 1, 5, 1), OnErrorFunc(func(err error, c *Context) bool {
		seen = append(seen, c.Values["page"].(int))
		return c.ErrorCount < 2
	}))
	results, err := seq.Collect(context.Background())
	require.Error(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []int{2, 4}, seen)
	require.Equal(t, Failed, seq.State())
}

func TestYieldThenBreak(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	f.status = func(call int, _ cf.Args) int {
		if call == 3 {
			return http.StatusNotFound
		}
		return http.StatusOK
	}

	seq := Iterate(f, From("page", 1, 1), BreakOn(NotOK()))
	results, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, http.StatusNotFound, results[2].Status())
	require.Equal(t, Broken, seq.State())
}

func TestCallerStopsEarly(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	seq := Iterate(f, From("page", 1, 1))

	n := 0
	for res, err := range seq.All(context.Background()) {
		require.NoError(t, err)
		require.True(t, res.OK())
		n++
		if n == 5 {
			break
		}
	}
	require.Len(t, f.calls, 5)
	require.Equal(t, Completed, seq.State())
}

func TestRestartable(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	f.fail = failAt(1)
	seq := Iterate(f, Values("id", "a", "b"), Store(0))

	results, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, seq.Context().ErrorCount)

	results, err = seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	c := seq.Context()
	require.Equal(t, 0, c.ErrorCount)
	require.Len(t, c.Results, 2)
}

func TestMaxStepsAndCancel(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	seq := Iterate(f, From("offset", 0, 10), BreakOn(MaxSteps(4)))
	results, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Equal(t, 30, f.calls[3]["offset"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Iterate(f, From("offset", 0, 10)).Collect(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBreakSentinel(t *testing.T) {
	f := newFake(t, cf.EndpointDef{})
	f.fail = func(call int, _ cf.Args) error {
		if call == 2 {
			return fmt.Errorf("no more pages: %w", apierrors.ErrBreak)
		}
		return nil
	}
	seq := Iterate(f, From("page", 1, 1), OnError(StopOnError))
	results, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, Broken, seq.State())
}

func TestConditionComposition(t *testing.T) {
	calls := 0
	counting := Callback(After, func(c *Context, res *cf.Response) bool {
		calls++
		return true
	})
	never := Callback(After, func(*Context, *cf.Response) bool { return false })

	c := &Context{}
	require.False(t, And(never, counting).holds(After, c, nil))
	require.Equal(t, 0, calls)
	require.True(t, Or(counting, never).holds(After, c, nil))
	require.Equal(t, 1, calls)
	require.False(t, Or(counting).holds(Before, c, nil))
	require.Equal(t, 1, calls)

	c.Consecutive = 2
	mixed := And(ConsecutiveErrors(2), counting)
	require.Equal(t, Always, mixed.Phase())
	require.False(t, mixed.holds(Before, c, nil))
	require.False(t, And().holds(Always, c, nil))
}

func TestCycleGeneration(t *testing.T) {
	collect := func(c Cycle) []any {
		resolved, err := c.resolve(newFake(t, cf.EndpointDef{}).config, nil)
		require.NoError(t, err)
		var out []any
		for v := range resolved.generate() {
			out = append(out, v)
			if len(out) == 5 {
				break
			}
		}
		return out
	}

	require.Equal(t, []any{0, 2, 4}, collect(Cycle{Param: "x", End: cf.Some(4), Step: 2}))
	require.Equal(t, []any{3, 4, 5, 6, 7}, collect(Cycle{Param: "x", Start: cf.Some(3)}))
	require.Equal(t, []any{"a", "c"}, collect(Cycle{Param: "x", Values: []any{"a", "b", "c", "d"}, Step: 2}))
	require.Equal(t, []any{2, 4}, collect(Cycle{Param: "x", Values: []any{1, 2, 3, 4}, Filter: func(v any) bool { return v.(int)%2 == 0 }}))
	require.Equal(t, []any{"k1", "k2"}, collect(Cycle{Param: "x", Mapping: map[string]any{"k2": 2, "k1": 1}, UseKeys: true}))
	require.Equal(t, []any{1, 2}, collect(Cycle{Param: "x", Mapping: map[string]any{"k2": 2, "k1": 1}}))
}

func TestInference(t *testing.T) {
	f := newFake(t, cf.EndpointDef{
		Path: "/items/{category}",
		Payload: &cf.Schema{Params: []cf.Param{
			{Name: "sort", Mapping: map[string]any{"new": "created_desc", "old": "created_asc"}, KeysAsChoices: true},
			{Name: "offset"},
			{Name: "limit", Default: 25},
		}},
	})

	t.Run("schema values", func(t *testing.T) {
		f.calls = nil
		_, err := Iterate(f, Cycle{Param: "sort"}, Static(cf.Args{"category": "books"})).Collect(context.Background())
		require.NoError(t, err)
		require.Equal(t, []cf.Args{
			{"category": "books", "sort": "new"},
			{"category": "books", "sort": "old"},
		}, f.calls)
	})

	t.Run("offset pagination", func(t *testing.T) {
		f.calls = nil
		_, err := Iterate(f, Cycle{}, BreakOn(MaxSteps(3))).Collect(context.Background())
		require.NoError(t, err)
		require.Len(t, f.calls, 3)
		require.Equal(t, 50, f.calls[2]["offset"])
	})

	t.Run("static limit wins", func(t *testing.T) {
		f.calls = nil
		_, err := Iterate(f, Cycle{Param: "offset"}, Static(cf.Args{"limit": 10}), BreakOn(MaxSteps(2))).Collect(context.Background())
		require.NoError(t, err)
		require.Equal(t, 10, f.calls[1]["offset"])
	})

	t.Run("page", func(t *testing.T) {
		g := newFake(t, cf.EndpointDef{Path: "/feed/{page}"})
		_, err := Iterate(g, Cycle{}, BreakOn(MaxSteps(2))).Collect(context.Background())
		require.NoError(t, err)
		require.Equal(t, []cf.Args{{"page": 1}, {"page": 2}}, g.calls)
	})

	t.Run("nothing to infer", func(t *testing.T) {
		g := newFake(t, cf.EndpointDef{Path: "/feed"})
		_, err := Iterate(g, Cycle{}).Collect(context.Background())
		var cerr *apierrors.ConfigurationError
		require.ErrorAs(t, err, &cerr)
	})
}

func TestWithClient(t *testing.T) {
	server := apitest.NewServer(t, apitest.Route{
		Method: http.MethodGet,
		Path:   "/users/{user}/posts",
		Handler: func(call *apitest.Call) (any, error) {
			if call.Query.Get("page") == "3" {
				return apitest.Status{Code: http.StatusNotFound}, nil
			}
			return []string{call.Params["user"] + "-" + call.Query.Get("page")}, nil
		},
	})

	client, err := cf.New(cf.ClientDef{
		Name:    "blog",
		BaseURL: server.URL,
		Resources: []cf.ResourceDef{{
			Name: "users",
			Endpoints: []cf.EndpointDef{{
				Name: "posts",
				Path: "{user}/posts",
				Payload: &cf.Schema{Params: []cf.Param{
					{Name: "page"},
				}},
			}},
		}},
	})
	require.NoError(t, err)
	defer client.Close()

	method, err := client.Lookup("users.posts")
	require.NoError(t, err)

	seq := Iterate(method, Cycle{}, Positional("bob"), BreakOn(NotOK()))
	results, err := seq.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, `["bob-2"]`, results[1].Text())
	require.Equal(t, Broken, seq.State())
}
