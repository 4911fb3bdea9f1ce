package clientfactory

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/starius/clientfactory/errors"
)

type capture struct {
	mu   sync.Mutex
	reqs []*Request
}

func (c *capture) Send(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return NewResponse(http.StatusOK, nil, []byte("ok"), 0, req), nil
}

func (c *capture) last(t *testing.T) *Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.reqs)
	return c.reqs[len(c.reqs)-1]
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func newShop(t *testing.T, def ClientDef) (*Client, *capture) {
	t.Helper()
	sent := &capture{}
	def.Name = "shop"
	def.BaseURL = "http://shop.test/"
	def.Engine = &EngineDef{Sender: sent}
	client, err := New(def)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return client, sent
}

func call(t *testing.T, client *Client, path string, args Args, positional ...any) (*Response, error) {
	t.Helper()
	bm, err := client.Lookup(path)
	require.NoError(t, err)
	return bm.Invoke(context.Background(), positional, args)
}

func TestRequestShape(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Resources: []ResourceDef{{
			Name: "items",
			Endpoints: []EndpointDef{
				{Name: "get", Path: ":id"},
				{Name: "list"},
				{Name: "create", Method: "post"},
				{Name: "remove", Method: http.MethodDelete, Path: "{id}"},
			},
		}},
	})

	_, err := call(t, client, "items.get", nil, 7)
	require.NoError(t, err)
	req := sent.last(t)
	require.Equal(t, http.MethodGet, req.Method())
	require.Equal(t, "http://shop.test/items/7", req.URL())
	require.Empty(t, req.Query())

	_, err = call(t, client, "items.list", Args{"page": 2, "tags": []string{"a", "b"}})
	require.NoError(t, err)
	req = sent.last(t)
	require.Equal(t, "http://shop.test/items", req.URL())
	require.Equal(t, url.Values{"page": {"2"}, "tags": {"a", "b"}}, req.Query())
	require.Nil(t, req.Body())

	_, err = call(t, client, "items.create", Args{"name": "pen", "price": 3})
	require.NoError(t, err)
	req = sent.last(t)
	require.Equal(t, http.MethodPost, req.Method())
	require.Equal(t, map[string]any{"name": "pen", "price": 3}, req.Body())
	require.Empty(t, req.Query())

	_, err = call(t, client, "items.remove", Args{"force": true}, "x y")
	require.NoError(t, err)
	req = sent.last(t)
	require.Equal(t, "http://shop.test/items/x%20y", req.URL())
	require.Equal(t, "true", req.Query().Get("force"))
}

func TestPathPrecedence(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Endpoints: []EndpointDef{
			{Name: "plain", Path: "/things/{id}"},
			{Name: "typed", Path: "/things/{id}", Payload: &Schema{Params: []Param{{Name: "id"}}}},
		},
	})

	cases := []struct {
		name       string
		endpoint   string
		positional []any
		args       Args
		wantURL    string
		wantQuery  url.Values
	}{
		{
			name:       "positional wins",
			endpoint:   "plain",
			positional: []any{1, 99},
			args:       Args{"id": 2, "path.id": 3},
			wantURL:    "http://shop.test/things/1",
			wantQuery:  url.Values{},
		},
		{
			name:      "qualified keyword",
			endpoint:  "plain",
			args:      Args{"path.id": 5, "q": "x"},
			wantURL:   "http://shop.test/things/5",
			wantQuery: url.Values{"q": {"x"}},
		},
		{
			name:      "plain keyword is consumed",
			endpoint:  "plain",
			args:      Args{"id": 6},
			wantURL:   "http://shop.test/things/6",
			wantQuery: url.Values{},
		},
		{
			name:      "declared keyword stays in payload",
			endpoint:  "typed",
			args:      Args{"id": 6},
			wantURL:   "http://shop.test/things/6",
			wantQuery: url.Values{"id": {"6"}},
		},
		{
			name:      "qualified and declared",
			endpoint:  "typed",
			args:      Args{"path.id": 5, "id": 6},
			wantURL:   "http://shop.test/things/5",
			wantQuery: url.Values{"id": {"6"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := call(t, client, tc.endpoint, tc.args, tc.positional...)
			require.NoError(t, err)
			req := sent.last(t)
			require.Equal(t, tc.wantURL, req.URL())
			require.Equal(t, tc.wantQuery.Encode(), req.Query().Encode())
		})
	}

	// The caller's arguments are not modified.
	args := Args{"path.id": 5, "id": 6}
	_, err := call(t, client, "typed", args)
	require.NoError(t, err)
	require.Equal(t, Args{"path.id": 5, "id": 6}, args)
}

func TestPathErrors(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Endpoints: []EndpointDef{{Name: "get", Path: "/things/{id}"}},
	})

	_, err := call(t, client, "get", nil)
	var perr *apierrors.PathSubstitutionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "id", perr.Param)
	require.Equal(t, "get", perr.Endpoint)

	_, err = call(t, client, "get", Args{"path.id": 1, "id": 2})
	var cerr *apierrors.ConfigurationError
	require.ErrorAs(t, err, &cerr)

	_, err = call(t, client, "get", Args{"path.other": 1}, 1)
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, err.Error(), "path.other")

	require.Zero(t, sent.count())
}

func TestPayloadValidation(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Endpoints: []EndpointDef{{
			Name:   "order",
			Method: http.MethodPost,
			Payload: &Schema{Params: []Param{
				{Name: "item", Required: true},
				{Name: "size", Choices: []any{"s", "m"}, Default: "m"},
				{Name: "qty", Target: "quantity", Default: 1},
			}},
		}},
	})

	_, err := call(t, client, "order", Args{"size": "s"})
	var verr *apierrors.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "order", verr.Endpoint)
	require.Equal(t, "item", verr.Field)

	_, err = call(t, client, "order", Args{"item": "tea", "size": "xl"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "size", verr.Field)
	require.Equal(t, "xl", verr.Value)
	require.Zero(t, sent.count())

	_, err = call(t, client, "order", Args{"item": "tea", "colour": "red"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"item": "tea", "size": "m", "quantity": 1}, sent.last(t).Body())
}

func TestHeaderMergeModes(t *testing.T) {
	method := map[string]string{"B": "method"}
	client, sent := newShop(t, ClientDef{
		Session: &SessionDef{
			Headers: map[string]string{"A": "session", "B": "session"},
			Cookies: map[string]string{"sid": "1"},
		},
		Endpoints: []EndpointDef{
			{Name: "merge", Headers: method},
			{Name: "overwrite", Headers: method, HeaderMode: Overwrite},
			{Name: "ignore", Headers: method, HeaderMode: Ignore},
			{Name: "cookies", Cookies: map[string]string{"lang": "en"}, CookieMode: Overwrite},
		},
	})

	cases := []struct {
		endpoint string
		want     map[string]string
	}{
		{"merge", map[string]string{"A": "session", "B": "method", "C": "call"}},
		{"overwrite", map[string]string{"B": "method", "C": "call"}},
		{"ignore", map[string]string{"A": "session", "B": "session", "C": "call"}},
	}
	for _, tc := range cases {
		t.Run(tc.endpoint, func(t *testing.T) {
			_, err := call(t, client, tc.endpoint, Args{KeyHeaders: map[string]string{"C": "call"}})
			require.NoError(t, err)
			require.Equal(t, tc.want, sent.last(t).Headers())
		})
	}

	_, err := call(t, client, "merge", Args{KeyHeaders: map[string]any{"B": "call"}})
	require.NoError(t, err)
	require.Equal(t, "call", sent.last(t).Headers()["B"])

	_, err = call(t, client, "cookies", Args{KeyCookies: map[string]string{"theme": "dark"}})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"lang": "en", "theme": "dark"}, sent.last(t).Cookies())
}

func TestShapingKeywords(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Session: &SessionDef{Timeout: 10 * time.Second, Retries: 2},
		Endpoints: []EndpointDef{
			{Name: "upload", Method: http.MethodPut, Path: "/files/{name}", Timeout: Some(time.Minute)},
			{Name: "find"},
		},
	})

	_, err := call(t, client, "upload", Args{
		KeyData:   []byte("raw bytes"),
		KeyParams: map[string]any{"overwrite": true},
	}, "a.txt")
	require.NoError(t, err)
	req := sent.last(t)
	require.Equal(t, []byte("raw bytes"), req.RawBody())
	require.Equal(t, "true", req.Query().Get("overwrite"))
	require.Equal(t, time.Minute, req.Timeout())
	require.Equal(t, 2, req.Retries())

	_, err = call(t, client, "upload", Args{KeyData: "text", KeyTimeout: "3s"}, "b.txt")
	require.NoError(t, err)
	req = sent.last(t)
	require.Equal(t, "text/plain; charset=UTF-8", req.ContentType())
	require.Equal(t, 3*time.Second, req.Timeout())

	_, err = call(t, client, "upload", Args{KeyData: map[string]int{"n": 1}}, "c.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(sent.last(t).RawBody()))

	_, err = call(t, client, "find", Args{KeyTimeout: 1.5, "q": "x"})
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, sent.last(t).Timeout())

	_, err = call(t, client, "find", Args{"q": "kw", "page": 2, KeyParams: map[string]any{"q": "param", "lang": "en"}})
	require.NoError(t, err)
	require.Equal(t, "lang=en&page=2&q=kw", sent.last(t).Query().Encode())

	var cerr *apierrors.ConfigurationError
	_, err = call(t, client, "upload", Args{KeyData: "text", "extra": 1}, "d.txt")
	require.ErrorAs(t, err, &cerr)
	_, err = call(t, client, "find", Args{KeyTimeout: "soon"})
	require.ErrorAs(t, err, &cerr)
	_, err = call(t, client, "find", Args{KeyTimeout: -1})
	require.ErrorAs(t, err, &cerr)
	_, err = call(t, client, "find", Args{KeyHeaders: []string{"oops"}})
	require.ErrorAs(t, err, &cerr)
}

func TestPrepareMatchesDispatch(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Session: &SessionDef{Headers: map[string]string{"Accept": "application/json"}},
		Resources: []ResourceDef{{
			Name: "users",
			Endpoints: []EndpointDef{{
				Name:    "update",
				Method:  http.MethodPatch,
				Path:    "{id}",
				Payload: &Schema{Params: []Param{{Name: "email"}, {Name: "role", Default: "user"}}},
			}},
		}},
	})
	bm, err := client.Lookup("users.update")
	require.NoError(t, err)

	ctx := context.Background()
	args := Args{"email": "a@b.c", KeyParams: map[string]any{"notify": 1}}
	prepared, err := bm.Prepare(ctx, []any{42}, args)
	require.NoError(t, err)
	require.Zero(t, sent.count())

	_, err = bm.Invoke(ctx, []any{42}, args)
	require.NoError(t, err)

	want, err := prepared.Encode()
	require.NoError(t, err)
	got, err := sent.last(t).Encode()
	require.NoError(t, err)
	require.Equal(t, string(want), string(got))

	res, err := bm.Dispatch(ctx, prepared)
	require.NoError(t, err)
	require.Same(t, prepared, res.Request())
}

func TestProcessHooks(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Endpoints: []EndpointDef{{
			Name: "search",
			Preprocess: func(args Args) (Args, error) {
				if q, ok := args["q"].(string); ok {
					args["q"] = strings.ToUpper(q)
				}
				return args, nil
			},
			Postprocess: func(req *Request) (*Request, error) {
				return req.WithHeader("X-Trace", "1"), nil
			},
		}},
	})

	args := Args{"q": "tea"}
	_, err := call(t, client, "search", args)
	require.NoError(t, err)
	req := sent.last(t)
	require.Equal(t, "TEA", req.Query().Get("q"))
	require.Equal(t, "1", req.Headers()["X-Trace"])
	require.Equal(t, "tea", args["q"])
}

func TestUnboundMethod(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Resources: []ResourceDef{{Name: "items"}},
	})
	ctx := context.Background()

	bm, err := NewUnboundMethod(EndpointDef{Name: "ping", Path: "ping"})
	require.NoError(t, err)
	require.False(t, bm.Resolved())

	_, err = bm.Invoke(ctx, nil, nil)
	require.ErrorIs(t, err, apierrors.ErrUnresolved)
	require.Zero(t, sent.count())

	_, err = bm.Invoke(WithOwner(ctx, client), nil, nil)
	require.NoError(t, err)
	require.True(t, bm.Resolved())
	require.Equal(t, "http://shop.test/ping", sent.last(t).URL())

	// The first owner sticks.
	err = bm.ResolveBinding(client.Resource("items"))
	var cerr *apierrors.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.NoError(t, bm.ResolveBinding(client))
	_, err = bm.Invoke(WithOwner(ctx, client.Resource("items")), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "http://shop.test/ping", sent.last(t).URL())

	health, err := NewUnboundMethod(EndpointDef{Name: "health"})
	require.NoError(t, err)
	items := client.Resource("items")
	require.NoError(t, items.Attach(health))
	require.Equal(t, []string{"health"}, items.Methods())
	_, err = items.Call(ctx, "health", nil)
	require.NoError(t, err)
	require.Equal(t, "http://shop.test/items", sent.last(t).URL())

	_, err = items.Call(ctx, "missing", nil)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestResourceSession(t *testing.T) {
	client, sent := newShop(t, ClientDef{
		Session: &SessionDef{Headers: map[string]string{"X-Scope": "client"}},
		Resources: []ResourceDef{
			{
				Name:      "admin",
				Session:   &SessionDef{Headers: map[string]string{"X-Scope": "admin"}},
				Endpoints: []EndpointDef{{Name: "stats"}},
				Resources: []ResourceDef{{Name: "users", Endpoints: []EndpointDef{{Name: "list"}}}},
			},
			{Name: "public", Endpoints: []EndpointDef{{Name: "stats"}}},
		},
	})

	for path, want := range map[string]string{
		"admin.stats":      "admin",
		"admin.users.list": "admin",
		"public.stats":     "client",
	} {
		_, err := call(t, client, path, nil)
		require.NoError(t, err)
		require.Equal(t, want, sent.last(t).Headers()["X-Scope"], path)
	}
}
