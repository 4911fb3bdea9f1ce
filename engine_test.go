package clientfactory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starius/clientfactory/apitest"
)

func serverClient(t *testing.T, server *apitest.Server, def ClientDef, opts ...Option) *Client {
	t.Helper()
	def.Name = "remote"
	def.BaseURL = server.URL
	client, err := New(def, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return client
}

func TestEngineRoundTrip(t *testing.T) {
	server := apitest.NewServer(t,
		apitest.Route{
			Method: http.MethodGet,
			Path:   "/items/:id",
			Handler: func(call *apitest.Call) (any, error) {
				return map[string]string{
					"id":    call.Params["id"],
					"auth":  call.Header.Get("Authorization"),
					"sid":   call.Cookies["sid"],
					"limit": call.Query.Get("limit"),
				}, nil
			},
		},
		apitest.Route{
			Method: http.MethodPost,
			Path:   "/items",
			Handler: func(call *apitest.Call) (any, error) {
				return apitest.Status{
					Code:   http.StatusCreated,
					Header: http.Header{"Content-Type": {call.Header.Get("Content-Type")}},
					Body:   call.Body,
				}, nil
			},
		},
	)
	client := serverClient(t, server, ClientDef{
		Session: &SessionDef{
			Cookies: map[string]string{"sid": "abc"},
			Auth:    tokenAuth{token: "t0k"},
		},
		Resources: []ResourceDef{{
			Name: "items",
			Endpoints: []EndpointDef{
				{Name: "get", Path: ":id"},
				{Name: "create", Method: http.MethodPost},
			},
		}},
	})
	ctx := context.Background()

	res, err := client.Resource("items").Call(ctx, "get", Args{"limit": 5}, 42)
	require.NoError(t, err)
	require.True(t, res.OK())
	var got map[string]string
	require.NoError(t, res.JSON(&got))
	require.Equal(t, map[string]string{"id": "42", "auth": "Bearer t0k", "sid": "abc", "limit": "5"}, got)
	require.Positive(t, res.Elapsed())

	res, err = client.Resource("items").Call(ctx, "create", Args{"name": "pen"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.Status())
	require.JSONEq(t, `{"name":"pen"}`, res.Text())
	require.Equal(t, "application/json; charset=UTF-8", res.Header("Content-Type"))
}

func TestSessionAbsorbsCookies(t *testing.T) {
	server := apitest.NewServer(t,
		apitest.Route{
			Method: http.MethodPost,
			Path:   "/login",
			Handler: func(call *apitest.Call) (any, error) {
				return apitest.Status{
					Code:   http.StatusOK,
					Header: http.Header{"Set-Cookie": {"session=s1; Path=/"}},
					Body:   map[string]bool{"ok": true},
				}, nil
			},
		},
		apitest.Route{
			Method: http.MethodGet,
			Path:   "/me",
			Handler: func(call *apitest.Call) (any, error) {
				return []byte(call.Cookies["session"]), nil
			},
		},
	)
	client := serverClient(t, server, ClientDef{
		Endpoints: []EndpointDef{
			{Name: "login", Method: http.MethodPost, Path: "/login"},
			{Name: "me", Path: "/me"},
		},
	})
	ctx := context.Background()

	_, err := client.Call(ctx, "login", nil)
	require.NoError(t, err)
	res, err := client.Call(ctx, "me", nil)
	require.NoError(t, err)
	require.Equal(t, "s1", res.Text())
	require.Equal(t, "s1", client.Method("me").Session().Cookies()["session"])
}

func TestEngineDoesNotFollowRedirects(t *testing.T) {
	server := apitest.NewServer(t, apitest.Route{
		Method: http.MethodGet,
		Path:   "/old",
		Handler: func(call *apitest.Call) (any, error) {
			return apitest.Status{
				Code:   http.StatusFound,
				Header: http.Header{"Location": {"/new"}},
				Body:   []byte{},
			}, nil
		},
	})
	client := serverClient(t, server, ClientDef{Endpoints: []EndpointDef{{Name: "old", Path: "/old"}}})

	res, err := client.Call(context.Background(), "old", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, res.Status())
	require.False(t, res.OK())
	require.Equal(t, "/new", res.Header("Location"))
	require.Len(t, server.Calls(), 1)
}

func TestEngineLimits(t *testing.T) {
	server := apitest.NewServer(t,
		apitest.Route{
			Method: http.MethodGet,
			Path:   "/big",
			Handler: func(call *apitest.Call) (any, error) {
				return bytes.Repeat([]byte("x"), 100), nil
			},
		},
		apitest.Route{
			Method: http.MethodGet,
			Path:   "/slow",
			Handler: func(call *apitest.Call) (any, error) {
				time.Sleep(300 * time.Millisecond)
				return []byte("late"), nil
			},
		},
	)
	client := serverClient(t, server, ClientDef{
		Engine: &EngineDef{MaxBody: 10},
		Endpoints: []EndpointDef{
			{Name: "big", Path: "/big"},
			{Name: "slow", Path: "/slow"},
		},
	})
	ctx := context.Background()

	_, err := client.Call(ctx, "big", nil)
	require.ErrorContains(t, err, "too large")

	_, err = client.Call(ctx, "slow", Args{KeyTimeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type flakyClient struct {
	failures int32
	calls    atomic.Int32
}

func (c *flakyClient) Do(req *http.Request) (*http.Response, error) {
	if c.calls.Add(1) <= c.failures {
		return nil, errors.New("connection reset")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("fine")),
	}, nil
}

func (c *flakyClient) CloseIdleConnections() {}

func TestEngineRetries(t *testing.T) {
	flaky := &flakyClient{failures: 2}
	client, err := New(ClientDef{
		Name:      "flaky",
		BaseURL:   "http://flaky.test",
		Engine:    &EngineDef{Client: flaky, Session: &SessionDef{Retries: 2}},
		Endpoints: []EndpointDef{{Name: "ping"}, {Name: "once", Retries: Some(0)}},
	})
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	res, err := client.Call(ctx, "ping", nil)
	require.NoError(t, err)
	require.Equal(t, "fine", res.Text())
	require.Equal(t, int32(3), flaky.calls.Load())

	flaky.calls.Store(0)
	_, err = client.Call(ctx, "once", nil)
	require.ErrorContains(t, err, "connection reset")
	require.Equal(t, int32(1), flaky.calls.Load())
}

func TestEngineDebug(t *testing.T) {
	server := apitest.NewServer(t, apitest.Route{
		Method: http.MethodGet,
		Path:   "/ping",
		Handler: func(call *apitest.Call) (any, error) {
			return []byte("pong"), nil
		},
	})
	var log bytes.Buffer
	client := serverClient(t, server, ClientDef{
		Session:   &SessionDef{Auth: tokenAuth{token: "secret"}},
		Endpoints: []EndpointDef{{Name: "ping", Path: "/ping"}},
	}, Debug(&log))

	res, err := client.Call(context.Background(), "ping", Args{"q": 1})
	require.NoError(t, err)
	require.Equal(t, "pong", res.Text())
	require.Contains(t, log.String(), "curl")
	require.Contains(t, log.String(), "/ping?q=1")
	require.Contains(t, log.String(), "pong")
	require.NotContains(t, log.String(), "secret")
}

func TestNewEngine(t *testing.T) {
	flaky := &flakyClient{}
	engine, err := NewEngine(flaky)
	require.NoError(t, err)
	require.Same(t, flaky, engine.Unwrap())

	res, err := engine.Send(context.Background(), NewRequest(http.MethodGet, "http://x.test/a").WithQuery("b", "1"))
	require.NoError(t, err)
	require.Equal(t, "fine", res.Text())
	require.NoError(t, engine.Close())
}
