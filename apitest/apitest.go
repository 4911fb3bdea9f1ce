// Package apitest provides a stub HTTP server routing requests by path
// templates, for testing declared clients end to end.
package apitest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/starius/clientfactory/internal/pathtmpl"
)

// Call is one request received by the server.
type Call struct {
	Method  string
	Path    string
	Params  map[string]string
	Query   url.Values
	Header  http.Header
	Cookies map[string]string
	Body    []byte
}

// JSON decodes the request body into v.
func (c *Call) JSON(v any) error {
	return sonic.Unmarshal(c.Body, v)
}

// Handler serves one route. The result, or the body of a Status, is
// encoded as JSON unless it is []byte or nil. Errors implementing
// HttpCode() int set the status code, other errors give 500.
type Handler func(call *Call) (any, error)

type Route struct {
	Method  string
	Path    string
	Handler Handler
}

// Status is a handler result with an explicit status code and headers.
type Status struct {
	Code   int
	Header http.Header
	Body   any
}

type errorMessage struct {
	Error string `json:"error"`
}

type Server struct {
	*httptest.Server

	mu    sync.Mutex
	calls []*Call
}

// NewServer starts a server serving routes. It is closed on test cleanup.
func NewServer(t testing.TB, routes ...Route) *Server {
	t.Helper()

	method2paths := make(map[string][]string)
	method2handlers := make(map[string][]Handler)
	for _, route := range routes {
		if err := pathtmpl.Validate(route.Path); err != nil {
			t.Fatalf("apitest: route %s %s: %v", route.Method, route.Path, err)
		}
		method2paths[route.Method] = append(method2paths[route.Method], route.Path)
		method2handlers[route.Method] = append(method2handlers[route.Method], route.Handler)
	}
	method2classifier := make(map[string]*pathtmpl.Classifier, len(method2paths))
	for method, paths := range method2paths {
		method2classifier[method] = pathtmpl.NewClassifier(paths)
	}

	s := &Server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(t, w, http.StatusBadRequest, nil, errorMessage{Error: err.Error()})
			return
		}
		call := &Call{
			Method:  r.Method,
			Path:    r.URL.Path,
			Query:   r.URL.Query(),
			Header:  r.Header.Clone(),
			Cookies: make(map[string]string),
			Body:    body,
		}
		for _, c := range r.Cookies() {
			call.Cookies[c.Name] = c.Value
		}
		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()

		classifier, has := method2classifier[r.Method]
		if !has {
			writeJSON(t, w, http.StatusMethodNotAllowed, nil, errorMessage{Error: "unsupported method: " + r.Method})
			return
		}
		index, params := classifier.Classify(r.URL.EscapedPath())
		if index == -1 {
			writeJSON(t, w, http.StatusNotFound, nil, errorMessage{Error: "failed to find route by path"})
			return
		}
		call.Params = params

		resp, err := method2handlers[r.Method][index](call)
		if err != nil {
			code := http.StatusInternalServerError
			if coder, ok := err.(interface{ HttpCode() int }); ok {
				code = coder.HttpCode()
			}
			writeJSON(t, w, code, nil, errorMessage{Error: err.Error()})
			return
		}
		switch x := resp.(type) {
		case nil:
			w.WriteHeader(http.StatusNoContent)
		case Status:
			if raw, ok := x.Body.([]byte); ok {
				writeRaw(t, w, x.Code, x.Header, raw)
			} else {
				writeJSON(t, w, x.Code, x.Header, x.Body)
			}
		case []byte:
			writeRaw(t, w, http.StatusOK, nil, x)
		default:
			writeJSON(t, w, http.StatusOK, nil, x)
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func writeRaw(t testing.TB, w http.ResponseWriter, code int, header http.Header, body []byte) {
	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		t.Errorf("apitest: writing response: %v", err)
	}
}

func writeJSON(t testing.TB, w http.ResponseWriter, code int, header http.Header, body any) {
	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if body == nil {
		w.WriteHeader(code)
		return
	}
	encoded, err := sonic.ConfigStd.Marshal(body)
	if err != nil {
		t.Errorf("apitest: encoding response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(encoded); err != nil {
		t.Errorf("apitest: writing response: %v", err)
	}
}

// Calls returns the requests received so far.
func (s *Server) Calls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Call(nil), s.calls...)
}

// Last returns the latest request or nil.
func (s *Server) Last() *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}
