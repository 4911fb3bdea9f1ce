package clientfactory

import (
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
)

// Args are the keyword arguments of a call.
type Args map[string]any

// Clone returns a shallow copy of a.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	maps.Copy(out, a)
	return out
}

// Request is an immutable description of one HTTP request.
// All With* methods return a modified copy.
type Request struct {
	method      string
	url         string
	headers     map[string]string
	cookies     map[string]string
	query       url.Values
	body        map[string]any
	raw         []byte
	contentType string
	timeout     time.Duration
	retries     int
}

// NewRequest returns a request without headers, query or body.
func NewRequest(method, url string) *Request {
	return &Request{method: method, url: url}
}

func (r *Request) clone() *Request {
	c := *r
	c.headers = maps.Clone(r.headers)
	c.cookies = maps.Clone(r.cookies)
	if r.query != nil {
		c.query = make(url.Values, len(r.query))
		for k, vs := range r.query {
			c.query[k] = append([]string(nil), vs...)
		}
	}
	c.body = maps.Clone(r.body)
	if r.raw != nil {
		c.raw = append([]byte(nil), r.raw...)
	}
	return &c
}

func (r *Request) Method() string         { return r.method }
func (r *Request) URL() string            { return r.url }
func (r *Request) ContentType() string    { return r.contentType }
func (r *Request) Timeout() time.Duration { return r.timeout }
func (r *Request) Retries() int           { return r.retries }

func (r *Request) Headers() map[string]string {
	return maps.Clone(r.headers)
}

func (r *Request) Header(name string) (string, bool) {
	v, ok := r.headers[name]
	return v, ok
}

func (r *Request) Cookies() map[string]string {
	return maps.Clone(r.cookies)
}

func (r *Request) Query() url.Values {
	return r.clone().query
}

// Body returns the structured body, nil when the request has none.
func (r *Request) Body() map[string]any {
	return maps.Clone(r.body)
}

// RawBody returns the pre-encoded body, nil when the request has none.
func (r *Request) RawBody() []byte {
	if r.raw == nil {
		return nil
	}
	return append([]byte(nil), r.raw...)
}

func (r *Request) WithMethod(method string) *Request {
	c := r.clone()
	c.method = method
	return c
}

func (r *Request) WithURL(url string) *Request {
	c := r.clone()
	c.url = url
	return c
}

func (r *Request) WithHeader(name, value string) *Request {
	c := r.clone()
	if c.headers == nil {
		c.headers = make(map[string]string)
	}
	c.headers[name] = value
	return c
}

// WithHeaders replaces all headers.
func (r *Request) WithHeaders(headers map[string]string) *Request {
	c := r.clone()
	c.headers = maps.Clone(headers)
	return c
}

func (r *Request) WithCookie(name, value string) *Request {
	c := r.clone()
	if c.cookies == nil {
		c.cookies = make(map[string]string)
	}
	c.cookies[name] = value
	return c
}

// WithCookies replaces all cookies.
func (r *Request) WithCookies(cookies map[string]string) *Request {
	c := r.clone()
	c.cookies = maps.Clone(cookies)
	return c
}

// WithQuery sets query parameter name to values.
func (r *Request) WithQuery(name string, values ...string) *Request {
	c := r.clone()
	if c.query == nil {
		c.query = make(url.Values)
	}
	c.query[name] = append([]string(nil), values...)
	return c
}

// WithoutQuery drops query parameter name.
func (r *Request) WithoutQuery(name string) *Request {
	c := r.clone()
	delete(c.query, name)
	return c
}

// WithBody sets a structured body and drops any raw body.
func (r *Request) WithBody(body map[string]any) *Request {
	c := r.clone()
	c.body = maps.Clone(body)
	c.raw = nil
	c.contentType = ""
	return c
}

// WithRawBody sets a pre-encoded body and drops any structured body.
func (r *Request) WithRawBody(contentType string, raw []byte) *Request {
	c := r.clone()
	c.body = nil
	c.raw = append([]byte(nil), raw...)
	c.contentType = contentType
	return c
}

func (r *Request) WithTimeout(timeout time.Duration) *Request {
	c := r.clone()
	c.timeout = timeout
	return c
}

func (r *Request) WithRetries(retries int) *Request {
	c := r.clone()
	c.retries = retries
	return c
}

type requestWire struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	Query       url.Values        `json:"query,omitempty"`
	Body        map[string]any    `json:"body,omitempty"`
	Raw         []byte            `json:"raw,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Retries     int               `json:"retries,omitempty"`
}

// Encode returns a canonical serialization of the request.
// Equal requests encode to identical bytes.
func (r *Request) Encode() ([]byte, error) {
	return sonic.ConfigStd.Marshal(requestWire{
		Method:      r.method,
		URL:         r.url,
		Headers:     r.headers,
		Cookies:     r.cookies,
		Query:       r.query,
		Body:        r.body,
		Raw:         r.raw,
		ContentType: r.contentType,
		Timeout:     r.timeout,
		Retries:     r.retries,
	})
}

// Response is an immutable result of one round trip.
type Response struct {
	status  int
	headers http.Header
	body    []byte
	elapsed time.Duration
	request *Request
}

func NewResponse(status int, headers http.Header, body []byte, elapsed time.Duration, request *Request) *Response {
	return &Response{
		status:  status,
		headers: headers.Clone(),
		body:    append([]byte(nil), body...),
		elapsed: elapsed,
		request: request,
	}
}

func (r *Response) Status() int              { return r.status }
func (r *Response) Elapsed() time.Duration   { return r.elapsed }
func (r *Response) Request() *Request        { return r.request }
func (r *Response) Headers() http.Header     { return r.headers.Clone() }
func (r *Response) Header(name string) string { return r.headers.Get(name) }

func (r *Response) Body() []byte {
	return append([]byte(nil), r.body...)
}

func (r *Response) Text() string {
	return string(r.body)
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return 200 <= r.status && r.status < 300
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return sonic.Unmarshal(r.body, v)
}

func (r *Response) WithBody(body []byte) *Response {
	c := *r
	c.body = append([]byte(nil), body...)
	return &c
}

func (r *Response) WithHeader(name, value string) *Response {
	c := *r
	c.headers = r.headers.Clone()
	if c.headers == nil {
		c.headers = make(http.Header)
	}
	c.headers.Set(name, value)
	return &c
}
