// Package debugclient logs HTTP exchanges as curl commands and raw
// responses.
package debugclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"sync"
	"sync/atomic"

	"moul.io/http2curl"
)

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
}

type Option func(*DebugClient)

// Redact masks the values of the given headers in the log.
func Redact(headers ...string) Option {
	return func(c *DebugClient) {
		for _, h := range headers {
			c.redact = append(c.redact, http.CanonicalHeaderKey(h))
		}
	}
}

type DebugClient struct {
	impl   HttpClient
	redact []string

	mu  sync.Mutex
	log io.Writer
	n   uint64
}

func New(impl HttpClient, log io.Writer, opts ...Option) (*DebugClient, error) {
	if log == nil {
		return nil, fmt.Errorf("debugclient: nil log writer")
	}
	c := &DebugClient{
		impl: impl,
		log:  log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// curlOf renders req without consuming its body.
func (c *DebugClient) curlOf(req *http.Request) (string, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return "", err
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	shown := req.Clone(req.Context())
	if body != nil {
		shown.Body = io.NopCloser(bytes.NewReader(body))
	}
	for _, h := range c.redact {
		if shown.Header.Get(h) != "" {
			shown.Header.Set(h, "REDACTED")
		}
	}
	curl, err := http2curl.GetCurlCommand(shown)
	if err != nil {
		return "", err
	}
	return curl.String(), nil
}

func (c *DebugClient) write(format string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.log, format, args...)
	return err
}

func (c *DebugClient) Do(req *http.Request) (*http.Response, error) {
	n := atomic.AddUint64(&c.n, 1)

	curl, err := c.curlOf(req)
	if err != nil {
		return nil, fmt.Errorf("rendering curl command for request %d: %w", n, err)
	}
	if err := c.write("=== client request %d ===\n$ %s\n=== end of client request %d ===\n", n, curl, n); err != nil {
		return nil, fmt.Errorf("logging request %d: %w", n, err)
	}

	res, err := c.impl.Do(req)
	if err != nil {
		_ = c.write("=== client request %d failed: %v ===\n", n, err)
		return nil, err
	}

	resDump, err := httputil.DumpResponse(res, true)
	if err != nil {
		return nil, fmt.Errorf("dumping response %d: %w", n, err)
	}
	if err := c.write("=== server response %d ===\n%s\n=== end of server response %d ===\n", n, string(resDump), n); err != nil {
		return nil, fmt.Errorf("logging response %d: %w", n, err)
	}

	return res, nil
}

func (c *DebugClient) CloseIdleConnections() {
	c.impl.CloseIdleConnections()
}

// Close closes the wrapped client if it is an io.Closer.
func (c *DebugClient) Close() error {
	if closer, ok := c.impl.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
