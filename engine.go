package clientfactory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"github.com/starius/clientfactory/closingclient"
	"github.com/starius/clientfactory/debugclient"
)

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
}

// Sender performs one round trip.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *Request) (*Response, error)

func (f SenderFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Engine executes requests over HTTP or through a custom Sender.
type Engine struct {
	client  HttpClient
	sender  Sender
	maxBody int64
	errorf  func(format string, args ...interface{})
	logger  *slog.Logger
}

// NewEngine returns an HTTP engine over client.
func NewEngine(client HttpClient, opts ...Option) (*Engine, error) {
	config := NewDefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	return newEngine(&EngineDef{Client: client}, config)
}

func newEngine(def *EngineDef, config *Config) (*Engine, error) {
	e := &Engine{
		sender:  def.Sender,
		maxBody: def.MaxBody,
		errorf:  config.errorf,
		logger:  config.logger,
	}
	if e.maxBody <= 0 {
		e.maxBody = config.maxBody
	}
	if e.sender != nil {
		return e, nil
	}

	client := def.Client
	if client == nil {
		client = config.client
	}
	if client == nil {
		cc, err := closingclient.New(&http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		})
		if err != nil {
			return nil, err
		}
		client = cc
	}
	if config.debug != nil {
		dc, err := debugclient.New(client, config.debug, debugclient.Redact("Authorization"))
		if err != nil {
			return nil, err
		}
		client = dc
	}
	e.client = client
	return e, nil
}

// Unwrap returns the custom Sender or the HttpClient.
func (e *Engine) Unwrap() any {
	if e.sender != nil {
		return e.sender
	}
	return e.client
}

// Send executes req. Transport failures are retried req.Retries() times.
func (e *Engine) Send(ctx context.Context, req *Request) (*Response, error) {
	if e.sender != nil {
		return e.sender.Send(ctx, req)
	}
	var lastErr error
	for attempt := 0; attempt <= req.Retries(); attempt++ {
		if attempt > 0 {
			e.logger.Debug("retrying request", "method", req.Method(), "url", req.URL(), "attempt", attempt, "error", lastErr)
			timer := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("request failed: %w", lastErr)
			case <-timer.C:
			}
		}
		res, err := e.roundTrip(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("request failed: %w", lastErr)
}

func (e *Engine) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	if timeout := req.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := encodeRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	res, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	res.Body = http.MaxBytesReader(nil, res.Body, e.maxBody)
	defer func() {
		if err := res.Body.Close(); err != nil {
			e.errorf("failed to close resource: %v", err)
		}
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	elapsed := time.Since(start)
	e.logger.Debug("request done", "method", req.Method(), "url", req.URL(), "status", res.StatusCode, "elapsed", elapsed)
	return NewResponse(res.StatusCode, res.Header, body, elapsed, req), nil
}

func encodeRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u, err := url.Parse(req.URL())
	if err != nil {
		return nil, err
	}
	if extra := req.Query(); len(extra) != 0 {
		query := u.Query()
		for k, vs := range extra {
			query[k] = vs
		}
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	contentType := req.ContentType()
	if raw := req.RawBody(); raw != nil {
		body = bytes.NewReader(raw)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	} else if data := req.Body(); data != nil {
		encoded, err := sonic.ConfigStd.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json; charset=UTF-8"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers() {
		httpReq.Header.Set(k, v)
	}
	cookies := req.Cookies()
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: cookies[name]})
	}
	return httpReq, nil
}

// Close cancels in-flight requests when the client supports it and
// releases idle connections.
func (e *Engine) Close() error {
	if e.client == nil {
		if closer, ok := e.sender.(io.Closer); ok {
			return closer.Close()
		}
		return nil
	}
	e.client.CloseIdleConnections()

	if closer, ok := e.client.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}

	return nil
}
