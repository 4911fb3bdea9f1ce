package clientfactory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/starius/clientfactory/errors"
)

// Auth adds credentials to a request.
type Auth interface {
	Apply(ctx context.Context, req *Request) (*Request, error)
}

// Backend shapes requests and responses for a specific protocol.
type Backend interface {
	Format(ctx context.Context, req *Request) (*Request, error)
	Parse(ctx context.Context, res *Response) (*Response, error)
}

// Persistence stores opaque session state across process runs.
type Persistence interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, state map[string]string) error
}

const (
	cookiePrefix = "cookie:"
	headerPrefix = "header:"
)

// Session holds the defaults shared by bound methods and sends requests
// through the engine that serves it.
type Session struct {
	mu      sync.RWMutex
	headers map[string]string
	cookies map[string]string

	timeout time.Duration
	retries int
	auth    Auth
	store   Persistence
	limiter *rate.Limiter
	logger  *slog.Logger

	node   *Node
	engine *Engine
}

func newSession(def *SessionDef, b *Builder) (*Session, error) {
	if def.Timeout < 0 {
		return nil, apierrors.Configf("session "+b.Path(), "timeout", "negative timeout %s", def.Timeout)
	}
	if def.Retries < 0 {
		return nil, apierrors.Configf("session "+b.Path(), "retries", "negative retries %d", def.Retries)
	}
	s := &Session{
		headers: maps.Clone(def.Headers),
		cookies: maps.Clone(def.Cookies),
		timeout: def.Timeout,
		retries: def.Retries,
		logger:  b.Logger(),
	}
	if s.headers == nil {
		s.headers = make(map[string]string)
	}
	if s.cookies == nil {
		s.cookies = make(map[string]string)
	}
	if def.RateLimit > 0 {
		burst := def.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(def.RateLimit), burst)
	}
	if a, ok := b.Value("auth").(Auth); ok {
		s.auth = a
	}
	if p, ok := b.Value("persistence").(Persistence); ok {
		s.store = p
	}
	return s, nil
}

// Link binds the serving engine and loads persisted state.
func (s *Session) Link(node *Node) error {
	s.node = node
	found, err := Lookup(node, KindEngine)
	if err != nil {
		return err
	}
	s.engine = found.value.(*Engine)
	if s.store == nil {
		return nil
	}
	state, err := s.store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("loading session state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range state {
		switch {
		case strings.HasPrefix(k, cookiePrefix):
			s.cookies[strings.TrimPrefix(k, cookiePrefix)] = v
		case strings.HasPrefix(k, headerPrefix):
			s.headers[strings.TrimPrefix(k, headerPrefix)] = v
		}
	}
	return nil
}

func (s *Session) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.headers)
}

func (s *Session) Cookies() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.cookies)
}

// SetHeader changes a default header of all later requests.
func (s *Session) SetHeader(name, value string) {
	s.mu.Lock()
	s.headers[name] = value
	s.mu.Unlock()
}

func (s *Session) Timeout() time.Duration { return s.timeout }
func (s *Session) Retries() int           { return s.retries }
func (s *Session) Auth() Auth             { return s.auth }

// The engine is held directly: parent links in the graph are weak and
// the root may be gone while a resource method is still in use.
func (s *Session) sender() (Sender, error) {
	if s.engine == nil {
		return nil, &apierrors.ResolutionError{Component: "session", Slot: string(KindEngine), Err: apierrors.ErrUnresolved}
	}
	return s.engine, nil
}

// Send applies auth and dispatches req. Cookies set by the response
// become session defaults.
func (s *Session) Send(ctx context.Context, req *Request) (*Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	if s.auth != nil {
		authed, err := s.auth.Apply(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("applying auth: %w", err)
		}
		req = authed
	}
	sender, err := s.sender()
	if err != nil {
		return nil, err
	}
	res, err := sender.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.absorb(ctx, res); err != nil {
		s.logger.Warn("failed to persist session state", "error", err)
	}
	return res, nil
}

func (s *Session) absorb(ctx context.Context, res *Response) error {
	cookies := (&http.Response{Header: res.Headers()}).Cookies()
	if len(cookies) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(s.cookies, c.Name)
		} else {
			s.cookies[c.Name] = c.Value
		}
	}
	state := s.stateLocked()
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	return s.store.Save(ctx, state)
}

func (s *Session) stateLocked() map[string]string {
	state := make(map[string]string, len(s.cookies)+len(s.headers))
	for k, v := range s.cookies {
		state[cookiePrefix+k] = v
	}
	for k, v := range s.headers {
		state[headerPrefix+k] = v
	}
	return state
}

// Save writes the current state to the persistence collaborator.
func (s *Session) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.RLock()
	state := s.stateLocked()
	s.mu.RUnlock()
	return s.store.Save(ctx, state)
}
