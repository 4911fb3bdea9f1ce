// Package auth provides credentials for session-level request signing.
//
// Every type here implements clientfactory.Auth and can be set as
// SessionDef.Auth.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	cf "github.com/starius/clientfactory"
)

const authorizationHeader = "Authorization"

// Bearer sends a token in the Authorization header.
type Bearer struct {
	Token string
	// Scheme defaults to "Bearer".
	Scheme string
}

func (b Bearer) Apply(ctx context.Context, req *cf.Request) (*cf.Request, error) {
	if b.Token == "" {
		return nil, fmt.Errorf("bearer: empty token")
	}
	scheme := b.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	return req.WithHeader(authorizationHeader, scheme+" "+b.Token), nil
}

// Basic sends HTTP basic credentials.
type Basic struct {
	Username string
	Password string
}

func (b Basic) Apply(ctx context.Context, req *cf.Request) (*cf.Request, error) {
	// Reuse http.Request for encoding the header.
	fake, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if err != nil {
		return nil, err
	}
	fake.SetBasicAuth(b.Username, b.Password)
	return req.WithHeader(authorizationHeader, fake.Header.Get(authorizationHeader)), nil
}

// Location of an API key.
type Location int

const (
	InHeader Location = iota
	InQuery
)

// APIKey sends a static key in a header or a query parameter.
type APIKey struct {
	Name  string
	Value string
	In    Location
}

func (k APIKey) Apply(ctx context.Context, req *cf.Request) (*cf.Request, error) {
	if k.Name == "" {
		return nil, fmt.Errorf("api key: empty name")
	}
	if k.In == InQuery {
		return req.WithQuery(k.Name, k.Value), nil
	}
	return req.WithHeader(k.Name, k.Value), nil
}

// TokenFunc obtains a fresh token, e.g. from a login endpoint.
type TokenFunc func(ctx context.Context) (string, error)

// JWT sends bearer tokens obtained from Fetch. A token is reused until
// its exp claim is within Leeway; tokens without exp are reused for
// TTL, or fetched for every request when TTL is zero.
type JWT struct {
	Fetch  TokenFunc
	Leeway time.Duration
	TTL    time.Duration

	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWT returns a JWT auth refreshing tokens a minute before expiry.
func NewJWT(fetch TokenFunc) *JWT {
	return &JWT{Fetch: fetch, Leeway: time.Minute}
}

func (j *JWT) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now()
}

func (j *JWT) Apply(ctx context.Context, req *cf.Request) (*cf.Request, error) {
	token, err := j.current(ctx)
	if err != nil {
		return nil, err
	}
	return req.WithHeader(authorizationHeader, "Bearer "+token), nil
}

// Invalidate drops the cached token.
func (j *JWT) Invalidate() {
	j.mu.Lock()
	j.token = ""
	j.mu.Unlock()
}

func (j *JWT) current(ctx context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.token != "" && j.clock().Add(j.Leeway).Before(j.expires) {
		return j.token, nil
	}
	if j.Fetch == nil {
		return "", fmt.Errorf("jwt: no token source")
	}
	token, err := j.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("jwt: fetching token: %w", err)
	}
	expires, ok := Expiry(token)
	switch {
	case ok:
	case j.TTL > 0:
		expires = j.clock().Add(j.TTL)
	default:
		expires = time.Time{}
	}
	j.token, j.expires = token, expires
	return token, nil
}

// Expiry returns the exp claim of a JWT. The signature is not checked.
func Expiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp *float64 `json:"exp"`
	}
	if err := sonic.Unmarshal(payload, &claims); err != nil || claims.Exp == nil {
		return time.Time{}, false
	}
	sec := int64(*claims.Exp)
	return time.Unix(sec, 0), true
}
