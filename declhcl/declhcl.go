// Package declhcl loads client declarations from HCL.
//
//	client "github" {
//	  base_url = "https://api.github.com"
//	  session {
//	    headers = { Accept = "application/vnd.github+json" }
//	    auth "bearer" { token = env("GITHUB_TOKEN") }
//	  }
//	  resource "repos" {
//	    endpoint "get" {
//	      path = "{owner}/{repo}"
//	    }
//	  }
//	}
//
// Expressions can read var.<name> (see Variables) and call env, upper,
// lower, format and join.
package declhcl

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	cf "github.com/starius/clientfactory"
	"github.com/starius/clientfactory/auth"
	"github.com/starius/clientfactory/backends"
	apierrors "github.com/starius/clientfactory/errors"
	"github.com/starius/clientfactory/persist"
)

type config struct {
	vars   map[string]any
	getenv func(string) string
}

type Option func(*config)

// Variables makes values available as var.<name>.
func Variables(vars map[string]any) Option {
	return func(c *config) {
		if c.vars == nil {
			c.vars = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			c.vars[k] = v
		}
	}
}

// Getenv replaces os.Getenv behind the env function.
func Getenv(fn func(string) string) Option {
	return func(c *config) {
		c.getenv = fn
	}
}

type hclFile struct {
	Clients []*hclClient `hcl:"client,block"`
}

type hclClient struct {
	Name      string         `hcl:"name,label"`
	BaseURL   string         `hcl:"base_url"`
	Session   *hclSession    `hcl:"session,block"`
	Backend   *hclBackend    `hcl:"backend,block"`
	Endpoints []*hclEndpoint `hcl:"endpoint,block"`
	Resources []*hclResource `hcl:"resource,block"`
}

type hclResource struct {
	Name      string         `hcl:"name,label"`
	Path      *string        `hcl:"path,optional"`
	CRUD      []string       `hcl:"crud,optional"`
	Session   *hclSession    `hcl:"session,block"`
	Backend   *hclBackend    `hcl:"backend,block"`
	Endpoints []*hclEndpoint `hcl:"endpoint,block"`
	Resources []*hclResource `hcl:"resource,block"`
}

type hclSession struct {
	Headers   map[string]string `hcl:"headers,optional"`
	Cookies   map[string]string `hcl:"cookies,optional"`
	Timeout   *string           `hcl:"timeout,optional"`
	Retries   *int              `hcl:"retries,optional"`
	RateLimit *float64          `hcl:"rate_limit,optional"`
	Burst     *int              `hcl:"burst,optional"`
	StateFile *string           `hcl:"state_file,optional"`
	Auth      *hclAuth          `hcl:"auth,block"`
}

type hclAuth struct {
	Type     string  `hcl:"type,label"`
	Token    *string `hcl:"token,optional"`
	Scheme   *string `hcl:"scheme,optional"`
	Username *string `hcl:"username,optional"`
	Password *string `hcl:"password,optional"`
	Name     *string `hcl:"name,optional"`
	Value    *string `hcl:"value,optional"`
	In       *string `hcl:"in,optional"`
}

type hclBackend struct {
	Type          string  `hcl:"type,label"`
	Query         *string `hcl:"query,optional"`
	OperationName *string `hcl:"operation_name,optional"`
	RaiseErrors   *bool   `hcl:"raise_errors,optional"`
	UnwrapData    *bool   `hcl:"unwrap_data,optional"`
}

type hclEndpoint struct {
	Name        string            `hcl:"name,label"`
	Method      *string           `hcl:"method,optional"`
	Path        *string           `hcl:"path,optional"`
	Headers     map[string]string `hcl:"headers,optional"`
	HeaderMode  *string           `hcl:"header_mode,optional"`
	Cookies     map[string]string `hcl:"cookies,optional"`
	CookieMode  *string           `hcl:"cookie_mode,optional"`
	Timeout     *string           `hcl:"timeout,optional"`
	Retries     *int              `hcl:"retries,optional"`
	Description *string           `hcl:"description,optional"`
	Tags        []string          `hcl:"tags,optional"`
	Params      []*hclParam       `hcl:"param,block"`
}

type hclParam struct {
	Name          string     `hcl:"name,label"`
	Source        *string    `hcl:"source,optional"`
	Target        *string    `hcl:"target,optional"`
	Required      *bool      `hcl:"required,optional"`
	Default       *cty.Value `hcl:"default,optional"`
	Choices       *cty.Value `hcl:"choices,optional"`
	Mapping       *cty.Value `hcl:"mapping,optional"`
	KeysAsChoices *bool      `hcl:"keys_as_choices,optional"`
}

func evalContext(c *config) (*hcl.EvalContext, error) {
	vars := make(map[string]cty.Value, len(c.vars))
	for k, v := range c.vars {
		value, err := toCty(v)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		vars[k] = value
	}
	getenv := c.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	env := function.New(&function.Spec{
		Params: []function.Parameter{{Name: "name", Type: cty.String}},
		Type:   function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			return cty.StringVal(getenv(args[0].AsString())), nil
		},
	})
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(vars)},
		Functions: map[string]function.Function{
			"env":    env,
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"format": stdlib.FormatFunc,
			"join":   stdlib.JoinFunc,
		},
	}, nil
}

// ParseFile loads the clients declared in an HCL file.
func ParseFile(path string, opts ...Option) ([]cf.ClientDef, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src, path, opts...)
}

// Parse loads the clients declared in src. filename is used in
// diagnostics.
func Parse(src []byte, filename string, opts ...Option) ([]cf.ClientDef, error) {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	component := "file " + filename

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, apierrors.Configf(component, "", "parsing: %w", diags)
	}
	ctx, err := evalContext(c)
	if err != nil {
		return nil, apierrors.Configf(component, "variables", "%w", err)
	}
	var decoded hclFile
	if diags := gohcl.DecodeBody(file.Body, ctx, &decoded); diags.HasErrors() {
		return nil, apierrors.Configf(component, "", "decoding: %w", diags)
	}

	defs := make([]cf.ClientDef, 0, len(decoded.Clients))
	seen := make(map[string]bool)
	for _, client := range decoded.Clients {
		if seen[client.Name] {
			return nil, apierrors.Configf(component, client.Name, "client declared twice")
		}
		seen[client.Name] = true
		def, err := client.def()
		if err != nil {
			return nil, apierrors.Configf(component, client.Name, "%w", err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (h *hclClient) def() (cf.ClientDef, error) {
	def := cf.ClientDef{Name: h.Name, BaseURL: h.BaseURL}
	var err error
	if def.Session, err = h.Session.def(); err != nil {
		return def, err
	}
	if def.Backend, err = h.Backend.backend(); err != nil {
		return def, err
	}
	if def.Endpoints, err = endpoints(h.Endpoints); err != nil {
		return def, err
	}
	def.Resources, err = resources(h.Resources)
	return def, err
}

func resources(list []*hclResource) ([]cf.ResourceDef, error) {
	var out []cf.ResourceDef
	for _, h := range list {
		def := cf.ResourceDef{Name: h.Name, Path: deref(h.Path), CRUD: h.CRUD}
		var err error
		if def.Session, err = h.Session.def(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", h.Name, err)
		}
		if def.Backend, err = h.Backend.backend(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", h.Name, err)
		}
		if def.Endpoints, err = endpoints(h.Endpoints); err != nil {
			return nil, fmt.Errorf("resource %s: %w", h.Name, err)
		}
		if def.Resources, err = resources(h.Resources); err != nil {
			return nil, fmt.Errorf("resource %s: %w", h.Name, err)
		}
		out = append(out, def)
	}
	return out, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func duration(s *string) (time.Duration, error) {
	if s == nil {
		return 0, nil
	}
	return time.ParseDuration(*s)
}

func (h *hclSession) def() (*cf.SessionDef, error) {
	if h == nil {
		return nil, nil
	}
	timeout, err := duration(h.Timeout)
	if err != nil {
		return nil, fmt.Errorf("session timeout: %w", err)
	}
	def := &cf.SessionDef{
		Headers:   h.Headers,
		Cookies:   h.Cookies,
		Timeout:   timeout,
		Retries:   deref(h.Retries),
		RateLimit: deref(h.RateLimit),
		Burst:     deref(h.Burst),
	}
	if h.StateFile != nil {
		path := *h.StateFile
		def.Persistence = cf.Factory(func() (any, error) {
			return persist.NewFile(path), nil
		})
	}
	if h.Auth != nil {
		if def.Auth, err = h.Auth.auth(); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func (h *hclAuth) auth() (cf.Auth, error) {
	switch h.Type {
	case "bearer":
		return auth.Bearer{Token: deref(h.Token), Scheme: deref(h.Scheme)}, nil
	case "basic":
		return auth.Basic{Username: deref(h.Username), Password: deref(h.Password)}, nil
	case "api_key":
		key := auth.APIKey{Name: deref(h.Name), Value: deref(h.Value)}
		switch deref(h.In) {
		case "", "header":
		case "query":
			key.In = auth.InQuery
		default:
			return nil, fmt.Errorf("api key location %q is not header or query", *h.In)
		}
		return key, nil
	}
	return nil, fmt.Errorf("unknown auth type %q", h.Type)
}

func (h *hclBackend) backend() (any, error) {
	if h == nil {
		return nil, nil
	}
	switch h.Type {
	case "graphql":
		return &backends.GraphQL{
			Query:         deref(h.Query),
			OperationName: deref(h.OperationName),
			RaiseErrors:   deref(h.RaiseErrors),
			UnwrapData:    deref(h.UnwrapData),
		}, nil
	case "protobuf":
		return backends.Protobuf{}, nil
	case "msgpack":
		return backends.MsgPack{}, nil
	}
	return nil, fmt.Errorf("unknown backend type %q", h.Type)
}

func endpoints(list []*hclEndpoint) ([]cf.EndpointDef, error) {
	var out []cf.EndpointDef
	for _, h := range list {
		def, err := h.def()
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", h.Name, err)
		}
		out = append(out, def)
	}
	return out, nil
}

func (h *hclEndpoint) def() (cf.EndpointDef, error) {
	def := cf.EndpointDef{
		Name:        h.Name,
		Method:      deref(h.Method),
		Path:        deref(h.Path),
		Headers:     h.Headers,
		Cookies:     h.Cookies,
		Description: deref(h.Description),
		Tags:        h.Tags,
	}
	var err error
	if h.HeaderMode != nil {
		if def.HeaderMode, err = cf.ParseMergeMode(*h.HeaderMode); err != nil {
			return def, err
		}
	}
	if h.CookieMode != nil {
		if def.CookieMode, err = cf.ParseMergeMode(*h.CookieMode); err != nil {
			return def, err
		}
	}
	if h.Timeout != nil {
		timeout, err := duration(h.Timeout)
		if err != nil {
			return def, fmt.Errorf("timeout: %w", err)
		}
		def.Timeout = cf.Some(timeout)
	}
	if h.Retries != nil {
		def.Retries = cf.Some(*h.Retries)
	}
	if len(h.Params) != 0 {
		def.Payload = &cf.Schema{}
		for _, p := range h.Params {
			param, err := p.param()
			if err != nil {
				return def, fmt.Errorf("param %s: %w", p.Name, err)
			}
			def.Payload.Params = append(def.Payload.Params, param)
		}
	}
	return def, nil
}

func (h *hclParam) param() (cf.Param, error) {
	p := cf.Param{
		Name:          h.Name,
		Source:        deref(h.Source),
		Target:        deref(h.Target),
		Required:      deref(h.Required),
		KeysAsChoices: deref(h.KeysAsChoices),
	}
	var err error
	if h.Default != nil {
		if p.Default, err = native(*h.Default); err != nil {
			return p, fmt.Errorf("default: %w", err)
		}
	}
	if h.Choices != nil {
		v, err := native(*h.Choices)
		if err != nil {
			return p, fmt.Errorf("choices: %w", err)
		}
		list, ok := v.([]any)
		if !ok && v != nil {
			return p, fmt.Errorf("choices: want a list, got %T", v)
		}
		p.Choices = list
	}
	if h.Mapping != nil {
		v, err := native(*h.Mapping)
		if err != nil {
			return p, fmt.Errorf("mapping: %w", err)
		}
		m, ok := v.(map[string]any)
		if !ok && v != nil {
			return p, fmt.Errorf("mapping: want an object, got %T", v)
		}
		p.Mapping = m
	}
	return p, nil
}
