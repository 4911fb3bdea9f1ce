package clientfactory

import (
	"maps"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/starius/clientfactory/errors"
	"github.com/starius/clientfactory/internal/pathtmpl"
)

// MethodConfig is the immutable, validated form of an EndpointDef.
type MethodConfig struct {
	name        string
	method      string
	path        string
	params      []string
	payload     *Schema
	headers     map[string]string
	headerMode  MergeMode
	cookies     map[string]string
	cookieMode  MergeMode
	timeout     Opt[time.Duration]
	retries     Opt[int]
	preprocess  func(Args) (Args, error)
	postprocess func(*Request) (*Request, error)
	description string
	tags        []string
}

// NewMethodConfig validates def.
func NewMethodConfig(def EndpointDef) (*MethodConfig, error) {
	component := "endpoint " + def.Name
	if def.Name == "" {
		return nil, apierrors.Configf("endpoint", "name", "endpoint has no name")
	}
	method := strings.ToUpper(def.Method)
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := verbs[method]; !ok {
		return nil, apierrors.Configf(component, "method", "unsupported HTTP method %q", def.Method)
	}
	params, err := pathtmpl.Keys(def.Path)
	if err != nil {
		return nil, apierrors.Configf(component, "path", "%v", err)
	}
	if def.Payload != nil {
		if err := def.Payload.check(); err != nil {
			return nil, apierrors.Configf(component, "payload", "%v", err)
		}
	}
	for _, mode := range []MergeMode{def.HeaderMode, def.CookieMode} {
		if mode < Merge || mode > Ignore {
			return nil, apierrors.Configf(component, "merge mode", "unknown %v", mode)
		}
	}
	if timeout, ok := def.Timeout.Get(); ok && timeout < 0 {
		return nil, apierrors.Configf(component, "timeout", "negative timeout %s", timeout)
	}
	if retries, ok := def.Retries.Get(); ok && retries < 0 {
		return nil, apierrors.Configf(component, "retries", "negative retries %d", retries)
	}
	return &MethodConfig{
		name:        def.Name,
		method:      method,
		path:        def.Path,
		params:      params,
		payload:     def.Payload,
		headers:     maps.Clone(def.Headers),
		headerMode:  def.HeaderMode,
		cookies:     maps.Clone(def.Cookies),
		cookieMode:  def.CookieMode,
		timeout:     def.Timeout,
		retries:     def.Retries,
		preprocess:  def.Preprocess,
		postprocess: def.Postprocess,
		description: def.Description,
		tags:        append([]string(nil), def.Tags...),
	}, nil
}

func (c *MethodConfig) Name() string   { return c.name }
func (c *MethodConfig) Method() string { return c.method }
func (c *MethodConfig) Path() string   { return c.path }

// PathParams returns the parameters of the endpoint's own path template.
func (c *MethodConfig) PathParams() []string { return append([]string(nil), c.params...) }

func (c *MethodConfig) Payload() *Schema              { return c.payload }
func (c *MethodConfig) Headers() map[string]string    { return maps.Clone(c.headers) }
func (c *MethodConfig) HeaderMode() MergeMode         { return c.headerMode }
func (c *MethodConfig) Cookies() map[string]string    { return maps.Clone(c.cookies) }
func (c *MethodConfig) CookieMode() MergeMode         { return c.cookieMode }
func (c *MethodConfig) Timeout() Opt[time.Duration]   { return c.timeout }
func (c *MethodConfig) Retries() Opt[int]             { return c.retries }
func (c *MethodConfig) Description() string           { return c.description }
func (c *MethodConfig) Tags() []string                { return append([]string(nil), c.tags...) }
