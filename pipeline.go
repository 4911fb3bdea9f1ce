package clientfactory

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	apierrors "github.com/starius/clientfactory/errors"
	"github.com/starius/clientfactory/internal/pathtmpl"
)

// Keyword names that shape the request instead of feeding the payload.
const (
	KeyHeaders = "headers"
	KeyCookies = "cookies"
	KeyParams  = "params"
	KeyTimeout = "timeout"
	KeyData    = "data"

	// PathPrefix qualifies a keyword as a path parameter, e.g. "path.id".
	PathPrefix = "path."
)

// shaping holds the request-shaping keywords of one call.
type shaping struct {
	headers map[string]string
	cookies map[string]string
	params  map[string]any
	timeout Opt[time.Duration]
	data    any
	hasData bool
}

func (b *BoundMethod) build(bd binding, positional []any, kwargs Args) (*Request, error) {
	cfg := b.config
	args := kwargs.Clone()
	if args == nil {
		args = Args{}
	}
	if cfg.preprocess != nil {
		processed, err := cfg.preprocess(args)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: preprocess: %w", cfg.name, err)
		}
		args = processed.Clone()
		if args == nil {
			args = Args{}
		}
	}

	template := pathtmpl.Join(bd.owner.Path(), cfg.path)
	path, err := b.substitute(template, positional, args)
	if err != nil {
		return nil, err
	}

	shape, err := b.extractShaping(args)
	if err != nil {
		return nil, err
	}

	data := map[string]any(args)
	if cfg.payload != nil {
		data, err = cfg.payload.Validate(args)
		if err != nil {
			var verr *apierrors.ValidationError
			if errors.As(err, &verr) {
				verr.Endpoint = cfg.name
			}
			return nil, err
		}
	}

	req := NewRequest(cfg.method, bd.owner.BaseURL()+path)
	// Keyword data written below replaces params on a clash.
	if len(shape.params) != 0 {
		if req, err = writeQuery(req, shape.params); err != nil {
			return nil, &apierrors.ValidationError{Endpoint: cfg.name, Field: KeyParams, Err: err}
		}
	}
	switch {
	case shape.hasData:
		if HasBody(cfg.method) && len(data) != 0 {
			return nil, apierrors.Configf("endpoint "+cfg.name, KeyData, "raw data given together with body fields %s", strings.Join(sortedKeys(data), ", "))
		}
		if !HasBody(cfg.method) {
			if req, err = writeQuery(req, data); err != nil {
				return nil, &apierrors.ValidationError{Endpoint: cfg.name, Err: err}
			}
		}
		if req, err = withData(req, shape.data); err != nil {
			return nil, apierrors.Configf("endpoint "+cfg.name, KeyData, "%v", err)
		}
	case HasBody(cfg.method):
		if len(data) != 0 {
			req = req.WithBody(data)
		}
	default:
		if req, err = writeQuery(req, data); err != nil {
			return nil, &apierrors.ValidationError{Endpoint: cfg.name, Err: err}
		}
	}

	headers := overlay(bd.session.Headers(), cfg.headers, cfg.headerMode)
	maps.Copy(headers, shape.headers)
	cookies := overlay(bd.session.Cookies(), cfg.cookies, cfg.cookieMode)
	maps.Copy(cookies, shape.cookies)
	req = req.WithHeaders(headers).WithCookies(cookies)

	timeout := cfg.timeout.Or(bd.session.Timeout())
	if t, ok := shape.timeout.Get(); ok {
		timeout = t
	}
	req = req.WithTimeout(timeout).WithRetries(cfg.retries.Or(bd.session.Retries()))

	if cfg.postprocess != nil {
		if req, err = cfg.postprocess(req); err != nil {
			return nil, fmt.Errorf("endpoint %s: postprocess: %w", cfg.name, err)
		}
	}
	return req, nil
}

// substitute fills the path template and consumes the keywords used for it.
//
// Positional arguments fill slots left to right. A slot left empty reads
// the qualified keyword "path.<name>" first, then the unqualified
// keyword. An unqualified keyword also declared by the payload schema
// stays in the payload.
func (b *BoundMethod) substitute(template string, positional []any, args Args) (string, error) {
	cfg := b.config
	keys, err := pathtmpl.Keys(template)
	if err != nil {
		return "", apierrors.Configf("endpoint "+cfg.name, "path", "%v", err)
	}

	values := make(map[string]string, len(keys))
	for i, key := range keys {
		qualified := PathPrefix + key
		qv, hasQualified := args[qualified]
		uv, hasPlain := args[key]
		declared := cfg.payload != nil && cfg.payload.Declares(key)

		var v any
		switch {
		case i < len(positional):
			v = positional[i]
			delete(args, qualified)
			if hasPlain && !declared {
				delete(args, key)
			}
		case hasQualified && hasPlain && !declared:
			return "", apierrors.Configf("endpoint "+cfg.name, key, "path parameter given both as %q and %q", qualified, key)
		case hasQualified:
			v = qv
			delete(args, qualified)
		case hasPlain && declared:
			v = uv
		case hasPlain:
			v = uv
			delete(args, key)
		}
		if v == nil {
			continue
		}
		s, err := formatValue(v)
		if err != nil {
			return "", &apierrors.ValidationError{Endpoint: cfg.name, Field: key, Value: v, Err: err}
		}
		values[key] = s
	}

	for _, k := range sortedKeys(args) {
		if strings.HasPrefix(k, PathPrefix) {
			return "", apierrors.Configf("endpoint "+cfg.name, k, "no path parameter %q in %q", strings.TrimPrefix(k, PathPrefix), template)
		}
	}

	path, err := pathtmpl.Build(template, values)
	if err != nil {
		var missing *pathtmpl.MissingError
		if errors.As(err, &missing) {
			return "", &apierrors.PathSubstitutionError{Endpoint: cfg.name, Param: missing.Key, Path: template}
		}
		return "", apierrors.Configf("endpoint "+cfg.name, "path", "%v", err)
	}
	return path, nil
}

func (b *BoundMethod) extractShaping(args Args) (shaping, error) {
	var s shaping
	component := "endpoint " + b.config.name
	var err error
	if v, ok := args[KeyHeaders]; ok {
		delete(args, KeyHeaders)
		if v != nil {
			if s.headers, err = stringMap(v); err != nil {
				return s, apierrors.Configf(component, KeyHeaders, "%v", err)
			}
		}
	}
	if v, ok := args[KeyCookies]; ok {
		delete(args, KeyCookies)
		if v != nil {
			if s.cookies, err = stringMap(v); err != nil {
				return s, apierrors.Configf(component, KeyCookies, "%v", err)
			}
		}
	}
	if v, ok := args[KeyParams]; ok {
		delete(args, KeyParams)
		if v != nil {
			if s.params, err = queryOf(v); err != nil {
				return s, apierrors.Configf(component, KeyParams, "%v", err)
			}
		}
	}
	if v, ok := args[KeyTimeout]; ok {
		delete(args, KeyTimeout)
		if v != nil {
			timeout, err := durationOf(v)
			if err != nil {
				return s, apierrors.Configf(component, KeyTimeout, "%v", err)
			}
			s.timeout = Some(timeout)
		}
	}
	if v, ok := args[KeyData]; ok {
		delete(args, KeyData)
		if v != nil {
			s.data, s.hasData = v, true
		}
	}
	return s, nil
}

// durationOf accepts a time.Duration or a number of seconds.
func durationOf(v any) (time.Duration, error) {
	var d time.Duration
	switch x := v.(type) {
	case time.Duration:
		d = x
	case int:
		d = time.Duration(x) * time.Second
	case int64:
		d = time.Duration(x) * time.Second
	case float64:
		d = time.Duration(x * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return 0, err
		}
		d = parsed
	default:
		return 0, fmt.Errorf("%T is not a duration", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %s", d)
	}
	return d, nil
}

// withData sets the raw body. Bytes and strings are sent as is, other
// values are encoded as JSON.
func withData(req *Request, data any) (*Request, error) {
	switch x := data.(type) {
	case []byte:
		return req.WithRawBody("", x), nil
	case string:
		return req.WithRawBody("text/plain; charset=UTF-8", []byte(x)), nil
	}
	encoded, err := sonic.ConfigStd.Marshal(data)
	if err != nil {
		return nil, err
	}
	return req.WithRawBody("application/json; charset=UTF-8", encoded), nil
}

// overlay combines session defaults with method values. Method values
// only take effect when present.
func overlay(defaults, method map[string]string, mode MergeMode) map[string]string {
	out := maps.Clone(defaults)
	if out == nil {
		out = make(map[string]string)
	}
	if len(method) == 0 {
		return out
	}
	switch mode {
	case Merge:
		maps.Copy(out, method)
	case Overwrite:
		out = maps.Clone(method)
	case Ignore:
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
