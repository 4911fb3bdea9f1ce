package clientfactory

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/getkin/kin-openapi/openapi3"

	apierrors "github.com/starius/clientfactory/errors"
)

// Param declares one payload field.
type Param struct {
	Name string
	// Source is the keyword read from the call, defaults to Name.
	Source string
	// Target is the key written to the request, defaults to Name.
	Target   string
	Required bool
	Default  any
	Choices  []any
	// Mapping translates accepted values. With KeysAsChoices the caller
	// passes keys and the mapped values are sent; otherwise the caller
	// passes the values directly.
	Mapping       map[string]any
	KeysAsChoices bool
	Transform     func(any) (any, error)
}

func (p Param) source() string {
	if p.Source != "" {
		return p.Source
	}
	return p.Name
}

func (p Param) target() string {
	if p.Target != "" {
		return p.Target
	}
	return p.Name
}

// MappingKeys returns the keys of Mapping in sorted order.
func (p Param) MappingKeys() []string {
	keys := make([]string, 0, len(p.Mapping))
	for k := range p.Mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values lists the values a caller may pass: mapping keys or values,
// or choices. Nil when the parameter is unconstrained.
func (p Param) Values() []any {
	if p.Mapping != nil {
		keys := p.MappingKeys()
		out := make([]any, len(keys))
		for i, k := range keys {
			if p.KeysAsChoices {
				out[i] = k
			} else {
				out[i] = p.Mapping[k]
			}
		}
		return out
	}
	if len(p.Choices) != 0 {
		return append([]any(nil), p.Choices...)
	}
	return nil
}

// Schema validates and transforms the keyword data of a call.
// Keys not declared by any Param are dropped.
type Schema struct {
	Params []Param
	// OpenAPI, when set, validates the transformed payload.
	OpenAPI *openapi3.Schema
}

// Param returns the parameter read from keyword name.
func (s *Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.source() == name {
			return p, true
		}
	}
	return Param{}, false
}

// Declares reports whether keyword name feeds the payload.
func (s *Schema) Declares(name string) bool {
	_, ok := s.Param(name)
	return ok
}

// Names returns the keyword names read by the schema.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Params))
	for i, p := range s.Params {
		names[i] = p.source()
	}
	return names
}

func (s *Schema) check() error {
	sources := make(map[string]bool, len(s.Params))
	targets := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		if p.Name == "" {
			return errors.New("payload parameter without a name")
		}
		if sources[p.source()] {
			return fmt.Errorf("payload parameter %q is read twice", p.source())
		}
		if targets[p.target()] {
			return fmt.Errorf("payload parameter %q is written twice", p.target())
		}
		sources[p.source()] = true
		targets[p.target()] = true
		if p.Default != nil {
			if _, err := p.accept(p.Default); err != nil {
				return fmt.Errorf("default of %q: %w", p.Name, err)
			}
		}
	}
	return nil
}

func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(values []any, v any) bool {
	for _, c := range values {
		if sameValue(c, v) {
			return true
		}
	}
	return false
}

func (p Param) accept(v any) (any, error) {
	if p.Mapping != nil {
		if p.KeysAsChoices {
			mapped, ok := p.Mapping[fmt.Sprint(v)]
			if !ok {
				return nil, fmt.Errorf("%v is not one of %s", v, strings.Join(p.MappingKeys(), ", "))
			}
			v = mapped
		} else if !contains(p.Values(), v) {
			return nil, fmt.Errorf("%v is not one of %v", v, p.Values())
		}
	}
	if len(p.Choices) != 0 && !contains(p.Choices, v) {
		return nil, fmt.Errorf("%v is not one of %v", v, p.Choices)
	}
	return v, nil
}

// Validate returns the payload built from data.
func (s *Schema) Validate(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		v, ok := data[p.source()]
		if !ok || v == nil {
			switch {
			case p.Default != nil:
				v = p.Default
			case p.Required:
				return nil, &apierrors.ValidationError{Field: p.source(), Err: errors.New("required")}
			default:
				continue
			}
		}
		in := v
		v, err := p.accept(in)
		if err != nil {
			return nil, &apierrors.ValidationError{Field: p.source(), Value: in, Err: err}
		}
		if p.Transform != nil {
			if v, err = p.Transform(v); err != nil {
				return nil, &apierrors.ValidationError{Field: p.source(), Value: in, Err: err}
			}
		}
		out[p.target()] = v
	}

	if s.OpenAPI != nil {
		if err := s.visitOpenAPI(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Schema) visitOpenAPI(payload map[string]any) error {
	encoded, err := sonic.Marshal(payload)
	if err != nil {
		return &apierrors.ValidationError{Err: err}
	}
	var generic any
	if err := sonic.Unmarshal(encoded, &generic); err != nil {
		return &apierrors.ValidationError{Err: err}
	}
	err = s.OpenAPI.VisitJSON(generic)
	if err == nil {
		return nil
	}
	verr := &apierrors.ValidationError{Err: err}
	var serr *openapi3.SchemaError
	if errors.As(err, &serr) {
		verr.Field = strings.Join(serr.JSONPointer(), ".")
		verr.Value = serr.Value
		verr.Err = errors.New(serr.Reason)
	}
	return verr
}
