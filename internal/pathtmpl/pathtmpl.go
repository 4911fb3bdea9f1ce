// Package pathtmpl parses and fills URL path templates.
//
// A template is a slash separated path whose parameters are written either
// as `{name}` (anywhere inside a segment) or as a whole `:name` segment.
package pathtmpl

import (
	"fmt"
	"net/url"
	"strings"
)

// MissingError is returned by Build when a parameter has no value.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("no value for parameter %q", e.Key)
}

type token struct {
	text  string
	param bool
}

func parse(tmpl string) ([]token, error) {
	var tokens []token
	segments := strings.Split(tmpl, "/")
	for i, segment := range segments {
		if i > 0 {
			tokens = append(tokens, token{text: "/"})
		}
		if len(segment) > 1 && strings.HasPrefix(segment, ":") {
			tokens = append(tokens, token{text: segment[1:], param: true})
			continue
		}
		for segment != "" {
			open := strings.IndexAny(segment, "{}")
			if open == -1 {
				tokens = append(tokens, token{text: segment})
				break
			}
			if segment[open] == '}' {
				return nil, fmt.Errorf("unexpected '}' in %q", tmpl)
			}
			if open > 0 {
				tokens = append(tokens, token{text: segment[:open]})
			}
			rest := segment[open+1:]
			end := strings.IndexAny(rest, "{}")
			if end == -1 || rest[end] != '}' {
				return nil, fmt.Errorf("unclosed '{' in %q", tmpl)
			}
			name := strings.TrimSpace(rest[:end])
			if name == "" {
				return nil, fmt.Errorf("empty parameter name in %q", tmpl)
			}
			tokens = append(tokens, token{text: name, param: true})
			segment = rest[end+1:]
		}
	}
	return tokens, nil
}

// Validate checks that tmpl is well formed.
func Validate(tmpl string) error {
	_, err := parse(tmpl)
	return err
}

// Keys returns parameter names in order of first appearance.
func Keys(tmpl string) ([]string, error) {
	tokens, err := parse(tmpl)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, t := range tokens {
		if !t.param {
			continue
		}
		if _, has := seen[t.text]; has {
			continue
		}
		seen[t.text] = struct{}{}
		keys = append(keys, t.text)
	}
	return keys, nil
}

// Build fills tmpl with values. Values are path escaped.
func Build(tmpl string, param2value map[string]string) (string, error) {
	tokens, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range tokens {
		if !t.param {
			b.WriteString(t.text)
			continue
		}
		value, has := param2value[t.text]
		if !has {
			return "", &MissingError{Key: t.text}
		}
		b.WriteString(url.PathEscape(value))
	}
	return b.String(), nil
}

// OpenAPI rewrites `:name` segments into `{name}` form.
func OpenAPI(tmpl string) (string, error) {
	tokens, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range tokens {
		if t.param {
			b.WriteString("{" + t.text + "}")
		} else {
			b.WriteString(t.text)
		}
	}
	return b.String(), nil
}

// Join concatenates path pieces with exactly one slash between
// non-empty pieces. The result starts with a slash unless empty.
func Join(parts ...string) string {
	var kept []string
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return "/" + strings.Join(kept, "/")
}

func splitUrl(url string) []string {
	parts := strings.Split(url, "/")
	for len(parts) > 0 && parts[0] == "" {
		parts = parts[1:]
	}
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Classifier matches request paths against a list of templates.
// Only whole-segment parameters are supported.
type Classifier struct {
	maskPartsArray [][]string
	paramsArray    [][]bool
}

func wholeParam(part string) (string, bool) {
	if len(part) > 1 && strings.HasPrefix(part, ":") {
		return part[1:], true
	}
	if len(part) > 2 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
		return part[1 : len(part)-1], true
	}
	return part, false
}

// NewClassifier compiles masks.
func NewClassifier(masks []string) *Classifier {
	c := &Classifier{
		maskPartsArray: make([][]string, 0, len(masks)),
		paramsArray:    make([][]bool, 0, len(masks)),
	}
	for _, mask := range masks {
		parts := splitUrl(mask)
		params := make([]bool, len(parts))
		for i, part := range parts {
			parts[i], params[i] = wholeParam(part)
		}
		c.maskPartsArray = append(c.maskPartsArray, parts)
		c.paramsArray = append(c.paramsArray, params)
	}
	return c
}

func match(pathParts, maskParts []string, params []bool) (bool, map[string]string) {
	if len(pathParts) != len(maskParts) {
		return false, nil
	}
	for i := range pathParts {
		if !params[i] && pathParts[i] != maskParts[i] {
			return false, nil
		}
	}
	param2value := make(map[string]string)
	for i := range pathParts {
		if !params[i] {
			continue
		}
		value, err := url.PathUnescape(pathParts[i])
		if err != nil {
			value = pathParts[i]
		}
		param2value[maskParts[i]] = value
	}
	return true, param2value
}

// Classify returns index of matching mask (-1 if not found) and parameters map.
func (c *Classifier) Classify(path string) (index int, param2value map[string]string) {
	pathParts := splitUrl(path)
	for i, maskParts := range c.maskPartsArray {
		ok, param2value := match(pathParts, maskParts, c.paramsArray[i])
		if ok {
			return i, param2value
		}
	}
	return -1, nil
}
