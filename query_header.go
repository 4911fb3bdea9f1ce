package clientfactory

import (
	"encoding"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
)

// formatValue renders one path, query, header or cookie value.
func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case encoding.TextMarshaler:
		valueBytes, err := x.MarshalText()
		if err != nil {
			return "", fmt.Errorf("failed to marshal value %v: %w", v, err)
		}
		return string(valueBytes), nil
	}
	return fmt.Sprintf("%v", v), nil
}

// formatValues renders a query value. Slices become repeated parameters.
func formatValues(v any) ([]string, error) {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...), nil
	case []byte:
		return []string{string(x)}, nil
	case encoding.TextMarshaler:
		s, err := formatValue(x)
		return []string{s}, err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		s, err := formatValue(v)
		return []string{s}, err
	}
	values := make([]string, rv.Len())
	for i := range values {
		s, err := formatValue(rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		values[i] = s
	}
	return values, nil
}

// writeQuery sets every non-nil entry of data as a query parameter.
func writeQuery(req *Request, data map[string]any) (*Request, error) {
	keys := make([]string, 0, len(data))
	for k, v := range data {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		values, err := formatValues(data[k])
		if err != nil {
			return nil, fmt.Errorf("query parameter %s: %w", k, err)
		}
		req = req.WithQuery(k, values...)
	}
	return req, nil
}

// queryOf accepts the shapes allowed for the params keyword.
func queryOf(v any) (map[string]any, error) {
	switch x := v.(type) {
	case map[string]any:
		return x, nil
	case Args:
		return x, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out, nil
	case url.Values:
		out := make(map[string]any, len(x))
		for k, vs := range x {
			out[k] = vs
		}
		return out, nil
	}
	return nil, fmt.Errorf("%T is not a map of query parameters", v)
}

// stringMap accepts the shapes allowed for the headers and cookies keywords.
func stringMap(v any) (map[string]string, error) {
	switch x := v.(type) {
	case map[string]string:
		return x, nil
	case http.Header:
		out := make(map[string]string, len(x))
		for k := range x {
			out[k] = x.Get(k)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(x))
		for k, item := range x {
			s, err := formatValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%T is not a map of strings", v)
}
