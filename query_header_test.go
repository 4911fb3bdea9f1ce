package clientfactory

import (
	"bytes"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// CustomType is an integer encoded as a number of "|".
type CustomType int

func (c CustomType) MarshalText() (text []byte, err error) {
	return bytes.Repeat([]byte("|"), int(c)), nil
}

func TestFormatValues(t *testing.T) {
	cases := []struct {
		value any
		want  []string
	}{
		{value: "foo 12\n3", want: []string{"foo 12\n3"}},
		{value: 100, want: []string{"100"}},
		{value: true, want: []string{"true"}},
		{value: 1.5, want: []string{"1.5"}},
		{value: CustomType(3), want: []string{"|||"}},
		{value: []int{1, 2}, want: []string{"1", "2"}},
		{value: []any{"a", CustomType(1)}, want: []string{"a", "|"}},
		{value: []byte("raw"), want: []string{"raw"}},
	}

	for _, tc := range cases {
		got, err := formatValues(tc.value)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestWriteQuery(t *testing.T) {
	req, err := writeQuery(NewRequest(http.MethodGet, "http://example.com"), map[string]any{
		"b":    []string{"x", "y"},
		"a":    1,
		"skip": nil,
	})
	require.NoError(t, err)
	require.Equal(t, url.Values{"a": {"1"}, "b": {"x", "y"}}, req.Query())
}

func TestStringMap(t *testing.T) {
	got, err := stringMap(http.Header{"X-Foo": {"1", "2"}})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"X-Foo": "1"}, got)

	got, err = stringMap(map[string]any{"n": 5})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"n": "5"}, got)

	_, err = stringMap([]string{"x"})
	require.Error(t, err)
}
