package pathtmpl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifier(t *testing.T) {
	cl := NewClassifier([]string{
		"/users",
		"/users/{user}",
		"/users/:user/posts",
		"/users/{user}/posts/{post}",
	})

	cases := []struct {
		url             string
		wantIndex       int
		wantParam2value map[string]string
	}{
		{
			url:             "/users",
			wantIndex:       0,
			wantParam2value: map[string]string{},
		},
		{
			url:       "/users2",
			wantIndex: -1,
		},
		{
			url:             "/users/123/",
			wantIndex:       1,
			wantParam2value: map[string]string{"user": "123"},
		},
		{
			url:       "/users/123/test",
			wantIndex: -1,
		},
		{
			url:             "/users/123/posts",
			wantIndex:       2,
			wantParam2value: map[string]string{"user": "123"},
		},
		{
			url:             "/users/a%20b/posts/456-789",
			wantIndex:       3,
			wantParam2value: map[string]string{"user": "a b", "post": "456-789"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			gotIndex, gotParam2value := cl.Classify(tc.url)
			require.Equal(t, tc.wantIndex, gotIndex)
			require.Equal(t, tc.wantParam2value, gotParam2value)
		})
	}
}

func TestSplitUrl(t *testing.T) {
	cases := []struct {
		url  string
		want []string
	}{
		{url: "/foo", want: []string{"foo"}},
		{url: "//foo", want: []string{"foo"}},
		{url: "/foo/bar/", want: []string{"foo", "bar"}},
		{url: "/foo/bar//", want: []string{"foo", "bar"}},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			require.Equal(t, tc.want, splitUrl(tc.url))
		})
	}
}

func TestKeys(t *testing.T) {
	cases := []struct {
		mask    string
		want    []string
		wantErr bool
	}{
		{mask: "/", want: nil},
		{mask: "/foo", want: nil},
		{mask: "/:foo/", want: []string{"foo"}},
		{mask: "/bar/{foo}/zoo/:baz", want: []string{"foo", "baz"}},
		{mask: "/files/{name}.{ext}", want: []string{"name", "ext"}},
		{mask: "/a/{id}/b/{id}", want: []string{"id"}},
		{mask: "/a/{id", wantErr: true},
		{mask: "/a/id}", wantErr: true},
		{mask: "/a/{}", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.mask, func(t *testing.T) {
			got, err := Keys(tc.mask)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestBuild(t *testing.T) {
	got, err := Build("/users/{user}/files/{name}.json", map[string]string{
		"user": "42",
		"name": "a b/c",
	})
	require.NoError(t, err)
	require.Equal(t, "/users/42/files/a%20b%2Fc.json", got)

	got, err = Build("/users/:user", map[string]string{"user": "7"})
	require.NoError(t, err)
	require.Equal(t, "/users/7", got)

	_, err = Build("/users/{user}", nil)
	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, "user", missing.Key)
}

func TestJoin(t *testing.T) {
	require.Equal(t, "/users/{id}", Join("", "/users/", "{id}"))
	require.Equal(t, "/a/b", Join("a", "", "/b/"))
	require.Equal(t, "", Join("", "/"))
}

func TestOpenAPI(t *testing.T) {
	got, err := OpenAPI("/users/:user/posts/{post}")
	require.NoError(t, err)
	require.Equal(t, "/users/{user}/posts/{post}", got)
}
