// Package backends holds protocol formatters for requests built by bound
// methods. A backend is set as ClientDef.Backend or ResourceDef.Backend.
package backends

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	cf "github.com/starius/clientfactory"
)

// GraphQL sends the payload of a call as the variables of one query.
type GraphQL struct {
	Query         string
	OperationName string
	// RaiseErrors turns a non-empty "errors" member of the response into
	// an error.
	RaiseErrors bool
	// UnwrapData replaces the response body with its "data" member.
	UnwrapData bool
}

// GraphQLError is one entry of the "errors" member of a response.
type GraphQLError struct {
	Message string         `json:"message"`
	Path    []any          `json:"path,omitempty"`
	Ext     map[string]any `json:"extensions,omitempty"`
}

// GraphQLErrors is returned by Parse when RaiseErrors is set.
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Message
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

type graphQLResponse struct {
	Data   any           `json:"data"`
	Errors GraphQLErrors `json:"errors"`
}

// Format moves body and query values into the variables and posts the
// query.
func (g *GraphQL) Format(ctx context.Context, req *cf.Request) (*cf.Request, error) {
	if g.Query == "" {
		return nil, fmt.Errorf("graphql: empty query")
	}
	variables := make(map[string]any)
	for k, vs := range req.Query() {
		if len(vs) == 1 {
			variables[k] = vs[0]
		} else {
			variables[k] = vs
		}
	}
	maps.Copy(variables, req.Body())

	body := map[string]any{
		"query":     g.Query,
		"variables": variables,
	}
	if g.OperationName != "" {
		body["operationName"] = g.OperationName
	}
	out := req.WithMethod(http.MethodPost)
	for k := range req.Query() {
		out = out.WithoutQuery(k)
	}
	return out.WithBody(body), nil
}

func (g *GraphQL) Parse(ctx context.Context, res *cf.Response) (*cf.Response, error) {
	if !g.RaiseErrors && !g.UnwrapData {
		return res, nil
	}
	var decoded graphQLResponse
	if err := res.JSON(&decoded); err != nil {
		return nil, fmt.Errorf("graphql: decoding response: %w", err)
	}
	if g.RaiseErrors && len(decoded.Errors) != 0 {
		return nil, decoded.Errors
	}
	if !g.UnwrapData {
		return res, nil
	}
	data, err := sonic.ConfigStd.Marshal(decoded.Data)
	if err != nil {
		return nil, fmt.Errorf("graphql: encoding data: %w", err)
	}
	return res.WithBody(data), nil
}
