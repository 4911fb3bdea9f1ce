/*
Package clientfactory builds HTTP API clients from declarations.

A client is declared as a tree of values: the client itself, its
resources and their endpoints. Every component the client needs to talk
to the server (engine, session, auth, persistence, backend) is declared
in a slot of the tree either as a nested definition, as a ready value or
as a Factory called once per resolution.

	def := clientfactory.ClientDef{
		Name:    "shop",
		BaseURL: "https://shop.example.com/api",
		Session: &clientfactory.SessionDef{
			Headers: map[string]string{"Accept": "application/json"},
			Timeout: 10 * time.Second,
			Auth:    auth.Bearer{Token: token},
		},
		Resources: []clientfactory.ResourceDef{
			{
				Name: "items",
				Endpoints: []clientfactory.EndpointDef{
					{Name: "list"},
					{Name: "get", Path: "{id}"},
					{
						Name:   "create",
						Method: http.MethodPost,
						Payload: &clientfactory.Schema{Params: []clientfactory.Param{
							{Name: "name", Required: true},
							{Name: "price", Target: "price_cents", Default: 0},
						}},
					},
				},
			},
		},
	}

New resolves the declaration once into a live graph and returns the
client. Each endpoint becomes a BoundMethod bound to the resource that
owns it:

	client, err := clientfactory.New(def)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Resource("items").Call(ctx, "get", nil, 42)

Keyword arguments are validated by the payload schema of the endpoint.
For GET, HEAD, OPTIONS and DELETE they are sent in the query string,
for other verbs in a JSON body. Keys not declared by the schema are
dropped. Path parameters are filled from positional arguments first,
then from keywords qualified as "path.<name>", then from unqualified
keywords. A few keywords shape the request instead of the payload:
headers, cookies, params, timeout and data.

A resource can also generate common endpoints: CRUD adds create, read,
update, delete and list, Search and View add a single search or view
endpoint. Endpoints declared under the same name are kept instead.

Headers and cookies are layered: session defaults, then the values of
the endpoint according to its MergeMode, then the values of the call.

A request can be built without sending it:

	bm, _ := client.Lookup("items.create")
	req, err := bm.Prepare(ctx, nil, clientfactory.Args{"name": "pen"})
	res, err := bm.Dispatch(ctx, req)

Components of the resolved graph can be found with Find and Lookup.
Find searches a subtree breadth-first and reports ambiguity when several
components of the kind share the shallowest depth. Lookup returns the
component serving a node: the nearest one owned by the node or by its
ancestors.

Subpackages add the rest: iterate runs a method repeatedly over
parameter cycles with break conditions, mixer chains capabilities on a
bound method, auth and backends provide common collaborators, persist
keeps session state between runs, declhcl reads declarations from HCL
files and openapi exports them as an OpenAPI document.
*/
package clientfactory
