package clientfactory

import (
	"net/http"
	"slices"

	apierrors "github.com/starius/clientfactory/errors"
)

// Standard operations accepted by ResourceDef.CRUD.
const (
	OpCreate = "create"
	OpRead   = "read"
	OpUpdate = "update"
	OpDelete = "delete"
	OpList   = "list"
)

var crudOps = map[string]EndpointDef{
	OpCreate: {Name: OpCreate, Method: http.MethodPost},
	OpRead:   {Name: OpRead, Method: http.MethodGet, Path: "{id}"},
	OpUpdate: {Name: OpUpdate, Method: http.MethodPut, Path: "{id}"},
	OpDelete: {Name: OpDelete, Method: http.MethodDelete, Path: "{id}"},
	OpList:   {Name: OpList, Method: http.MethodGet},
}

// AllEndpoints returns the declared endpoints followed by the generated
// ones whose names are still free.
func (d *ResourceDef) AllEndpoints() ([]EndpointDef, error) {
	out := slices.Clone(d.Endpoints)
	taken := make(map[string]bool, len(out))
	for _, e := range out {
		taken[e.Name] = true
	}
	add := func(e EndpointDef) {
		if !taken[e.Name] {
			taken[e.Name] = true
			out = append(out, e)
		}
	}

	for _, op := range d.CRUD {
		e, ok := crudOps[op]
		if !ok {
			return nil, apierrors.Configf("resource "+d.Name, "crud", "unknown operation %q", op)
		}
		add(e)
	}
	if d.Search != nil {
		e := *d.Search
		if e.Name == "" {
			e.Name = "search"
		}
		if e.Method == "" {
			e.Method = http.MethodPost
		}
		add(e)
	}
	if d.View != nil {
		e := *d.View
		if e.Name == "" {
			e.Name = "view"
		}
		if e.Path == "" {
			e.Path = "{id}"
		}
		add(e)
	}
	return out, nil
}
