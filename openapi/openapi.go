// Package openapi exports client declarations as an OpenAPI 3 document.
package openapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"

	cf "github.com/starius/clientfactory"
	apierrors "github.com/starius/clientfactory/errors"
	"github.com/starius/clientfactory/internal/pathtmpl"
)

// Version is written to info.version.
const Version = "1.0.0"

type describer struct {
	doc  *openapi3.T
	seen map[string]string
}

// Describe builds a document with one operation per endpoint. Operation
// ids are the dotted endpoint names used by Client.Lookup.
func Describe(def cf.ClientDef) (*openapi3.T, error) {
	d := &describer{
		doc: &openapi3.T{
			OpenAPI: "3.0.0",
			Info: &openapi3.Info{
				Title:   def.Name,
				Version: Version,
			},
			Paths: openapi3.Paths{},
		},
		seen: make(map[string]string),
	}
	if def.BaseURL != "" {
		d.doc.Servers = openapi3.Servers{{URL: strings.TrimRight(def.BaseURL, "/")}}
	}
	if err := d.endpoints("", "", "", def.Endpoints); err != nil {
		return nil, err
	}
	if err := d.resources("", "", "", def.Resources); err != nil {
		return nil, err
	}
	return d.doc, nil
}

func (d *describer) resources(prefix, idPrefix, tag string, list []cf.ResourceDef) error {
	for _, res := range list {
		path := res.Path
		if path == "" {
			path = res.Name
		}
		resTag := tag
		if resTag == "" {
			resTag = res.Name
		}
		full := pathtmpl.Join(prefix, path)
		id := idPrefix + res.Name + "."
		endpoints, err := res.AllEndpoints()
		if err != nil {
			return err
		}
		if err := d.endpoints(full, id, resTag, endpoints); err != nil {
			return err
		}
		if err := d.resources(full, id, resTag, res.Resources); err != nil {
			return err
		}
	}
	return nil
}

func (d *describer) endpoints(prefix, idPrefix, tag string, list []cf.EndpointDef) error {
	for _, ep := range list {
		id := idPrefix + ep.Name
		cfg, err := cf.NewMethodConfig(ep)
		if err != nil {
			return err
		}
		path, err := pathtmpl.OpenAPI(pathtmpl.Join(prefix, cfg.Path()))
		if err != nil {
			return apierrors.Configf("endpoint "+id, "path", "%v", err)
		}
		if path == "" {
			path = "/"
		}
		key := cfg.Method() + " " + path
		if other, dup := d.seen[key]; dup {
			return apierrors.Configf("endpoint "+id, "path", "%s is also served by %s", key, other)
		}
		d.seen[key] = id

		op, err := operation(cfg, id, prefix)
		if err != nil {
			return err
		}
		if tag != "" {
			op.Tags = append(op.Tags, tag)
		}
		op.Tags = append(op.Tags, cfg.Tags()...)

		item := d.doc.Paths.Find(path)
		if item == nil {
			item = &openapi3.PathItem{}
			d.doc.Paths[path] = item
		}
		item.SetOperation(cfg.Method(), op)
	}
	return nil
}

func operation(cfg *cf.MethodConfig, id, prefix string) (*openapi3.Operation, error) {
	op := openapi3.NewOperation()
	op.OperationID = id
	op.Summary = cfg.Description()

	keys, err := pathtmpl.Keys(pathtmpl.Join(prefix, cfg.Path()))
	if err != nil {
		return nil, apierrors.Configf("endpoint "+id, "path", "%v", err)
	}
	for _, key := range keys {
		p := openapi3.NewPathParameter(key).WithSchema(openapi3.NewStringSchema())
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: p})
	}

	if payload := cfg.Payload(); payload != nil {
		if cf.HasBody(cfg.Method()) {
			schema := payload.OpenAPI
			if schema == nil {
				schema = objectSchema(payload, keys)
			}
			body := openapi3.NewRequestBody().WithJSONSchema(schema).WithRequired(len(schema.Required) != 0)
			op.RequestBody = &openapi3.RequestBodyRef{Value: body}
		} else {
			for _, p := range payload.Params {
				if isPathKey(p, keys) {
					continue
				}
				q := openapi3.NewQueryParameter(target(p)).WithSchema(paramSchema(p)).WithRequired(p.Required)
				op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: q})
			}
		}
	}

	if op.Responses == nil {
		op.Responses = openapi3.NewResponses()
	}
	description := "response"
	resp := openapi3.NewResponse()
	resp.Description = &description
	resp.Content = openapi3.NewContentWithJSONSchema(openapi3.NewObjectSchema())
	op.AddResponse(http.StatusOK, resp)
	return op, nil
}

func target(p cf.Param) string {
	if p.Target != "" {
		return p.Target
	}
	return p.Name
}

// isPathKey reports a payload parameter that also fills a path slot.
func isPathKey(p cf.Param, keys []string) bool {
	for _, k := range keys {
		if k == p.Name {
			return true
		}
	}
	return false
}

func objectSchema(payload *cf.Schema, keys []string) *openapi3.Schema {
	schema := openapi3.NewObjectSchema()
	for _, p := range payload.Params {
		if isPathKey(p, keys) {
			continue
		}
		schema.WithProperty(target(p), paramSchema(p))
		if p.Required {
			schema.Required = append(schema.Required, target(p))
		}
	}
	sort.Strings(schema.Required)
	return schema
}

// paramSchema infers a schema from the values a parameter accepts.
func paramSchema(p cf.Param) *openapi3.Schema {
	sample := p.Default
	values := p.Values()
	if sample == nil && len(values) != 0 {
		sample = values[0]
	}
	var schema *openapi3.Schema
	switch sample.(type) {
	case string:
		schema = openapi3.NewStringSchema()
	case int, int32, int64:
		schema = openapi3.NewIntegerSchema()
	case float32, float64:
		schema = openapi3.NewFloat64Schema()
	case bool:
		schema = openapi3.NewBoolSchema()
	case []any, []string:
		schema = openapi3.NewArraySchema()
	default:
		schema = &openapi3.Schema{}
	}
	if len(values) != 0 {
		schema.Enum = values
	}
	schema.Default = p.Default
	return schema
}

// WriteJSON writes doc as indented JSON.
func WriteJSON(w io.Writer, doc *openapi3.T) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}

// WriteYAML writes doc as YAML keeping the JSON field names.
func WriteYAML(w io.Writer, doc *openapi3.T) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("converting to yaml: %w", err)
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle drops the flow style the JSON input left on every node.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
