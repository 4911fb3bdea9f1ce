package clientfactory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	apierrors "github.com/starius/clientfactory/errors"
	"github.com/starius/clientfactory/internal/pathtmpl"
)

// Owner is a component that bound methods belong to: a Client or a Resource.
type Owner interface {
	Name() string
	// Node is nil until the owner is linked into a graph.
	Node() *Node
	BaseURL() string
	// Path is the full path template of the owner relative to the base URL.
	Path() string
}

type ownerKey struct{}

// WithOwner marks ctx as executing on behalf of owner. Unresolved bound
// methods invoked with such a context bind to owner.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner set by WithOwner.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	owner, ok := ctx.Value(ownerKey{}).(Owner)
	return owner, ok
}

// methodSet is the collection of bound methods of one owner.
type methodSet struct {
	names   []string
	methods map[string]*BoundMethod
}

func newMethodSet(component string, endpoints []EndpointDef, logger *slog.Logger) (methodSet, error) {
	set := methodSet{methods: make(map[string]*BoundMethod, len(endpoints))}
	for _, def := range endpoints {
		config, err := NewMethodConfig(def)
		if err != nil {
			return set, err
		}
		bm, err := newUnbound(config, logger)
		if err != nil {
			return set, err
		}
		if err := set.add(component, bm); err != nil {
			return set, err
		}
	}
	return set, nil
}

func (s *methodSet) add(component string, bm *BoundMethod) error {
	name := bm.config.name
	if _, has := s.methods[name]; has {
		return apierrors.Configf(component, name, "duplicate endpoint")
	}
	s.names = append(s.names, name)
	s.methods[name] = bm
	return nil
}

func (s *methodSet) bind(owner Owner) error {
	for _, name := range s.names {
		if err := s.methods[name].ResolveBinding(owner); err != nil {
			return err
		}
	}
	return nil
}

func (s *methodSet) sorted() []string {
	names := append([]string(nil), s.names...)
	sort.Strings(names)
	return names
}

// Client is the live top-level component.
type Client struct {
	name      string
	baseURL   string
	node      *Node
	methods   methodSet
	resources map[string]*Resource
	logger    *slog.Logger
}

// New resolves def into a live client.
func New(def ClientDef, opts ...Option) (*Client, error) {
	node, err := Resolve(&def, opts...)
	if err != nil {
		return nil, err
	}
	return node.Value().(*Client), nil
}

func newClient(def *ClientDef, b *Builder) (*Client, error) {
	baseURL := def.BaseURL
	if b.config.baseURL != "" {
		baseURL = b.config.baseURL
	}
	component := "client " + def.Name
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, apierrors.Configf(component, "base_url", "must start with http:// or https://, got %q", baseURL)
	}
	methods, err := newMethodSet(component, def.Endpoints, b.Logger())
	if err != nil {
		return nil, err
	}
	c := &Client{
		name:      def.Name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		methods:   methods,
		resources: make(map[string]*Resource),
		logger:    b.Logger(),
	}
	for _, child := range b.Children(KindResource) {
		c.resources[child.name] = child.value.(*Resource)
	}
	return c, nil
}

func (c *Client) Link(node *Node) error {
	c.node = node
	return c.methods.bind(c)
}

func (c *Client) Name() string    { return c.name }
func (c *Client) Node() *Node     { return c.node }
func (c *Client) BaseURL() string { return c.baseURL }
func (c *Client) Path() string    { return "" }

// Method returns the bound method of a top-level endpoint or nil.
func (c *Client) Method(name string) *BoundMethod {
	return c.methods.methods[name]
}

// Methods returns the names of top-level endpoints in sorted order.
func (c *Client) Methods() []string {
	return c.methods.sorted()
}

// Resource returns a top-level resource or nil.
func (c *Client) Resource(name string) *Resource {
	return c.resources[name]
}

// Lookup finds a bound method by dotted path, e.g. "users.posts.list".
func (c *Client) Lookup(path string) (*BoundMethod, error) {
	parts := strings.Split(path, ".")
	methods, resources := &c.methods, c.resources
	for i, part := range parts[:len(parts)-1] {
		res := resources[part]
		if res == nil {
			return nil, &apierrors.ResolutionError{Component: "client " + c.name, Slot: strings.Join(parts[:i+1], "."), Err: apierrors.ErrNotFound}
		}
		methods, resources = &res.methods, res.resources
	}
	bm := methods.methods[parts[len(parts)-1]]
	if bm == nil {
		return nil, &apierrors.ResolutionError{Component: "client " + c.name, Endpoint: path, Err: apierrors.ErrNotFound}
	}
	return bm, nil
}

// Attach binds an unresolved method to the client.
func (c *Client) Attach(bm *BoundMethod) error {
	if err := bm.ResolveBinding(c); err != nil {
		return err
	}
	return c.methods.add("client "+c.name, bm)
}

// Call invokes the named top-level method.
func (c *Client) Call(ctx context.Context, name string, args Args, positional ...any) (*Response, error) {
	bm := c.Method(name)
	if bm == nil {
		return nil, &apierrors.ResolutionError{Component: "client " + c.name, Endpoint: name, Err: apierrors.ErrNotFound}
	}
	return bm.Invoke(WithOwner(ctx, c), positional, args)
}

// Close releases the engine serving the client.
func (c *Client) Close() error {
	node, err := Lookup(c.node, KindEngine)
	if err != nil {
		return err
	}
	return node.Value().(*Engine).Close()
}

// Resource is a live group of endpoints.
type Resource struct {
	name      string
	path      string
	fullPath  string
	baseURL   string
	node      *Node
	methods   methodSet
	resources map[string]*Resource
}

func newResource(def *ResourceDef, b *Builder) (*Resource, error) {
	component := "resource " + b.Path()
	if def.Name == "" {
		return nil, apierrors.Configf(component, "name", "resource has no name")
	}
	path := def.Path
	if path == "" {
		path = def.Name
	}
	endpoints, err := def.AllEndpoints()
	if err != nil {
		return nil, err
	}
	methods, err := newMethodSet(component, endpoints, b.Logger())
	if err != nil {
		return nil, err
	}
	r := &Resource{
		name:      def.Name,
		path:      path,
		methods:   methods,
		resources: make(map[string]*Resource),
	}
	for _, child := range b.Children(KindResource) {
		r.resources[child.name] = child.value.(*Resource)
	}
	return r, nil
}

func (r *Resource) Link(node *Node) error {
	r.node = node
	parent := node.Parent()
	if parent == nil {
		return &apierrors.ResolutionError{Component: "resource " + node.path, Err: fmt.Errorf("%w: resource outside of a client", apierrors.ErrNotFound)}
	}
	switch owner := parent.value.(type) {
	case *Client:
		r.baseURL = owner.baseURL
		r.fullPath = pathtmpl.Join(r.path)
	case *Resource:
		r.baseURL = owner.baseURL
		r.fullPath = pathtmpl.Join(owner.fullPath, r.path)
	}
	return r.methods.bind(r)
}

func (r *Resource) Name() string    { return r.name }
func (r *Resource) Node() *Node     { return r.node }
func (r *Resource) BaseURL() string { return r.baseURL }
func (r *Resource) Path() string    { return r.fullPath }

func (r *Resource) Method(name string) *BoundMethod {
	return r.methods.methods[name]
}

func (r *Resource) Methods() []string {
	return r.methods.sorted()
}

func (r *Resource) Resource(name string) *Resource {
	return r.resources[name]
}

// Attach binds an unresolved method to the resource.
func (r *Resource) Attach(bm *BoundMethod) error {
	if err := bm.ResolveBinding(r); err != nil {
		return err
	}
	return r.methods.add("resource "+r.name, bm)
}

// Call invokes the named method of the resource.
func (r *Resource) Call(ctx context.Context, name string, args Args, positional ...any) (*Response, error) {
	bm := r.Method(name)
	if bm == nil {
		return nil, &apierrors.ResolutionError{Component: "resource " + r.name, Endpoint: name, Err: apierrors.ErrNotFound}
	}
	return bm.Invoke(WithOwner(ctx, r), positional, args)
}
