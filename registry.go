package clientfactory

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"weak"

	apierrors "github.com/starius/clientfactory/errors"
)

// Node is one resolved component of a live graph. A node owns its
// children and refers to its parent weakly.
type Node struct {
	kind     Kind
	name     string
	path     string
	value    any
	raw      any
	parent   weak.Pointer[Node]
	children []*Node
}

func (n *Node) Kind() Kind   { return n.kind }
func (n *Node) Name() string { return n.name }

// Path is the dotted chain of slot names from the root, "" for the root.
func (n *Node) Path() string { return n.path }

// Value returns the validated component, e.g. *Session or Auth.
func (n *Node) Value() any { return n.value }

// Raw returns the underlying value the component wraps, e.g. the
// HttpClient of an *Engine. Components that wrap nothing return themselves.
func (n *Node) Raw() any { return n.raw }

// Parent returns the parent node or nil for the root or when the
// parent is gone.
func (n *Node) Parent() *Node {
	return n.parent.Value()
}

func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// Child returns the direct child in slot name or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *Node) describe() string {
	if n.path == "" {
		return string(n.kind)
	}
	return string(n.kind) + " " + n.path
}

// Unwrapper is implemented by components that wrap a raw value.
type Unwrapper interface {
	Unwrap() any
}

// Linker is implemented by components that need the resolved graph.
// Link runs once after the whole graph is built, parents first.
type Linker interface {
	Link(node *Node) error
}

// Builder gives a Declaration access to its resolved slots.
type Builder struct {
	config *Config
	node   *Node
}

// Value returns the component resolved for slot name or nil.
func (b *Builder) Value(name string) any {
	if c := b.node.Child(name); c != nil {
		return c.value
	}
	return nil
}

// Children returns the resolved children of the given kind in
// declaration order.
func (b *Builder) Children(kind Kind) []*Node {
	var out []*Node
	for _, c := range b.node.children {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (b *Builder) Logger() *slog.Logger { return b.config.logger }

// Path is the dotted path of the component being built.
func (b *Builder) Path() string { return b.node.path }

type resolver struct {
	config    *Config
	overrides map[string]any
	used      map[string]bool
}

// Resolve walks decl and its slots once and returns the live graph.
// Overrides given with the Override option replace declared slot values.
func Resolve(decl Declaration, opts ...Option) (*Node, error) {
	config := NewDefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	r := &resolver{
		config:    config,
		overrides: config.overrides,
		used:      make(map[string]bool),
	}
	root, err := r.resolve(decl, "", "")
	if err != nil {
		return nil, err
	}
	for path := range r.overrides {
		if !r.used[path] {
			return nil, apierrors.Configf(string(decl.Kind()), path, "override matches no slot")
		}
	}
	if err := link(root); err != nil {
		return nil, err
	}
	return root, nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func (r *resolver) resolve(decl Declaration, name, path string) (*Node, error) {
	node := &Node{kind: decl.Kind(), name: name, path: path}
	slots := decl.Slots()
	if err := checkSlots(node.kind, node.describe(), slots); err != nil {
		return nil, err
	}

	for _, slot := range slots {
		slotPath := joinPath(path, slot.Name)
		if v, has := r.overrides[slotPath]; has {
			r.used[slotPath] = true
			override := slotOf(slot.Name, slot.Kind, v, slot.Required)
			slot.Ref, slot.Decl = override.Ref, override.Decl
		}

		var child *Node
		switch {
		case slot.Ref != nil && slot.Decl != nil:
			return nil, apierrors.Configf(node.describe(), slot.Name, "slot has both a reference and a definition")
		case slot.Decl != nil:
			c, err := r.resolve(slot.Decl, slot.Name, slotPath)
			if err != nil {
				return nil, err
			}
			if c.kind != slot.Kind {
				return nil, apierrors.Configf(node.describe(), slot.Name, "definition of kind %s in slot of kind %s", c.kind, slot.Kind)
			}
			child = c
		case slot.Ref != nil:
			c, err := r.instantiate(slot, slotPath)
			if err != nil {
				return nil, err
			}
			child = c
		case slot.Required:
			return nil, &apierrors.ResolutionError{
				Component: node.describe(),
				Slot:      slot.Name,
				Err:       apierrors.ErrNotFound,
			}
		default:
			continue
		}
		node.children = append(node.children, child)
	}

	value, err := decl.Build(&Builder{config: r.config, node: node})
	if err != nil {
		return nil, err
	}
	node.value = value
	node.raw = value
	if u, ok := value.(Unwrapper); ok {
		node.raw = u.Unwrap()
	}
	for _, c := range node.children {
		c.parent = weak.Make(node)
	}
	r.config.logger.Debug("component resolved", "kind", node.kind, "path", node.path)
	return node, nil
}

func (r *resolver) instantiate(slot Slot, path string) (*Node, error) {
	raw := slot.Ref
	var factory Factory
	switch f := raw.(type) {
	case Factory:
		factory = f
	case func() (any, error):
		factory = f
	}
	if factory != nil {
		v, err := factory()
		if err != nil {
			return nil, fmt.Errorf("constructing %s: %w", path, err)
		}
		raw = v
	}
	value, err := adapt(slot.Kind, raw)
	if err != nil {
		return nil, apierrors.Configf(string(slot.Kind)+" "+path, slot.Name, "%v", err)
	}
	node := &Node{kind: slot.Kind, name: slot.Name, path: path, value: value, raw: raw}
	if u, ok := value.(Unwrapper); ok {
		node.raw = u.Unwrap()
	}
	return node, nil
}

// adapt validates that v can serve as a component of kind.
func adapt(kind Kind, v any) (any, error) {
	ok := true
	switch kind {
	case KindAuth:
		_, ok = v.(Auth)
	case KindPersistence:
		_, ok = v.(Persistence)
	case KindBackend:
		_, ok = v.(Backend)
	case KindEngine:
		_, ok = v.(*Engine)
	case KindSession:
		_, ok = v.(*Session)
	case KindClient, KindResource:
		ok = false
	}
	if !ok {
		return nil, fmt.Errorf("%T can not be used as %s", v, kind)
	}
	return v, nil
}

func link(n *Node) error {
	if l, ok := n.value.(Linker); ok {
		if err := l.Link(n); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := link(c); err != nil {
			return err
		}
	}
	return nil
}

// Find searches n and then its descendants breadth-first for a
// component of kind. Several matches at the shallowest matching depth
// are ambiguous.
func Find(n *Node, kind Kind) (*Node, error) {
	return search(n, kind, true)
}

func search(n *Node, kind Kind, crossOwners bool) (*Node, error) {
	level := []*Node{n}
	for len(level) != 0 {
		var found, next []*Node
		for _, c := range level {
			if c.kind == kind {
				found = append(found, c)
			}
			if c != n && !crossOwners && (c.kind == KindResource || c.kind == KindClient) {
				continue
			}
			next = append(next, c.children...)
		}
		switch len(found) {
		case 0:
		case 1:
			return found[0], nil
		default:
			paths := make([]string, len(found))
			for i, f := range found {
				paths[i] = f.path
			}
			return nil, &apierrors.ResolutionError{
				Component: n.describe(),
				Slot:      string(kind),
				Err:       fmt.Errorf("%w: %s", apierrors.ErrAmbiguous, strings.Join(paths, ", ")),
			}
		}
		level = next
	}
	return nil, &apierrors.ResolutionError{
		Component: n.describe(),
		Slot:      string(kind),
		Err:       apierrors.ErrNotFound,
	}
}

// Lookup returns the component of kind that serves n: the nearest one
// owned by n or by one of its ancestors. Components inside nested
// resources of an ancestor are not considered.
func Lookup(n *Node, kind Kind) (*Node, error) {
	for cur := n; cur != nil; cur = cur.Parent() {
		found, err := search(cur, kind, false)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, apierrors.ErrNotFound) {
			return nil, err
		}
	}
	return nil, &apierrors.ResolutionError{
		Component: n.describe(),
		Slot:      string(kind),
		Err:       apierrors.ErrNotFound,
	}
}

// FindAs is Find followed by a type check of the component.
func FindAs[T any](n *Node, kind Kind) (T, error) {
	var zero T
	node, err := Find(n, kind)
	if err != nil {
		return zero, err
	}
	v, ok := node.value.(T)
	if !ok {
		return zero, apierrors.Configf(node.describe(), "", "component is %T, not %T", node.value, zero)
	}
	return v, nil
}
