package clientfactory

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/starius/clientfactory/errors"
)

// Kind names a declarable component kind.
type Kind string

const (
	KindClient      Kind = "client"
	KindResource    Kind = "resource"
	KindEngine      Kind = "engine"
	KindSession     Kind = "session"
	KindAuth        Kind = "auth"
	KindPersistence Kind = "persistence"
	KindBackend     Kind = "backend"
)

// Factory lazily constructs a component. It is called once per resolution.
type Factory func() (any, error)

// Slot is one declared component slot of a definition.
// Ref holds a ready component or a Factory, Decl a nested definition.
// At most one of them may be set.
type Slot struct {
	Name     string
	Kind     Kind
	Required bool
	Ref      any
	Decl     Declaration
}

// Declaration is implemented by every definition kind.
type Declaration interface {
	Kind() Kind
	Slots() []Slot
	// Build constructs the component. Slots are already resolved
	// and available from b.
	Build(b *Builder) (any, error)
}

type kindSchema struct {
	fixed map[string]Kind
	named []Kind
}

// declarable lists which slots each definition kind may carry.
var declarable = map[Kind]kindSchema{
	KindClient: {
		fixed: map[string]Kind{"engine": KindEngine, "backend": KindBackend},
		named: []Kind{KindResource},
	},
	KindResource: {
		fixed: map[string]Kind{"session": KindSession, "backend": KindBackend},
		named: []Kind{KindResource},
	},
	KindEngine: {
		fixed: map[string]Kind{"session": KindSession},
	},
	KindSession: {
		fixed: map[string]Kind{"auth": KindAuth, "persistence": KindPersistence},
	},
}

func checkSlots(owner Kind, component string, slots []Slot) error {
	schema, has := declarable[owner]
	if !has && len(slots) != 0 {
		return apierrors.Configf(component, "", "kind %s declares no slots", owner)
	}
	seen := make(map[string]struct{}, len(slots))
	for _, slot := range slots {
		if slot.Name == "" {
			return apierrors.Configf(component, "", "slot of kind %s has no name", slot.Kind)
		}
		if _, dup := seen[slot.Name]; dup {
			return apierrors.Configf(component, slot.Name, "duplicate slot")
		}
		seen[slot.Name] = struct{}{}
		if want, ok := schema.fixed[slot.Name]; ok {
			if slot.Kind != want {
				return apierrors.Configf(component, slot.Name, "slot must be of kind %s, got %s", want, slot.Kind)
			}
			continue
		}
		allowed := false
		for _, kind := range schema.named {
			if slot.Kind == kind {
				allowed = true
				break
			}
		}
		if !allowed {
			return apierrors.Configf(component, slot.Name, "%s does not declare a slot of kind %s", owner, slot.Kind)
		}
	}
	return nil
}

// slotOf makes a slot from a declared value which is either a nested
// definition or a reference.
func slotOf(name string, kind Kind, v any, required bool) Slot {
	slot := Slot{Name: name, Kind: kind, Required: required}
	if d, ok := v.(Declaration); ok {
		slot.Decl = d
	} else {
		slot.Ref = v
	}
	return slot
}

// MergeMode tells how method-level headers or cookies combine with
// session defaults.
type MergeMode int

const (
	Merge MergeMode = iota
	Overwrite
	Ignore
)

func (m MergeMode) String() string {
	switch m {
	case Merge:
		return "merge"
	case Overwrite:
		return "overwrite"
	case Ignore:
		return "ignore"
	}
	return fmt.Sprintf("MergeMode(%d)", int(m))
}

// ParseMergeMode parses the String form of a MergeMode.
func ParseMergeMode(s string) (MergeMode, error) {
	switch strings.ToLower(s) {
	case "", "merge":
		return Merge, nil
	case "overwrite":
		return Overwrite, nil
	case "ignore":
		return Ignore, nil
	}
	return 0, fmt.Errorf("unknown merge mode %q", s)
}

// EndpointDef declares one endpoint.
type EndpointDef struct {
	Name string
	// Method defaults to GET.
	Method string
	// Path is relative to the owning resource and may contain
	// `{name}` or `:name` parameters.
	Path        string
	Payload     *Schema
	Headers     map[string]string
	HeaderMode  MergeMode
	Cookies     map[string]string
	CookieMode  MergeMode
	Timeout     Opt[time.Duration]
	Retries     Opt[int]
	Preprocess  func(Args) (Args, error)
	Postprocess func(*Request) (*Request, error)
	Description string
	Tags        []string
}

// SessionDef declares the session shared by bound methods.
type SessionDef struct {
	Headers map[string]string
	Cookies map[string]string
	Timeout time.Duration
	Retries int
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Auth holds an Auth, a Factory or nil.
	Auth any
	// Persistence holds a Persistence, a Factory or nil.
	Persistence any
}

func (d *SessionDef) Kind() Kind { return KindSession }

func (d *SessionDef) Slots() []Slot {
	return []Slot{
		slotOf("auth", KindAuth, d.Auth, false),
		slotOf("persistence", KindPersistence, d.Persistence, false),
	}
}

func (d *SessionDef) Build(b *Builder) (any, error) {
	return newSession(d, b)
}

// EngineDef declares the execution collaborator.
type EngineDef struct {
	// Client is the HTTP client used for network I/O. Defaults to
	// the client set by CustomClient or to a closing http.Client.
	Client HttpClient
	// Sender replaces HTTP execution entirely when set.
	Sender  Sender
	MaxBody int64
	Session *SessionDef
}

func (d *EngineDef) Kind() Kind { return KindEngine }

func (d *EngineDef) Slots() []Slot {
	session := d.Session
	if session == nil {
		session = &SessionDef{}
	}
	return []Slot{{Name: "session", Kind: KindSession, Required: true, Decl: session}}
}

func (d *EngineDef) Build(b *Builder) (any, error) {
	return newEngine(d, b.config)
}

// ResourceDef declares a group of endpoints under a common path.
type ResourceDef struct {
	Name string
	// Path defaults to Name.
	Path string
	// Session replaces the inherited session when set.
	Session *SessionDef
	// Backend holds a Backend, a Factory or nil.
	Backend   any
	Endpoints []EndpointDef
	Resources []ResourceDef

	// CRUD names standard operations to generate: create, read, update,
	// delete and list. Declared endpoints of the same name are kept.
	CRUD []string
	// Search generates a search endpoint, by default "search" sent as
	// POST to the resource path.
	Search *EndpointDef
	// View generates a view endpoint, by default "view" sent as GET
	// to "{id}".
	View *EndpointDef
}

func (d *ResourceDef) Kind() Kind { return KindResource }

func (d *ResourceDef) Slots() []Slot {
	slots := make([]Slot, 0, 2+len(d.Resources))
	if d.Session != nil {
		slots = append(slots, Slot{Name: "session", Kind: KindSession, Decl: d.Session})
	}
	slots = append(slots, slotOf("backend", KindBackend, d.Backend, false))
	for i := range d.Resources {
		res := &d.Resources[i]
		slots = append(slots, Slot{Name: res.Name, Kind: KindResource, Decl: res})
	}
	return slots
}

func (d *ResourceDef) Build(b *Builder) (any, error) {
	return newResource(d, b)
}

// ClientDef is the top-level definition.
type ClientDef struct {
	Name    string
	BaseURL string
	// Engine defaults to an HTTP engine with Session.
	Engine *EngineDef
	// Session is used when Engine is nil or declares no session.
	Session *SessionDef
	// Backend holds a Backend, a Factory or nil.
	Backend   any
	Endpoints []EndpointDef
	Resources []ResourceDef
}

func (d *ClientDef) Kind() Kind { return KindClient }

func (d *ClientDef) Slots() []Slot {
	engine := &EngineDef{}
	if d.Engine != nil {
		e := *d.Engine
		engine = &e
	}
	if engine.Session == nil {
		engine.Session = d.Session
	}
	slots := make([]Slot, 0, 2+len(d.Resources))
	slots = append(slots,
		Slot{Name: "engine", Kind: KindEngine, Required: true, Decl: engine},
		slotOf("backend", KindBackend, d.Backend, false),
	)
	for i := range d.Resources {
		res := &d.Resources[i]
		slots = append(slots, Slot{Name: res.Name, Kind: KindResource, Decl: res})
	}
	return slots
}

func (d *ClientDef) Build(b *Builder) (any, error) {
	return newClient(d, b)
}

var verbs = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodDelete:  {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
}

// HasBody reports whether requests with this verb carry keyword data
// in the body rather than in the query.
func HasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
