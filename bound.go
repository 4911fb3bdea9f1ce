package clientfactory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apierrors "github.com/starius/clientfactory/errors"
)

// BoundMethod is the executable unit of one endpoint: its configuration
// plus the owner, session and backend it runs with.
type BoundMethod struct {
	config *MethodConfig
	logger *slog.Logger

	mu      sync.RWMutex
	owner   Owner
	session *Session
	backend Backend
}

type binding struct {
	owner   Owner
	session *Session
	backend Backend
}

func newUnbound(config *MethodConfig, logger *slog.Logger) (*BoundMethod, error) {
	if config == nil {
		return nil, apierrors.Configf("endpoint", "", "nil method config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BoundMethod{config: config, logger: logger}, nil
}

// CreateBoundMethod binds config to owner. A nil owner gives an
// unresolved method, to be finalized by ResolveBinding or on first
// invocation. A nil session is looked up from the owner.
func CreateBoundMethod(config *MethodConfig, owner Owner, session *Session) (*BoundMethod, error) {
	bm, err := newUnbound(config, nil)
	if err != nil {
		return nil, err
	}
	bm.session = session
	if owner == nil {
		return bm, nil
	}
	if err := bm.ResolveBinding(owner); err != nil {
		return nil, err
	}
	return bm, nil
}

// NewUnboundMethod declares an endpoint outside of any client or resource.
func NewUnboundMethod(def EndpointDef) (*BoundMethod, error) {
	config, err := NewMethodConfig(def)
	if err != nil {
		return nil, err
	}
	return newUnbound(config, nil)
}

func (b *BoundMethod) Config() *MethodConfig { return b.config }

func (b *BoundMethod) Name() string { return b.config.name }

// Owner returns the owner or nil while unresolved.
func (b *BoundMethod) Owner() Owner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owner
}

func (b *BoundMethod) Resolved() bool {
	return b.Owner() != nil
}

// Session returns the session the method sends through or nil while
// unresolved.
func (b *BoundMethod) Session() *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.owner == nil {
		return nil
	}
	return b.session
}

// ResolveBinding finalizes the method for owner. Binding again to the
// same owner is a no-op.
func (b *BoundMethod) ResolveBinding(owner Owner) error {
	if owner == nil {
		return apierrors.Configf("endpoint "+b.config.name, "owner", "nil owner")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil {
		if b.owner == owner {
			return nil
		}
		return apierrors.Configf("endpoint "+b.config.name, "owner", "already bound to %s", b.owner.Name())
	}
	node := owner.Node()
	if node == nil {
		return &apierrors.ResolutionError{
			Component: owner.Name(),
			Endpoint:  b.config.name,
			Err:       fmt.Errorf("%w: owner is not linked", apierrors.ErrUnresolved),
		}
	}

	session := b.session
	if session == nil {
		found, err := Lookup(node, KindSession)
		if err != nil {
			var rerr *apierrors.ResolutionError
			if errors.As(err, &rerr) {
				rerr.Endpoint = b.config.name
			}
			return err
		}
		session = found.value.(*Session)
	}

	var backend Backend
	found, err := Lookup(node, KindBackend)
	switch {
	case err == nil:
		backend = found.value.(Backend)
	case !errors.Is(err, apierrors.ErrNotFound):
		return err
	}

	b.owner, b.session, b.backend = owner, session, backend
	return nil
}

// bound returns the binding, resolving it from ctx when needed.
func (b *BoundMethod) bound(ctx context.Context) (binding, error) {
	b.mu.RLock()
	bd := binding{owner: b.owner, session: b.session, backend: b.backend}
	b.mu.RUnlock()
	if bd.owner != nil {
		return bd, nil
	}

	owner, ok := OwnerFrom(ctx)
	if !ok {
		return binding{}, &apierrors.ResolutionError{
			Component: "endpoint",
			Endpoint:  b.config.name,
			Err:       fmt.Errorf("%w: no owner in context", apierrors.ErrUnresolved),
		}
	}
	if err := b.ResolveBinding(owner); err != nil {
		return binding{}, err
	}
	b.logger.Debug("bound method resolved from context", "endpoint", b.config.name, "owner", owner.Name())
	return b.bound(ctx)
}

// Invoke builds a request from the arguments and executes it.
func (b *BoundMethod) Invoke(ctx context.Context, positional []any, kwargs Args) (*Response, error) {
	req, err := b.Prepare(ctx, positional, kwargs)
	if err != nil {
		return nil, err
	}
	return b.Dispatch(ctx, req)
}

// Call is Invoke with keyword arguments first.
func (b *BoundMethod) Call(ctx context.Context, kwargs Args, positional ...any) (*Response, error) {
	return b.Invoke(ctx, positional, kwargs)
}

// Prepare runs the request pipeline without sending anything.
// The result is ready for Dispatch.
func (b *BoundMethod) Prepare(ctx context.Context, positional []any, kwargs Args) (*Request, error) {
	bd, err := b.bound(ctx)
	if err != nil {
		return nil, err
	}
	req, err := b.build(bd, positional, kwargs)
	if err != nil {
		return nil, err
	}
	if bd.backend != nil {
		if req, err = bd.backend.Format(ctx, req); err != nil {
			return nil, fmt.Errorf("endpoint %s: formatting request: %w", b.config.name, err)
		}
	}
	return req, nil
}

// Dispatch sends a prepared request through the session and parses the
// response with the backend.
func (b *BoundMethod) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	bd, err := b.bound(ctx)
	if err != nil {
		return nil, err
	}
	res, err := bd.session.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", b.config.name, err)
	}
	if bd.backend != nil {
		if res, err = bd.backend.Parse(ctx, res); err != nil {
			return nil, fmt.Errorf("endpoint %s: parsing response: %w", b.config.name, err)
		}
	}
	return res, nil
}
