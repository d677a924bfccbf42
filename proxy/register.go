package proxy

import (
	"fmt"
	"sync"

	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/kernel"
	"github.com/twinproto/twinterp/tracker"
)

// RealClass is the owning-twin half of a registered type: it constructs
// real *T values and tracks them so remote proxies can reference them.
type RealClass[T any] struct {
	key       ident.ClassKey
	twinID    ident.TwinID
	instances *tracker.Instances
	construct func(args []any, kwargs map[string]any) (*T, error)
}

// New constructs a fresh *T the same way an incoming instantiate directive
// would, and tracks it under a freshly minted instance id. Call this from
// owning-twin user code; a non-owning process should go through the
// sibling ProxyClass's New instead.
func (r *RealClass[T]) New(args []any, kwargs map[string]any) (*T, ident.Handle, error) {
	value, err := r.construct(args, kwargs)
	if err != nil {
		return nil, ident.Handle{}, err
	}
	handle := ident.Handle{TwinID: r.twinID, InstanceID: ident.NewInstanceID()}
	r.instances.Track(handle, r.key, value)
	return value, handle, nil
}

// ProxyClass is the non-owning-twin half of a registered type.
type ProxyClass[T any] struct {
	key          ident.ClassKey
	ownerTwinID  ident.TwinID
	localMethods map[string]LocalMethodFunc[T]
	instances    *tracker.Instances
}

// New allocates a proxy shell and issues instantiate against the owning
// twin (spec.md §4.6's proxy-side instance allocation). The instantiate
// reply's reference already carries one pre-counted remote ref (spec §5),
// so the proxy built from it must not issue its own ref_incr; it is then
// registered into the shared identity cache so a later reference to the
// same handle (e.g. the instance coming back as a call argument) resolves
// to this exact proxy instead of a second one.
func (p *ProxyClass[T]) New(dispatcher *kernel.Dispatcher, args []any, kwargs map[string]any) (*ProxyInstance[T], error) {
	ref, err := dispatcher.InstantiateClass(p.key, args, kwargs)
	if err != nil {
		return nil, err
	}
	in, err := p.instances.GetOrCreate(ref.Handle, ref.ClassKey, func() (any, error) {
		return newProxyInstanceNoIncr(ref, dispatcher, p.localMethods), nil
	})
	if err != nil {
		return nil, err
	}
	proxy, ok := in.Value.(*ProxyInstance[T])
	if !ok {
		return nil, fmt.Errorf("proxy: instantiate for %s/%s raced with a differently-typed resolve", p.key.Module, p.key.Class)
	}
	return proxy, nil
}

// ClassHandle returns the static-attribute handle for this class.
func (p *ProxyClass[T]) ClassHandle(dispatcher *kernel.Dispatcher) *ClassHandle[T] {
	return &ClassHandle[T]{key: p.key, ownerTwinID: p.ownerTwinID, dispatcher: dispatcher}
}

var (
	materializersMu sync.Mutex
	materializers   = map[ident.ClassKey]func(ref ident.Reference, dispatcher *kernel.Dispatcher) (any, error){}
)

func registerMaterializer(key ident.ClassKey, m func(ref ident.Reference, dispatcher *kernel.Dispatcher) (any, error)) {
	materializersMu.Lock()
	defer materializersMu.Unlock()
	materializers[key] = m
}

func lookupMaterializer(key ident.ClassKey) (func(ref ident.Reference, dispatcher *kernel.Dispatcher) (any, error), bool) {
	materializersMu.Lock()
	defer materializersMu.Unlock()
	m, ok := materializers[key]
	return m, ok
}

// Register builds the real/proxy sibling pair for T, registers its class
// descriptor with classes so the handler can satisfy instantiate/
// call_method/attribute directives against it, and registers a
// materializer so Resolver can rehydrate incoming references to this
// class into fresh ProxyInstance[T] values.
func Register[T any](twinID ident.TwinID, instances *tracker.Instances, classes *tracker.Classes, opts RegisterOptions[T]) (*RealClass[T], *ProxyClass[T]) {
	key := ident.ClassKey{Module: opts.Module, Class: opts.Class}
	owner := opts.OwnerTwinID
	if owner == "" {
		owner = twinID
	}

	classes.Register(&tracker.ClassDescriptor{
		Key: key,
		Constructor: func(args []any, kwargs map[string]any) (any, error) {
			return opts.Construct(args, kwargs)
		},
		Attrs:       adaptAttrs(opts.Attrs),
		Methods:     adaptMethods(opts.Methods),
		StaticAttrs: adaptAttrs(opts.StaticAttrs),
	})

	real := &RealClass[T]{key: key, twinID: twinID, instances: instances, construct: opts.Construct}
	proxyClass := &ProxyClass[T]{key: key, ownerTwinID: owner, localMethods: opts.LocalMethods, instances: instances}

	registerMaterializer(key, func(ref ident.Reference, dispatcher *kernel.Dispatcher) (any, error) {
		return newProxyInstance(ref, dispatcher, opts.LocalMethods), nil
	})

	return real, proxyClass
}

func adaptAttrs[T any](in map[string]AttrAccessor[T]) map[string]tracker.AttrAccessor {
	if in == nil {
		return nil
	}
	out := make(map[string]tracker.AttrAccessor, len(in))
	for name, a := range in {
		name, a := name, a
		out[name] = tracker.AttrAccessorFuncs{
			GetFunc: func(target any) (any, error) {
				if a.Get == nil {
					return nil, fmt.Errorf("proxy: attribute %q is not readable", name)
				}
				// target is untyped nil for a static attribute (no backing
				// instance); comma-ok keeps that a typed nil *T instead of
				// a panic.
				obj, _ := target.(*T)
				return a.Get(obj)
			},
			SetFunc: func(target any, value any) error {
				if a.Set == nil {
					return fmt.Errorf("proxy: attribute %q is not writable", name)
				}
				obj, _ := target.(*T)
				return a.Set(obj, value)
			},
			DelFunc: func(target any) error {
				if a.Del == nil {
					return fmt.Errorf("proxy: attribute %q cannot be deleted", name)
				}
				obj, _ := target.(*T)
				return a.Del(obj)
			},
		}
	}
	return out
}

func adaptMethods[T any](in map[string]MethodFunc[T]) map[string]tracker.MethodFunc {
	if in == nil {
		return nil
	}
	out := make(map[string]tracker.MethodFunc, len(in))
	for name, fn := range in {
		fn := fn
		out[name] = func(target any, args []any, kwargs map[string]any) (any, error) {
			return fn(target.(*T), args, kwargs)
		}
	}
	return out
}
