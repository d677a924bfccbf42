// Package proxy is the generic substitute for the source language's
// binding-time metaclass rewriting (spec §4.6, Design Notes §9):
// proxy.Register[T] builds the real/proxy sibling pair for one twin-aware
// Go type from a small declarative table instead of runtime reflection.
package proxy

import "github.com/twinproto/twinterp/ident"

// AttrAccessor describes one named attribute of a registered type T.
// A nil Set or Del makes that operation fail with an AttributeError-style
// reply, for read-only (or delete-unsupported) attributes.
type AttrAccessor[T any] struct {
	Get func(obj *T) (any, error)
	Set func(obj *T, value any) error
	Del func(obj *T) error
}

// MethodFunc is one named method of a registered type T, dispatched on the
// owning twin against the real object.
type MethodFunc[T any] func(obj *T, args []any, kwargs map[string]any) (any, error)

// LocalMethodFunc is a method that runs against the proxy itself, in the
// calling process, instead of being dispatched to the owning twin (spec
// §4.8). Its canonical use is a method that reports something about the
// caller's own process rather than the real object's state.
type LocalMethodFunc[T any] func(p *ProxyInstance[T], args []any, kwargs map[string]any) (any, error)

// RegisterOptions describes one twin-aware class to Register.
type RegisterOptions[T any] struct {
	Module string
	Class  string

	// Construct builds a new *T from wire-decoded constructor arguments.
	Construct func(args []any, kwargs map[string]any) (*T, error)

	Attrs        map[string]AttrAccessor[T]
	Methods      map[string]MethodFunc[T]
	LocalMethods map[string]LocalMethodFunc[T]
	StaticAttrs  map[string]AttrAccessor[T]

	// OwnerTwinID names the interpreter that owns real instances of this
	// class. Left empty, it defaults to the twinID passed to Register, the
	// registering process's own twin id; that is the master's id only when
	// the master itself registers the class.
	OwnerTwinID ident.TwinID
}
