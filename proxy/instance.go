package proxy

import (
	"runtime"

	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/kernel"
	"github.com/twinproto/twinterp/share"
)

// ProxyInstance stands in, in a non-owning process, for a real T living on
// another twin. Every generated method/attribute call forwards through
// dispatcher except for names registered as LocalMethods, which run
// against the proxy itself (spec §4.8).
type ProxyInstance[T any] struct {
	ref          ident.Reference
	dispatcher   *kernel.Dispatcher
	localMethods map[string]LocalMethodFunc[T]
}

func newProxyInstance[T any](ref ident.Reference, dispatcher *kernel.Dispatcher, localMethods map[string]LocalMethodFunc[T]) *ProxyInstance[T] {
	p := &ProxyInstance[T]{ref: ref, dispatcher: dispatcher, localMethods: localMethods}
	if err := dispatcher.IncrementInstanceRef(p); err != nil {
		share.NewLogger("proxy", share.LogLevelInfo).WLogf("proxy: ref_incr for %s/%s failed: %v", ref.TwinID, ref.InstanceID, err)
	}
	armProxyFinalizer(p)
	return p
}

// newProxyInstanceNoIncr builds a proxy for a reference the server has
// already pre-counted one remote ref for (the Instantiate result, spec
// §5), so unlike newProxyInstance it must not issue its own ref_incr: doing
// so would leave the instance's refcount at two for one logical
// instantiation.
func newProxyInstanceNoIncr[T any](ref ident.Reference, dispatcher *kernel.Dispatcher, localMethods map[string]LocalMethodFunc[T]) *ProxyInstance[T] {
	p := &ProxyInstance[T]{ref: ref, dispatcher: dispatcher, localMethods: localMethods}
	armProxyFinalizer(p)
	return p
}

func armProxyFinalizer[T any](p *ProxyInstance[T]) {
	runtime.SetFinalizer(p, func(dead *ProxyInstance[T]) {
		// Spec §7: a ref_decr on a channel that is already gone is
		// suppressed, so any error here is deliberately dropped.
		_ = dead.dispatcher.DecrementInstanceRef(dead)
	})
}

// TwinReference implements codec.Identifiable.
func (p *ProxyInstance[T]) TwinReference() (ident.Reference, bool) { return p.ref, true }

// Call invokes a named method, running it locally if it was registered as
// a LocalMethod, dispatching it to the owning twin otherwise.
func (p *ProxyInstance[T]) Call(name string, args []any, kwargs map[string]any) (any, error) {
	if lm, ok := p.localMethods[name]; ok {
		return lm(p, args, kwargs)
	}
	return p.dispatcher.DispatchMethodCall(p, name, args, kwargs)
}

// Get reads a named attribute.
func (p *ProxyInstance[T]) Get(name string) (any, error) { return p.dispatcher.GetAttribute(p, name) }

// Set writes a named attribute.
func (p *ProxyInstance[T]) Set(name string, value any) error {
	return p.dispatcher.SetAttribute(p, name, value)
}

// Del deletes a named attribute.
func (p *ProxyInstance[T]) Del(name string) error { return p.dispatcher.DelAttribute(p, name) }

// ClassHandle exposes class-level (static) attribute access on a proxy
// class, routed through the same dispatcher verbs with a class-subject
// reference (spec.md §4.6's attribute-on-proxy-class requirement).
type ClassHandle[T any] struct {
	key         ident.ClassKey
	ownerTwinID ident.TwinID
	dispatcher  *kernel.Dispatcher
}

func (c *ClassHandle[T]) subject() classSubject {
	return classSubject{ref: ident.Reference{
		Handle:   ident.Handle{TwinID: c.ownerTwinID, InstanceID: ident.ClassSubjectInstanceID},
		ClassKey: c.key,
	}}
}

// GetStatic reads a class-level attribute.
func (c *ClassHandle[T]) GetStatic(name string) (any, error) {
	return c.dispatcher.GetAttribute(c.subject(), name)
}

// SetStatic writes a class-level attribute.
func (c *ClassHandle[T]) SetStatic(name string, value any) error {
	return c.dispatcher.SetAttribute(c.subject(), name, value)
}

// classSubject is the Identifiable carrier for a class-level reference; it
// has no backing instance, only the sentinel InstanceID handler.go
// recognizes.
type classSubject struct {
	ref ident.Reference
}

func (c classSubject) TwinReference() (ident.Reference, bool) { return c.ref, true }
