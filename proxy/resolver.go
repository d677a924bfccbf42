package proxy

import (
	"fmt"

	"github.com/twinproto/twinterp/ident"
	"github.com/twinproto/twinterp/kernel"
	"github.com/twinproto/twinterp/tracker"
)

// Resolver implements codec.Resolver for a kernel client decoding a reply
// body: a reference naming one of this process's own tracked instances
// returns that live value; any other reference materializes a fresh
// ProxyInstance for its registered class (spec §4.2's on-load rule).
type Resolver struct {
	twinID     ident.TwinID
	instances  *tracker.Instances
	dispatcher *kernel.Dispatcher
}

// NewResolver builds a Resolver. dispatcher may be set after construction
// with SetDispatcher if the Codec needs to exist before the Dispatcher
// does (the usual bootstrap order: transport, codec, client, dispatcher).
func NewResolver(twinID ident.TwinID, instances *tracker.Instances) *Resolver {
	return &Resolver{twinID: twinID, instances: instances}
}

// SetDispatcher wires the dispatcher a materialized proxy will use. Must
// be called before the first Resolve that needs to build a proxy.
func (r *Resolver) SetDispatcher(dispatcher *kernel.Dispatcher) {
	r.dispatcher = dispatcher
}

// Resolve implements codec.Resolver. Materialization of a foreign
// reference and its registration into the shared instance cache happen
// atomically under GetOrCreate, so two concurrent decodes naming the same
// handle can never produce two separate proxies for it (spec §4.3's "at
// most one live proxy per (twin_id, instance_id)").
func (r *Resolver) Resolve(ref ident.Reference) (any, error) {
	if ref.TwinID == r.twinID {
		if in, ok := r.instances.Lookup(ref.Handle); ok {
			return in.Value, nil
		}
	}
	materialize, ok := lookupMaterializer(ref.ClassKey)
	if !ok {
		return nil, fmt.Errorf("proxy: no class registered for %s/%s", ref.Module, ref.Class)
	}
	if r.dispatcher == nil {
		return nil, fmt.Errorf("proxy: resolver has no dispatcher wired yet")
	}
	dispatcher := r.dispatcher
	in, err := r.instances.GetOrCreate(ref.Handle, ref.ClassKey, func() (any, error) {
		return materialize(ref, dispatcher)
	})
	if err != nil {
		return nil, err
	}
	return in.Value, nil
}
