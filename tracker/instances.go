// Package tracker holds the two process-local registries a kernel needs to
// keep cross-process references meaningful: live instances keyed by their
// wire handle, and constructible classes keyed by (module, class) name
// (spec §3, §4.3, §7's ref_incr/ref_decr).
//
// An instance stays in the registry only as long as some remote twin holds
// an outstanding ref_incr, or this process has flagged it held locally;
// DecrRef removes the slot itself the moment the count reaches zero, the
// same way the source language's refcounting GC would release the
// underlying object the instant nothing references it.
package tracker

import (
	"fmt"
	"sync"

	"github.com/twinproto/twinterp/ident"
)

// Instance is one tracked object: a real local value (RemoteRefs > 0 means
// at least one twin holds a proxy pointing at it) or the local proxy for a
// real object living on another twin (HeldLocally true means this process
// itself is keeping it alive, independent of any twin's refcount).
type Instance struct {
	Handle      ident.Handle
	ClassKey    ident.ClassKey
	Value       any

	mu          sync.Mutex
	remoteRefs  int
	heldLocally bool
}

// RemoteRefs returns the number of outstanding ref_incr calls a twin has
// made against this instance without a matching ref_decr.
func (in *Instance) RemoteRefs() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.remoteRefs
}

// Instances is the active-instances registry: one per kernel, shared by
// every directive handler and proxy the kernel serves.
type Instances struct {
	mu      sync.Mutex
	byHandle map[ident.Handle]*Instance
}

// NewInstances builds an empty registry.
func NewInstances() *Instances {
	return &Instances{byHandle: make(map[ident.Handle]*Instance)}
}

// Track registers value under handle/classKey. If handle is already
// tracked, the existing entry is returned unchanged and value is dropped.
// Call this when a local value is handed out for the first time
// (get_attribute, call_func return); a remote proxy is materialized
// through GetOrCreate instead.
func (r *Instances) Track(handle ident.Handle, classKey ident.ClassKey, value any) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHandle[handle]; ok {
		return existing
	}
	in := &Instance{Handle: handle, ClassKey: classKey, Value: value}
	r.byHandle[handle] = in
	return in
}

// TrackInstantiated registers value the same way Track does, but pre-counts
// one remote keep-alive. The instantiate directive is the one creation path
// whose caller is guaranteed to already hold a proxy for the reference it
// gets back, without a separate ref_incr ever following it (spec §5:
// "instantiation starts at 1").
func (r *Instances) TrackInstantiated(handle ident.Handle, classKey ident.ClassKey, value any) *Instance {
	in := r.Track(handle, classKey, value)
	in.mu.Lock()
	in.remoteRefs = 1
	in.mu.Unlock()
	return in
}

// Lookup returns the tracked instance for handle, if any.
func (r *Instances) Lookup(handle ident.Handle) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.byHandle[handle]
	return in, ok
}

// MustLookup is Lookup but returns an error instead of a bool, for callers
// that cannot proceed without a tracked instance (handler dispatch).
func (r *Instances) MustLookup(handle ident.Handle) (*Instance, error) {
	in, ok := r.Lookup(handle)
	if !ok {
		return nil, fmt.Errorf("tracker: no instance tracked for %s/%s", handle.TwinID, handle.InstanceID)
	}
	return in, nil
}

// IncrRef records one remote keep-alive for handle (spec §7 ref_incr) and
// returns the new count. The caller is responsible for having already
// Tracked the instance.
func (r *Instances) IncrRef(handle ident.Handle) (int, error) {
	in, err := r.MustLookup(handle)
	if err != nil {
		return 0, err
	}
	in.mu.Lock()
	in.remoteRefs++
	count := in.remoteRefs
	in.mu.Unlock()
	return count, nil
}

// DecrRef releases one remote keep-alive for handle (spec §7 ref_decr) and
// returns the new count. It is not an error to decrement past what a twin
// ever incremented to zero. When the count reaches zero and this process
// has not flagged the instance held locally, the entry is removed from the
// registry outright: nothing else keeps it reachable once no remote proxy
// and no local holder references it.
func (r *Instances) DecrRef(handle ident.Handle) (int, error) {
	in, err := r.MustLookup(handle)
	if err != nil {
		return 0, err
	}
	in.mu.Lock()
	if in.remoteRefs > 0 {
		in.remoteRefs--
	}
	count := in.remoteRefs
	held := in.heldLocally
	in.mu.Unlock()
	if count == 0 && !held {
		r.mu.Lock()
		if existing, ok := r.byHandle[handle]; ok && existing == in {
			delete(r.byHandle, handle)
		}
		r.mu.Unlock()
	}
	return count, nil
}

// MarkHeldLocally flags that this process, not just a remote ref_incr, is
// keeping handle's instance alive: while held is true, DecrRef leaves the
// entry in place when its count reaches zero.
func (r *Instances) MarkHeldLocally(handle ident.Handle, held bool) error {
	in, err := r.MustLookup(handle)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.heldLocally = held
	in.mu.Unlock()
	return nil
}

// GetOrCreate returns the already-tracked instance for handle if one
// exists, otherwise calls materialize and tracks its result. The registry
// lock is held across the whole check-and-create so two concurrent
// resolves of the same handle can never race into two separate
// materialized proxies: "at most one live proxy per (twin_id,
// instance_id)" depends on this being atomic, not just the map insert.
func (r *Instances) GetOrCreate(handle ident.Handle, classKey ident.ClassKey, materialize func() (any, error)) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byHandle[handle]; ok {
		return existing, nil
	}
	value, err := materialize()
	if err != nil {
		return nil, err
	}
	in := &Instance{Handle: handle, ClassKey: classKey, Value: value}
	r.byHandle[handle] = in
	return in, nil
}

// Len reports the number of currently tracked instances. Intended for
// tests and diagnostics, not hot-path use.
func (r *Instances) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}
