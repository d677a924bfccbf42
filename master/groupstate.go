package master

import "sync"

// InitKind discriminates an initializer/finalizer registration (spec.md
// §"Group state": "run in each twin before its kernels start" / "run
// after"). A twin names its own functions by key; the master only ever
// forwards keys, it never needs to know what they do.
type InitKind string

const (
	// Initializer runs in each twin before its kernels start.
	Initializer InitKind = "initializer"
	// Finalizer runs in each twin after its kernels stop serving.
	Finalizer InitKind = "finalizer"
)

// GroupEntry is one initializer/finalizer registration.
type GroupEntry struct {
	Kind InitKind
	Key  string
}

// GroupState is the master-process singleton holding the group's
// initializer/finalizer lists (spec.md §"Group state", SPEC_FULL.md §4.9).
// It records registrations made in the process that holds it and passes
// each one to the callbacks added with Subscribe. Nothing in this module
// carries a twin's registrations to the master over the kernel channel, or
// rebroadcasts them to other twins.
type GroupState struct {
	mu          sync.Mutex
	entries     []GroupEntry
	subscribers []func(GroupEntry)
}

// NewGroupState builds an empty GroupState.
func NewGroupState() *GroupState {
	return &GroupState{}
}

// Register records one initializer or finalizer key and rebroadcasts it to
// every peer that has called Subscribe so far. A peer that subscribes
// later receives the full backlog via Entries, not a replay of missed
// broadcasts.
func (g *GroupState) Register(kind InitKind, key string) {
	g.mu.Lock()
	entry := GroupEntry{Kind: kind, Key: key}
	g.entries = append(g.entries, entry)
	subs := append([]func(GroupEntry){}, g.subscribers...)
	g.mu.Unlock()

	for _, notify := range subs {
		notify(entry)
	}
}

// Subscribe registers a callback invoked for every future Register call.
// It does not itself return the backlog; call Entries first if the
// subscriber also needs what was already registered.
func (g *GroupState) Subscribe(notify func(entry GroupEntry)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, notify)
}

// Entries returns a snapshot of every registration made so far, in
// registration order, for a newly-started twin to run through before its
// kernels come up.
func (g *GroupState) Entries() []GroupEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GroupEntry, len(g.entries))
	copy(out, g.entries)
	return out
}

// ForKind filters Entries down to the keys of one kind, in registration
// order (initializers run in that order before a twin's kernels start;
// finalizers run in the same order after they stop).
func (g *GroupState) ForKind(kind InitKind) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, e := range g.entries {
		if e.Kind == kind {
			out = append(out, e.Key)
		}
	}
	return out
}
