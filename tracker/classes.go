package tracker

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/twinproto/twinterp/ident"
)

// Constructor builds a fresh Go value for a registered class given
// positional and keyword constructor arguments already decoded from the
// wire (spec §7 instantiate).
type Constructor func(args []any, kwargs map[string]any) (any, error)

// ClassDescriptor is what a module registers once per (module, class) pair
// so the kernel can satisfy instantiate and proxy-materialization requests
// for it. Attrs and Methods are the capability tables the handler
// dispatches call_method/get_attribute/set_attribute/del_attribute
// against; StaticAttrs serves the same directives when the subject
// reference names the class itself rather than an instance (spec.md
// §4.6's class-level attribute access).
type ClassDescriptor struct {
	Key         ident.ClassKey
	Constructor Constructor
	Attrs       map[string]AttrAccessor
	Methods     map[string]MethodFunc
	StaticAttrs map[string]AttrAccessor
}

// Classes is the class registry: every locally-constructible class a
// kernel can instantiate on request, plus a bounded recently-used cache so
// repeated instantiate calls for the same class under heavy fan-out do not
// pay the full map lookup and type assertion path every time.
type Classes struct {
	byKey map[ident.ClassKey]*ClassDescriptor
	cache *lru.Cache
}

// classCacheSize bounds the hot-path cache independently of how many
// classes a module ultimately registers; 256 comfortably covers any
// single process's working set of frequently instantiated classes without
// tying the cache size to registry size.
const classCacheSize = 256

// NewClasses builds an empty class registry.
func NewClasses() *Classes {
	cache, err := lru.New(classCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which classCacheSize
		// never is.
		panic(err)
	}
	return &Classes{byKey: make(map[ident.ClassKey]*ClassDescriptor), cache: cache}
}

// Register adds or replaces a class descriptor. Call during module
// initialization (spec §6's --initializer hook), not per-request.
func (c *Classes) Register(desc *ClassDescriptor) {
	c.byKey[desc.Key] = desc
	c.cache.Remove(desc.Key)
}

// Resolve looks up a class descriptor by key, consulting the LRU cache
// before falling back to the backing map.
func (c *Classes) Resolve(key ident.ClassKey) (*ClassDescriptor, bool) {
	if v, ok := c.cache.Get(key); ok {
		return v.(*ClassDescriptor), true
	}
	desc, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	c.cache.Add(key, desc)
	return desc, true
}
