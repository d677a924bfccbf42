package codec

import "github.com/twinproto/twinterp/ident"

// refMarker is the wire shape of a substituted reference:
// {"$twinref": "instance_id\ttwin_id\tmodule\tclass"}.
type refMarker struct {
	Ref string `json:"$twinref"`
}

// substitute walks v looking for Identifiable leaves and replaces them
// with refMarker values before handing the tree to jsoniter. It only
// descends into the generic shapes a decoded-from-JSON-or-assembled-by-hand
// payload can actually contain: slices, maps, and Identifiable itself.
// Anything else (strings, numbers, bools, already-concrete structs) is
// left for jsoniter to marshal normally.
func (c *Codec) substitute(v any) any {
	if v == nil {
		return nil
	}
	if id, ok := v.(Identifiable); ok {
		if ref, ok := id.TwinReference(); ok {
			encoded, err := ref.Encode()
			if err == nil {
				return refMarker{Ref: encoded}
			}
		}
		return v
	}
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = c.substitute(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = c.substitute(elem)
		}
		return out
	default:
		return v
	}
}

// rehydrate is substitute's inverse: it walks a value freshly decoded from
// JSON (so slices are []any and objects are map[string]any) and replaces
// any refMarker-shaped map with the resolved object.
func (c *Codec) rehydrate(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if raw, ok := val[refKey]; ok {
				s, ok := raw.(string)
				if !ok {
					return v, nil
				}
				ref, err := ident.DecodeReference(s)
				if err != nil {
					return nil, err
				}
				return c.resolver.Resolve(ref)
			}
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			rehydrated, err := c.rehydrate(elem)
			if err != nil {
				return nil, err
			}
			out[k] = rehydrated
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			rehydrated, err := c.rehydrate(elem)
			if err != nil {
				return nil, err
			}
			out[i] = rehydrated
		}
		return out, nil
	default:
		return v, nil
	}
}
