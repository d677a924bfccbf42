// Package ident mints the process-unique identifiers the wire protocol
// relies on: twin ids and instance ids (spec §3), and the tab-separated
// cross-process reference string (spec §4.2, §6) that names one object on
// one twin.
package ident

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// TwinID names one interpreter process within a group. Masters and twins
// both have one; MASTER_ID equals TWIN_ID on the master.
type TwinID string

// NewTwinID mints a fresh, globally-unique twin id.
func NewTwinID() TwinID {
	return TwinID(uuid.NewString())
}

// ClassSubjectInstanceID is the sentinel InstanceID used when a reference
// names a class itself rather than one of its instances (spec.md §4.6's
// class-level/static attribute access, carried over a subject field that
// otherwise always names an instance).
const ClassSubjectInstanceID = "__class__"

var instanceSeq int64

// InstanceID names one real object for the lifetime of its owning process.
// The source language derives this from the object's memory address plus
// a timestamp; Go objects do not expose a stable address the way a
// reference-counted interpreter's id() builtin does, so this instead
// combines a random UUID with a monotonic per-process counter, which is
// unique across GC cycles without relying on addresses that can be reused
// by the allocator.
func NewInstanceID() string {
	seq := atomic.AddInt64(&instanceSeq, 1)
	return fmt.Sprintf("%s-%d", uuid.NewString(), seq)
}

// Handle is the wire identity of one object: twin plus instance id.
// Spec §3: "the triple (twin_id, instance_id, module, class_name) is the
// wire identity of an object" — Handle carries the first two; module and
// class name travel alongside it in a Reference.
type Handle struct {
	TwinID     TwinID
	InstanceID string
}

// ClassKey names a registered class: (module_name, class_name).
type ClassKey struct {
	Module string
	Class  string
}

// Reference is the parsed form of the cross-process reference string.
type Reference struct {
	Handle
	ClassKey
}

const refSep = "\t"

// Encode renders a Reference as the wire string
// "instance_id \t twin_id \t module_name \t class_name" (spec §4.2, §6).
// None of the four fields may themselves contain a tab.
func (r Reference) Encode() (string, error) {
	fields := []string{r.InstanceID, string(r.TwinID), r.Module, r.Class}
	for _, f := range fields {
		if strings.Contains(f, refSep) {
			return "", fmt.Errorf("ident: reference field %q contains a tab", f)
		}
	}
	return strings.Join(fields, refSep), nil
}

// TwinReference implements codec.Identifiable directly: a bare Reference
// decoded for a Subject/Instance field substitutes back onto the wire
// without needing a wrapper type.
func (r Reference) TwinReference() (Reference, bool) { return r, true }

// DecodeReference parses a reference string produced by Reference.Encode.
func DecodeReference(s string) (Reference, error) {
	parts := strings.Split(s, refSep)
	if len(parts) != 4 {
		return Reference{}, fmt.Errorf("ident: malformed reference %q: want 4 tab-separated fields, got %d", s, len(parts))
	}
	return Reference{
		Handle:   Handle{InstanceID: parts[0], TwinID: TwinID(parts[1])},
		ClassKey: ClassKey{Module: parts[2], Class: parts[3]},
	}, nil
}
