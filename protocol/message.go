package protocol

import (
	"encoding/json"

	"github.com/twinproto/twinterp/ident"
)

// RequestID identifies one in-flight request on a single kernel client.
// It is the client-minted equivalent of the source language's calling
// thread id (spec §3): Go goroutines have no stable public identity, so
// the client mints one per call instead (see kernel package).
type RequestID string

// Request is one directive sent from a kernel client to a kernel server.
// RequestID is empty for a fire-and-forget event (spec §3's "None" tag).
//
// Payload stays a raw message at this layer because its Go type depends on
// Directive, which is only known once the envelope itself has been
// decoded; see codec.Codec for the directive-aware second pass.
type Request struct {
	RequestID RequestID       `json:"id,omitempty"`
	Directive Directive       `json:"directive"`
	Payload   json.RawMessage `json:"payload"`
}

// IsEvent reports whether this request expects no reply.
func (r Request) IsEvent() bool { return r.RequestID == "" }

// Reply answers one Request with the same RequestID. Body is a raw message
// for the same reason as Request.Payload: Status decides whether it holds
// a directive-specific return value or a PayloadError.
type Reply struct {
	RequestID RequestID       `json:"id,omitempty"`
	Status    Status          `json:"status"`
	Body      json.RawMessage `json:"body"`
}

// CallFuncPayload is the payload of a CallFunc directive.
type CallFuncPayload struct {
	Callable string `json:"callable"`
	Args     []any  `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
}

// CallMethodPayload is the payload of a CallMethod directive.
type CallMethodPayload struct {
	Subject any            `json:"subject"`
	Name    string         `json:"name"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
}

// AttributePayload is the payload of GetAttribute/DelAttribute, and the
// read half of SetAttribute.
type AttributePayload struct {
	Subject any    `json:"subject"`
	Name    string `json:"name"`
}

// SetAttributePayload is the payload of a SetAttribute directive.
type SetAttributePayload struct {
	Subject any    `json:"subject"`
	Name    string `json:"name"`
	Value   any    `json:"value"`
}

// InstantiatePayload is the payload of an Instantiate directive. Class
// names the registered (module, class) pair rather than a dotted string,
// since the tracker's class registry is keyed the same way.
type InstantiatePayload struct {
	Class  ident.ClassKey `json:"class"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// RefCountPayload is the payload of RefIncr/RefDecr.
type RefCountPayload struct {
	Instance any `json:"instance"`
}

// Hello is the preflight handshake frame exchanged once, uncompressed and
// in the bare JSON codec, immediately after a transport opens (spec §4.2).
type Hello struct {
	Version  int      `json:"version"`
	Features []string `json:"features"`
}

// NegotiatedVersion is the minimum of two advertised protocol versions.
func NegotiatedVersion(a, b Hello) int {
	if a.Version < b.Version {
		return a.Version
	}
	return b.Version
}

// NegotiatedFeatures is the intersection of two advertised feature sets.
func NegotiatedFeatures(a, b Hello) []string {
	has := make(map[string]bool, len(b.Features))
	for _, f := range b.Features {
		has[f] = true
	}
	var out []string
	for _, f := range a.Features {
		if has[f] {
			out = append(out, f)
		}
	}
	return out
}

// TerminationEvent is delivered as a None-tagged (fire-and-forget) message
// (spec §6). Its consumption causes the receiving server to raise
// StopTwinterpreter(ExitCode).
type TerminationEvent struct {
	Message  string `json:"message"`
	ExitCode int    `json:"exitCode"`
}
